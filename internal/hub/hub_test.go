package hub_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmctl/swarmctl/internal/ctlerr"
	"github.com/swarmctl/swarmctl/internal/envelope"
	"github.com/swarmctl/swarmctl/internal/hub"
	"github.com/swarmctl/swarmctl/internal/scheduler"
	"github.com/swarmctl/swarmctl/internal/storage"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	aborted []string
}

func (f *fakeDispatcher) Submit(*scheduler.Task) {}
func (f *fakeDispatcher) Abort(requestID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, requestID)
}

type fakeHeartbeats struct {
	mu      sync.Mutex
	joined  []string
	left    []string
}

func (f *fakeHeartbeats) Join(identity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, identity)
}
func (f *fakeHeartbeats) Leave(identity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, identity)
}

type fakeSender struct {
	mu  sync.Mutex
	out []sentFrame
}

type sentFrame struct {
	channel, identity string
	frames            [][]byte
}

func (f *fakeSender) SendTo(_ context.Context, channel, identity string, frames [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sentFrame{channel: channel, identity: identity, frames: frames})
	return nil
}

func (f *fakeSender) Identities(string) []string { return nil }

func newTestHub(t *testing.T) (*hub.Hub, *fakeDispatcher, *fakeHeartbeats, storage.Backend) {
	t.Helper()
	backend := storage.NewMemory()
	codec, err := envelope.NewCodec([]byte("test-key"))
	require.NoError(t, err)

	disp := &fakeDispatcher{}
	hb := &fakeHeartbeats{}
	n := 0
	newID := func() string { n++; return "id-" + string(rune('a'+n)) }

	h := hub.New(backend, disp, codec, newID, 200*time.Millisecond, nil)
	h.SetHeartbeats(hb)
	h.SetSender(&fakeSender{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	return h, disp, hb, backend
}

func TestHub_RegisterAssignsEngineID(t *testing.T) {
	h, _, hb, _ := newTestHub(t)
	ctx := context.Background()

	reply := h.Register(ctx, "engine-identity-1")
	require.NotNil(t, reply)

	var content struct {
		EngineID  string   `json:"engine_id"`
		EngineIDs []string `json:"engine_ids"`
	}
	require.NoError(t, json.Unmarshal(reply.Content, &content))
	assert.NotEmpty(t, content.EngineID)
	assert.Contains(t, content.EngineIDs, content.EngineID)

	require.Eventually(t, func() bool {
		hb.mu.Lock()
		defer hb.mu.Unlock()
		return len(hb.joined) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHub_DuplicateRegistrationFails(t *testing.T) {
	h, _, _, _ := newTestHub(t)
	ctx := context.Background()

	reply1 := h.Register(ctx, "dup-identity")
	require.NotNil(t, reply1)

	reply2 := h.Register(ctx, "dup-identity")
	require.NotNil(t, reply2)

	var cerr ctlerr.Error
	require.NoError(t, json.Unmarshal(reply2.Content, &cerr))
	assert.Equal(t, ctlerr.KindAlreadyRegistered, cerr.Kind)
}

func TestHub_ConnectionReturnsEngineList(t *testing.T) {
	h, _, _, _ := newTestHub(t)
	ctx := context.Background()

	h.Register(ctx, "e1")
	h.Register(ctx, "e2")

	require.Eventually(t, func() bool {
		return len(h.Connection(ctx).EngineIDs) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHub_MonitorFrameTracksRequestLifecycle(t *testing.T) {
	h, _, _, backend := newTestHub(t)
	ctx := context.Background()

	reply := h.Register(ctx, "engine-A")
	require.NotNil(t, reply)
	var content struct {
		EngineID string `json:"engine_id"`
	}
	require.NoError(t, json.Unmarshal(reply.Content, &content))

	dispatchEnv := &envelope.Envelope{
		RoutingIdentities: []string{"client-1", "engine-A"},
		Header:            envelope.NewHeader("req-1", "apply_request", "sess", "client"),
		Content:           json.RawMessage(`{}`),
	}
	h.MonitorFrame("mux", "in", dispatchEnv)

	require.Eventually(t, func() bool {
		recs, _ := backend.GetMany(ctx, []string{"req-1"})
		return len(recs) == 1 && recs[0].Status == storage.StatusRunning
	}, time.Second, 5*time.Millisecond)

	replyEnv := &envelope.Envelope{
		RoutingIdentities: []string{"engine-A", "client-1"},
		Header:            envelope.NewHeader("reply-1", "apply_reply", "sess", "engine"),
		ParentHeader:      &envelope.Header{MsgID: "req-1"},
		Content:           json.RawMessage(`{"status":"ok"}`),
	}
	h.MonitorFrame("mux", "out", replyEnv)

	require.Eventually(t, func() bool {
		recs, _ := backend.GetMany(ctx, []string{"req-1"})
		return len(recs) == 1 && recs[0].Status == storage.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestHub_PurgeResultsRejectsOutstanding(t *testing.T) {
	h, _, _, backend := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, backend.Upsert(ctx, &storage.RequestRecord{
		RequestID: "outstanding-1",
		Status:    storage.StatusRunning,
	}))

	err := h.PurgeResults(ctx, []string{"outstanding-1"}, nil)
	assert.Error(t, err)
}

func TestHub_PurgeResultsDropsCompleted(t *testing.T) {
	h, _, _, backend := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, backend.Upsert(ctx, &storage.RequestRecord{
		RequestID: "done-1",
		Status:    storage.StatusCompleted,
	}))

	err := h.PurgeResults(ctx, []string{"done-1"}, nil)
	require.NoError(t, err)

	recs, err := backend.GetMany(ctx, []string{"done-1"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestHub_ResubmitCopiesEnvelopeUnderFreshID(t *testing.T) {
	h, _, _, backend := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, backend.Upsert(ctx, &storage.RequestRecord{
		RequestID: "orig-1",
		Status:    storage.StatusCompleted,
		Header:    json.RawMessage(`{"msg_id":"orig-1"}`),
	}))

	newIDs, err := h.ResubmitRequest(ctx, []string{"orig-1"}, "client-1")
	require.NoError(t, err)
	require.Contains(t, newIDs, "orig-1")
	newID := newIDs["orig-1"]
	assert.NotEqual(t, "orig-1", newID)

	recs, err := backend.GetMany(ctx, []string{newID})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, storage.StatusSubmitted, recs[0].Status)
	assert.Equal(t, 1, recs[0].ResubmitCount)
}

func TestHub_AbortNotifiesScheduler(t *testing.T) {
	h, disp, _, backend := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, backend.Upsert(ctx, &storage.RequestRecord{
		RequestID: "req-abort",
		Status:    storage.StatusSubmitted,
	}))

	h.Abort("req-abort")

	require.Eventually(t, func() bool {
		disp.mu.Lock()
		defer disp.mu.Unlock()
		return len(disp.aborted) == 1 && disp.aborted[0] == "req-abort"
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		recs, _ := backend.GetMany(ctx, []string{"req-abort"})
		return len(recs) == 1 && recs[0].Status == storage.StatusAborted
	}, time.Second, 5*time.Millisecond)
}
