package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmctl/swarmctl/internal/config"
	"github.com/swarmctl/swarmctl/internal/envelope"
	"github.com/swarmctl/swarmctl/internal/storage"
	"github.com/swarmctl/swarmctl/internal/transport"
)

// testEndpoint pairs a raw websocket connection (for reading, via
// transport.ReadFrames) with the transport.Conn wrapper (for writing,
// via its mutex-guarded Send) that production code uses for the same
// socket — mirroring how internal/engine's wsChannel holds both.
type testEndpoint struct {
	ws   *websocket.Conn
	conn *transport.Conn
}

func (e *testEndpoint) send(t *testing.T, ctx context.Context, frames [][]byte) {
	t.Helper()
	require.NoError(t, e.conn.Send(ctx, frames))
}

func (e *testEndpoint) read(t *testing.T, ctx context.Context) [][]byte {
	t.Helper()
	frames, err := transport.ReadFrames(ctx, e.ws)
	require.NoError(t, err)
	return frames
}

func (e *testEndpoint) close() { e.conn.Close() }

// testController builds a Controller wired to an in-memory document
// store and starts every subsystem goroutine, but serves over an
// httptest.Server rather than a real listener so Serve itself isn't
// exercised here (cmd/controller's runController is what drives Serve).
func testController(t *testing.T) (*Controller, string) {
	t.Helper()
	cfg := &config.Controller{
		DataDir:             t.TempDir(),
		HeartbeatPeriodMS:   50,
		HeartbeatMaxMissed:  3,
		DependencyTimeoutS:  5,
		SchedulerPolicy:     "leastload",
		DocumentStoreDriver: "memory",
	}
	ctl, err := New(cfg, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ctl.hub.Run(ctx)
	go ctl.sched.Run(ctx)
	go ctl.monitor.Run(ctx)

	mux := http.NewServeMux()
	ctl.srv.register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return ctl, wsURL
}

func dialChannel(t *testing.T, ctx context.Context, wsURL, channel, identity string) *testEndpoint {
	t.Helper()
	ws, _, err := websocket.Dial(ctx, wsURL+"/ws/"+channel+"?identity="+identity, nil)
	require.NoError(t, err)
	return &testEndpoint{ws: ws, conn: transport.NewConn(identity, channel, ws)}
}

func registerEngine(t *testing.T, ctx context.Context, ctl *Controller, wsURL, identity string) string {
	t.Helper()
	reg := dialChannel(t, ctx, wsURL, "registration", identity)
	defer reg.close()

	req := &envelope.Envelope{
		Header:  envelope.NewHeader("reg-"+identity, "registration_request", "", identity),
		Content: json.RawMessage(`{}`),
	}
	frames, err := ctl.codec.Encode(req)
	require.NoError(t, err)
	reg.send(t, ctx, frames)

	replyFrames := reg.read(t, ctx)
	env, err := ctl.codec.Decode(replyFrames)
	require.NoError(t, err)

	var body struct {
		EngineID string `json:"engine_id"`
	}
	require.NoError(t, json.Unmarshal(env.Content, &body))
	require.NotEmpty(t, body.EngineID)
	return body.EngineID
}

func TestRegistration_AssignsEngineIDAndMarksAlive(t *testing.T) {
	ctl, wsURL := testController(t)
	ctx := context.Background()

	engineID := registerEngine(t, ctx, ctl, wsURL, "engine-a")
	assert.Equal(t, "engine-1", engineID)

	identity := ctl.hub.EngineIdentity(ctx, engineID)
	assert.Equal(t, "engine-a", identity)
}

func TestTaskRoundTrip_DispatchesAndRecordsClient(t *testing.T) {
	ctl, wsURL := testController(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engineID := registerEngine(t, ctx, ctl, wsURL, "engine-b")

	engineEP := dialChannel(t, ctx, wsURL, "task", "engine-b")
	defer engineEP.close()
	clientEP := dialChannel(t, ctx, wsURL, "task", "client-1")
	defer clientEP.close()

	req := &envelope.Envelope{
		Header:  envelope.NewHeader("req-1", "apply_request", "sess", "client-1"),
		Content: json.RawMessage(`{"function":"echo"}`),
	}
	frames, err := ctl.codec.Encode(req)
	require.NoError(t, err)
	clientEP.send(t, ctx, frames)

	dispatched, err := ctl.codec.Decode(engineEP.read(t, ctx))
	require.NoError(t, err)
	assert.Equal(t, "apply_request", dispatched.Header.MsgType)
	assert.Equal(t, "req-1", dispatched.Header.MsgID)

	reply := &envelope.Envelope{
		Header:       envelope.NewHeader("reply-1", "apply_reply", "sess", "engine-b"),
		ParentHeader: &dispatched.Header,
		Content:      json.RawMessage(`{"status":"ok","result":"pong"}`),
	}
	replyFrames, err := ctl.codec.Encode(reply)
	require.NoError(t, err)
	engineEP.send(t, ctx, replyFrames)

	got, err := ctl.codec.Decode(clientEP.read(t, ctx))
	require.NoError(t, err)
	assert.Equal(t, "apply_reply", got.Header.MsgType)

	require.Eventually(t, func() bool {
		recs := ctl.hub.GetResult(ctx, []string{"req-1"})
		return len(recs) == 1 && recs[0].Status.Terminal()
	}, time.Second, 10*time.Millisecond)

	recs := ctl.hub.GetResult(ctx, []string{"req-1"})
	require.Len(t, recs, 1)
	assert.Equal(t, "client-1", recs[0].ClientID, "client identity must survive the dispatch round-trip, not be aliased to the engine's")
	assert.Equal(t, engineID, recs[0].EngineID)
	assert.Equal(t, storage.StatusCompleted, recs[0].Status)
}

func TestAbortRequest_MarksRequestAborted(t *testing.T) {
	ctl, wsURL := testController(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Seed a running request the way handleDispatchFrame would have, so
	// there is something for UpdateStatus to actually transition.
	require.NoError(t, ctl.backend.Upsert(ctx, &storage.RequestRecord{
		RequestID:   "req-pending",
		ClientID:    "client-2",
		SubmittedAt: time.Now(),
		Header:      json.RawMessage(`{}`),
		Status:      storage.StatusRunning,
		Channel:     "control",
	}))

	controlEP := dialChannel(t, ctx, wsURL, "control", "client-2")
	defer controlEP.close()

	abort := &envelope.Envelope{
		Header:  envelope.NewHeader("abort-1", "abort_request", "sess", "client-2"),
		Content: json.RawMessage(`{"request_id":"req-pending"}`),
	}
	frames, err := ctl.codec.Encode(abort)
	require.NoError(t, err)
	controlEP.send(t, ctx, frames)

	require.Eventually(t, func() bool {
		recs := ctl.hub.GetResult(ctx, []string{"req-pending"})
		return len(recs) == 1 && recs[0].Status == storage.StatusAborted
	}, time.Second, 10*time.Millisecond, "abort_request should mark the pre-seeded request aborted")
}

func TestAbortAPI_UnknownRequestIsNoop(t *testing.T) {
	ctl, _ := testController(t)
	ctx := context.Background()

	ctl.hub.Abort("never-submitted")

	require.Eventually(t, func() bool {
		return len(ctl.hub.GetResult(ctx, []string{"never-submitted"})) == 0
	}, time.Second, 10*time.Millisecond)
}
