package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmctl/swarmctl/internal/envelope"
)

type fakeConn struct {
	mu     sync.Mutex
	in     chan [][]byte
	out    [][][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan [][]byte, 16)}
}

func (f *fakeConn) Send(ctx context.Context, frames [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, frames)
	return nil
}

func (f *fakeConn) ReadFrames(ctx context.Context) ([][]byte, error) {
	select {
	case frames, ok := <-f.in:
		if !ok {
			return nil, errors.New("fakeConn: closed")
		}
		return frames, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) sentFrames() [][][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][][]byte(nil), f.out...)
}

func testCodec(t *testing.T) *envelope.Codec {
	t.Helper()
	codec, err := envelope.NewCodec([]byte("test-key"))
	require.NoError(t, err)
	return codec
}

func newTestClient(t *testing.T, executor *Executor) *Client {
	t.Helper()
	codec := testCodec(t)
	n := 0
	newID := func() string { n++; return "id-" + string(rune('a'+n)) }
	return New("http://ignored", "engine-identity", codec, executor, newID, nil)
}

func TestRegister_Success(t *testing.T) {
	codec := testCodec(t)
	conn := newFakeConn()

	reply := &envelope.Envelope{
		Header:  envelope.NewHeader("reply-1", "registration_reply", "", "hub"),
		Content: json.RawMessage(`{"engine_id":"engine-7","engine_ids":["engine-7"]}`),
	}
	frames, err := codec.Encode(reply)
	require.NoError(t, err)
	conn.in <- frames

	result, err := register(context.Background(), conn, codec, "identity-1", func() string { return "req-1" })
	require.NoError(t, err)
	assert.Equal(t, "engine-7", result.EngineID)
	assert.Equal(t, []string{"engine-7"}, result.EngineIDs)

	sent := conn.sentFrames()
	require.Len(t, sent, 1)
	decoded, err := codec.Decode(sent[0])
	require.NoError(t, err)
	assert.Equal(t, "registration_request", decoded.Header.MsgType)
}

func TestRegister_ErrorReply(t *testing.T) {
	codec := testCodec(t)
	conn := newFakeConn()

	reply := &envelope.Envelope{
		Header:  envelope.NewHeader("reply-1", "registration_reply", "", "hub"),
		Content: json.RawMessage(`{"kind":"AlreadyRegistered","message":"identity taken"}`),
	}
	frames, err := codec.Encode(reply)
	require.NoError(t, err)
	conn.in <- frames

	_, err = register(context.Background(), conn, codec, "identity-1", func() string { return "req-1" })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AlreadyRegistered")
}

func TestClient_DispatchLoopAnswersApply(t *testing.T) {
	executor := NewExecutor()
	executor.Register("add", func(ctx context.Context, args []json.RawMessage, kwargs map[string]json.RawMessage) (any, error) {
		var a, b int
		require.NoError(t, json.Unmarshal(args[0], &a))
		require.NoError(t, json.Unmarshal(args[1], &b))
		return a + b, nil
	})
	client := newTestClient(t, executor)
	conn := newFakeConn()

	req := &envelope.Envelope{
		Header:  envelope.NewHeader("req-1", "apply_request", "sess", "client"),
		Content: mustMarshal(t, ApplyRequest{Function: "add", Args: []json.RawMessage{json.RawMessage("2"), json.RawMessage("3")}}),
	}
	frames, err := client.codec.Encode(req)
	require.NoError(t, err)
	conn.in <- frames

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = client.dispatchLoop(ctx, "mux", conn) }()

	require.Eventually(t, func() bool {
		return len(conn.sentFrames()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	sent := conn.sentFrames()
	decoded, err := client.codec.Decode(sent[0])
	require.NoError(t, err)
	assert.Equal(t, "apply_reply", decoded.Header.MsgType)
	require.NotNil(t, decoded.ParentHeader)
	assert.Equal(t, "req-1", decoded.ParentHeader.MsgID)

	var reply ApplyReply
	require.NoError(t, json.Unmarshal(decoded.Content, &reply))
	assert.Equal(t, "ok", reply.Status)
	var sum int
	require.NoError(t, json.Unmarshal(reply.Result, &sum))
	assert.Equal(t, 5, sum)
}

func TestClient_DispatchLoopHandlesShutdown(t *testing.T) {
	client := newTestClient(t, NewExecutor())
	conn := newFakeConn()

	shutdown := &envelope.Envelope{
		Header:  envelope.NewHeader("req-shutdown", "shutdown_request", "sess", "hub"),
		Content: json.RawMessage(`{}`),
	}
	frames, err := client.codec.Encode(shutdown)
	require.NoError(t, err)
	conn.in <- frames

	called := make(chan struct{}, 1)
	client.OnShutdown = func() { called <- struct{}{} }

	err = client.dispatchLoop(context.Background(), "control", conn)
	assert.ErrorIs(t, err, errShutdownRequested)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("OnShutdown was not invoked")
	}
}

func TestClient_HeartbeatLoopEchoes(t *testing.T) {
	client := newTestClient(t, NewExecutor())
	conn := newFakeConn()

	beacon := &envelope.Envelope{
		Header:  envelope.NewHeader("beacon-1", "heartbeat", "sess", "hub"),
		Content: json.RawMessage(`{"beacon_id":"42"}`),
	}
	frames, err := client.codec.Encode(beacon)
	require.NoError(t, err)
	conn.in <- frames

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.heartbeatLoop(ctx, conn) }()

	require.Eventually(t, func() bool {
		return len(conn.sentFrames()) == 1
	}, time.Second, 5*time.Millisecond)

	sent := conn.sentFrames()
	decoded, err := client.codec.Decode(sent[0])
	require.NoError(t, err)
	assert.Equal(t, "heartbeat", decoded.Header.MsgType)
	assert.JSONEq(t, `{"beacon_id":"42"}`, string(decoded.Content))
}

func TestConnectWithReconnect_StopsOnShutdown(t *testing.T) {
	client := newTestClient(t, NewExecutor())
	calls := 0
	connect := func(ctx context.Context) error {
		calls++
		return errShutdownRequested
	}
	client.connectWithReconnect(context.Background(), connect, newDefaultBackoff(), resetThreshold)
	assert.Equal(t, 1, calls)
}

func TestConnectWithReconnect_StopsOnContextCancel(t *testing.T) {
	client := newTestClient(t, NewExecutor())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	connect := func(ctx context.Context) error {
		calls++
		return errors.New("dial failed")
	}
	client.connectWithReconnect(ctx, connect, newDefaultBackoff(), resetThreshold)
	assert.Equal(t, 1, calls)
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
