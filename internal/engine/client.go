// Package engine implements the engine side of the controller protocol:
// the small worker process that registers with the hub, answers its
// heartbeat beacon, and executes apply_request messages dispatched to it
// over the mux and task channels. It is deliberately not a real
// code-execution kernel (spec.md's explicit non-goal); Executor's
// named-function registry is enough to exercise the hub and scheduler
// end to end.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/swarmctl/swarmctl/internal/envelope"
	"github.com/swarmctl/swarmctl/internal/transport"
)

// errShutdownRequested is returned up from the control channel's read
// loop when the controller sends a shutdown_request. connectWithReconnect
// does not retry after it, mirroring the teacher's short-circuit on an
// authentication rejection.
var errShutdownRequested = errors.New("engine: shutdown requested by controller")

// wsConn is the minimal send/receive/close surface Client needs from one
// channel's connection, kept as an interface so tests can supply canned
// frames without dialing a real websocket.
type wsConn interface {
	Send(ctx context.Context, frames [][]byte) error
	ReadFrames(ctx context.Context) ([][]byte, error)
	Close() error
}

// wsChannel adapts a coder/websocket connection to wsConn, reusing
// transport.Conn's mutex-guarded Send so writes from the executor's
// reply path and the heartbeat echo never interleave on the wire.
type wsChannel struct {
	*transport.Conn
	ws *websocket.Conn
}

func (c *wsChannel) ReadFrames(ctx context.Context) ([][]byte, error) {
	return transport.ReadFrames(ctx, c.ws)
}

// dialFunc opens one logical channel's connection to the controller.
// Exposed for injection in tests; the default implementation dials a
// websocket upgrade at <controllerURL>/ws/<channel>?identity=<identity>.
type dialFunc func(ctx context.Context, channel string) (wsConn, error)

// dispatchChannels carry apply_request/apply_reply traffic; each gets its
// own read loop answering with Executor.
var dispatchChannels = []string{"mux", "task", "control"}

// Client is one engine's connection to the controller: it owns one
// wsConn per channel and the executor that answers apply_request
// messages.
type Client struct {
	identity string
	codec    *envelope.Codec
	executor *Executor
	newID    func() string
	log      *slog.Logger
	dial     dialFunc

	// OnShutdown, if set, is invoked once when the controller sends a
	// shutdown_request on the control channel. Client itself never exits
	// the process; it only stops trying to reconnect.
	OnShutdown func()

	mu       sync.Mutex
	engineID string
	conns    map[string]wsConn
}

// New builds a Client that will dial controllerURL's websocket upgrade
// paths under identity.
func New(controllerURL, identity string, codec *envelope.Codec, executor *Executor, newID func() string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		identity: identity,
		codec:    codec,
		executor: executor,
		newID:    newID,
		log:      log,
		conns:    make(map[string]wsConn),
	}
	c.dial = func(ctx context.Context, channel string) (wsConn, error) {
		return dialWebsocket(ctx, controllerURL, channel, identity)
	}
	return c
}

func dialWebsocket(ctx context.Context, controllerURL, channel, identity string) (wsConn, error) {
	base := strings.TrimSuffix(controllerURL, "/")
	target := fmt.Sprintf("%s/ws/%s?identity=%s", base, channel, url.QueryEscape(identity))
	ws, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: dial %s: %w", channel, err)
	}
	return &wsChannel{Conn: transport.NewConn(identity, channel, ws), ws: ws}, nil
}

// EngineID returns the id assigned at registration, or "" before Connect
// has completed a handshake at least once.
func (c *Client) EngineID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engineID
}

// Connect performs one full connection lifecycle: register, open every
// channel, and run their read loops until ctx is cancelled or one of them
// fails. It returns nil only when ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	regConn, err := c.dial(ctx, "registration")
	if err != nil {
		return err
	}
	result, err := register(ctx, regConn, c.codec, c.identity, c.newID)
	_ = regConn.Close()
	if err != nil {
		return fmt.Errorf("engine: registration: %w", err)
	}

	c.mu.Lock()
	c.engineID = result.EngineID
	c.mu.Unlock()
	c.log.Info("engine: registered", "engine_id", result.EngineID, "roster_size", len(result.EngineIDs))

	heartbeatConn, err := c.dial(ctx, "heartbeat")
	if err != nil {
		return err
	}
	conns := map[string]wsConn{"heartbeat": heartbeatConn}
	for _, ch := range dispatchChannels {
		conn, err := c.dial(ctx, ch)
		if err != nil {
			for _, open := range conns {
				_ = open.Close()
			}
			return err
		}
		conns[ch] = conn
	}
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()
	c.mu.Lock()
	c.conns = conns
	c.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var loops []func() error
	loops = append(loops, func() error { return c.heartbeatLoop(loopCtx, heartbeatConn) })
	for _, ch := range dispatchChannels {
		ch, conn := ch, conns[ch]
		loops = append(loops, func() error { return c.dispatchLoop(loopCtx, ch, conn) })
	}

	errCh := make(chan error, len(loops))
	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func(loop func() error) {
			defer wg.Done()
			errCh <- loop()
		}(loop)
	}

	var loopErr error
	select {
	case loopErr = <-errCh:
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return loopErr
}

// heartbeatLoop answers every beacon frame immediately by echoing its
// content back unchanged, satisfying internal/heartmonitor's
// one-missed-beacon-is-dead contract: there is no idle timer here, unlike
// the teacher's client-initiated heartbeat, because this protocol has the
// controller drive the beacon and the engine only ever echoes.
func (c *Client) heartbeatLoop(ctx context.Context, conn wsConn) error {
	for {
		frames, err := conn.ReadFrames(ctx)
		if err != nil {
			return fmt.Errorf("engine: heartbeat read: %w", err)
		}
		env, err := c.codec.Decode(frames)
		if err != nil {
			c.log.Warn("engine: malformed heartbeat frame", "error", err)
			continue
		}
		echo := &envelope.Envelope{
			Header:  envelope.NewHeader(c.newID(), "heartbeat", env.Header.Session, c.identity),
			Content: env.Content,
		}
		echoFrames, err := c.codec.Encode(echo)
		if err != nil {
			c.log.Warn("engine: encode heartbeat echo", "error", err)
			continue
		}
		if err := conn.Send(ctx, echoFrames); err != nil {
			return fmt.Errorf("engine: heartbeat echo: %w", err)
		}
	}
}

// dispatchLoop answers apply_request messages on one channel (mux, task,
// or control) and, on the control channel only, recognizes
// shutdown_request.
func (c *Client) dispatchLoop(ctx context.Context, channel string, conn wsConn) error {
	for {
		frames, err := conn.ReadFrames(ctx)
		if err != nil {
			return fmt.Errorf("engine: %s read: %w", channel, err)
		}
		env, err := c.codec.Decode(frames)
		if err != nil {
			c.log.Warn("engine: malformed frame", "channel", channel, "error", err)
			continue
		}

		switch env.Header.MsgType {
		case "apply_request":
			c.handleApply(ctx, channel, conn, env)
		case "shutdown_request":
			if c.OnShutdown != nil {
				c.OnShutdown()
			}
			return errShutdownRequested
		default:
			c.log.Warn("engine: unhandled message type", "channel", channel, "msg_type", env.Header.MsgType)
		}
	}
}

func (c *Client) handleApply(ctx context.Context, channel string, conn wsConn, env *envelope.Envelope) {
	var req ApplyRequest
	if err := json.Unmarshal(env.Content, &req); err != nil {
		c.log.Warn("engine: malformed apply_request", "error", err)
		return
	}

	reply := c.executor.Call(ctx, req)
	content, err := json.Marshal(reply)
	if err != nil {
		c.log.Error("engine: marshal apply_reply", "error", err)
		return
	}

	parent := env.Header
	replyEnv := &envelope.Envelope{
		Header:       envelope.NewHeader(c.newID(), "apply_reply", env.Header.Session, c.identity),
		ParentHeader: &parent,
		Content:      content,
	}
	replyFrames, err := c.codec.Encode(replyEnv)
	if err != nil {
		c.log.Error("engine: encode apply_reply", "error", err)
		return
	}
	if err := conn.Send(ctx, replyFrames); err != nil {
		c.log.Warn("engine: send apply_reply failed", "channel", channel, "error", err)
	}
}

// connectFn is a function that establishes a connection to the
// controller, matching Client.Connect's signature; used for dependency
// injection in tests.
type connectFn func(ctx context.Context) error

// ConnectWithReconnect wraps Connect with automatic reconnection using
// exponential backoff: 1s doubling to 60s, reset after a connection lasts
// longer than resetThreshold.
func (c *Client) ConnectWithReconnect(ctx context.Context) {
	c.connectWithReconnect(ctx, c.Connect, newDefaultBackoff(), resetThreshold)
}

func (c *Client) connectWithReconnect(ctx context.Context, connect connectFn, bo backoff.BackOff, threshold time.Duration) {
	for {
		start := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errShutdownRequested) {
			return
		}

		if time.Since(start) >= threshold {
			bo.Reset()
		}

		interval := bo.NextBackOff()
		c.log.Warn("engine: disconnected from controller, reconnecting", "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
