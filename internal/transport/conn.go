// Package transport is the controller's one concrete realization of the
// "multi-endpoint reliable message socket" abstraction the design calls
// for. The wire protocol itself (routing identities, framing) is out of
// scope for this system — any transport that can move an ordered sequence
// of byte frames between two identified endpoints satisfies it — but a
// runnable controller needs one, so this package wires persistent
// websocket connections (github.com/coder/websocket) carrying
// envelope-shaped multipart frames.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// Conn is one endpoint's persistent connection, addressed by its routing
// identity (the opaque string engines and clients choose for themselves
// at registration). Writes are serialized by a mutex, mirroring the
// teacher's bidi-stream Send pattern: concurrent writers on the same
// underlying socket corrupt frames otherwise.
type Conn struct {
	Identity string
	Channel  string // "mux", "control", "task", "iopub", "registration", "notification", "heartbeat"

	ws     *websocket.Conn
	sendFn func(ctx context.Context, frames [][]byte) error // overridable for tests

	mu sync.Mutex
}

// NewConn wraps an established websocket connection.
func NewConn(identity, channel string, ws *websocket.Conn) *Conn {
	return &Conn{Identity: identity, Channel: channel, ws: ws}
}

// Send writes one multipart message (a sequence of frames, as produced by
// envelope.Codec.Encode) as a single websocket message holding a JSON
// array of the base64-encoded frames (see writeFrames).
func (c *Conn) Send(ctx context.Context, frames [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendFn != nil {
		return c.sendFn(ctx, frames)
	}
	if c.ws == nil {
		return fmt.Errorf("transport: connection %s has no socket", c.Identity)
	}
	return writeFrames(ctx, c.ws, frames)
}

// Close closes the underlying socket with a normal closure code.
func (c *Conn) Close() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close(websocket.StatusNormalClosure, "closing")
}
