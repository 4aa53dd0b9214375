package hub

import (
	"context"
	"fmt"

	"github.com/swarmctl/swarmctl/internal/envelope"
)

// MonitoredQueue is a pure forwarder for the MUX, CONTROL, and IOPUB
// channels (§4.4): it has no message-level knowledge and no state beyond
// its codec and sender. Every frame it moves is also tee'd to the Hub
// for bookkeeping, whether or not the forward itself succeeds.
type MonitoredQueue struct {
	channel string
	codec   *envelope.Codec
	sender  Sender
	hub     *Hub
}

// NewMonitoredQueue builds a forwarder for one channel ("mux", "control",
// or "iopub"). sender delivers the decoded frames to their destination;
// hub receives the tee'd copy.
func NewMonitoredQueue(channel string, codec *envelope.Codec, sender Sender, hub *Hub) *MonitoredQueue {
	return &MonitoredQueue{channel: channel, codec: codec, sender: sender, hub: hub}
}

// ForwardIn moves one client->engine frame: decode, deliver to the named
// destination engine, tee to the Hub as direction "in" regardless of
// delivery outcome. srcClientIdentity is the submitting client's own
// identity, known only to the caller (the server handler, from the
// connection the frame arrived on) — it's recorded ahead of the engine's
// so handleDispatchFrame can recover both ends from RoutingIdentities the
// same way schedDispatcher.Dispatch does for the task channel.
func (q *MonitoredQueue) ForwardIn(ctx context.Context, srcClientIdentity, destEngineIdentity string, frames [][]byte) error {
	env, err := q.codec.Decode(frames)
	if err != nil {
		return fmt.Errorf("hub: monitored_queue %s decode: %w", q.channel, err)
	}
	env.RoutingIdentities = append(env.RoutingIdentities, srcClientIdentity, destEngineIdentity)

	sendErr := q.sender.SendTo(ctx, q.channel, destEngineIdentity, frames)
	if q.hub != nil {
		q.hub.MonitorFrame(q.channel, "in", env)
	}
	return sendErr
}

// ForwardOut moves one engine->client reply frame, symmetric to
// ForwardIn. destClientIdentity is the client the reply is addressed to,
// which the caller (the server handler) looks up from the original
// request's ledger record (its ClientID), since the engine's reply
// carries no client routing identity.
func (q *MonitoredQueue) ForwardOut(ctx context.Context, destClientIdentity string, frames [][]byte) error {
	env, err := q.codec.Decode(frames)
	if err != nil {
		return fmt.Errorf("hub: monitored_queue %s decode: %w", q.channel, err)
	}

	sendErr := q.sender.SendTo(ctx, q.channel, destClientIdentity, frames)
	if q.hub != nil {
		q.hub.MonitorFrame(q.channel, "out", env)
	}
	return sendErr
}

// TeeIOPub publishes one iopub broadcast frame to every subscriber and
// tees a copy to the Hub purely for observability; nothing in the ledger
// depends on it (see the resolved open question on iopub bookkeeping).
func (q *MonitoredQueue) TeeIOPub(ctx context.Context, frames [][]byte) {
	env, err := q.codec.Decode(frames)
	if err != nil {
		return
	}
	for _, identity := range q.sender.Identities("iopub") {
		_ = q.sender.SendTo(ctx, "iopub", identity, frames)
	}
	if q.hub != nil {
		q.hub.MonitorFrame("iopub", "out", env)
	}
}
