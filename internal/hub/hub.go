// Package hub implements the controller's authoritative registry and
// request ledger: the single event loop that owns the engine roster,
// client table, and every request's lifecycle. It never forwards
// payloads itself — the monitored queues (monitored_queue.go) do that and
// tee a copy of every frame here for bookkeeping.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/swarmctl/swarmctl/internal/ctlerr"
	"github.com/swarmctl/swarmctl/internal/envelope"
	"github.com/swarmctl/swarmctl/internal/scheduler"
	"github.com/swarmctl/swarmctl/internal/storage"
)

// Dispatcher is the task scheduler's inbound face, as seen by the Hub:
// load-balanced submissions are handed off and never dispatched directly
// by the Hub itself.
type Dispatcher interface {
	Submit(t *scheduler.Task)
	Abort(requestID string)
}

// HeartbeatJoiner is the heart monitor's inbound face: engines join on
// registration and leave on graceful unregistration or death.
type HeartbeatJoiner interface {
	Join(identity string)
	Leave(identity string)
}

// Sender delivers an encoded envelope to one identity on the named
// channel, and can enumerate who is currently listening on a channel for
// broadcast (notification). It is satisfied by internal/transport.Registry
// plus a little glue in internal/controller (registrySender), injected here so this package
// never imports transport directly — the Hub only knows routing
// identities and channel names, never sockets.
type Sender interface {
	SendTo(ctx context.Context, channel, identity string, frames [][]byte) error
	Identities(channel string) []string
}

// Hub is the controller's registry/ledger worker. All of its state below
// is touched only from the goroutine running Run; every other goroutine
// (HTTP handlers, websocket readers, the heart monitor) only ever
// constructs an event and sends it on one of the public methods.
type Hub struct {
	log        *slog.Logger
	backend    storage.Backend
	sched      Dispatcher
	heartbeats HeartbeatJoiner
	codec      *envelope.Codec
	sender     Sender
	newID      func() string
	depTimeout time.Duration

	events chan any

	nextEngineNum    int
	engines          map[string]*storage.EngineRecord // engine_id -> record
	identityToEngine map[string]string                // routing_identity -> engine_id
	clients          map[string]*storage.ClientRecord // routing_identity -> record
}

// New builds a Hub. sender and heartbeats may be supplied later via
// SetSender/SetHeartbeats if constructed before the transport layer is
// ready; both must be non-nil before Run is called.
func New(backend storage.Backend, sched Dispatcher, codec *envelope.Codec, newID func() string, depTimeout time.Duration, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:              log,
		backend:          backend,
		sched:            sched,
		codec:            codec,
		newID:            newID,
		depTimeout:       depTimeout,
		events:           make(chan any, 1024),
		engines:          make(map[string]*storage.EngineRecord),
		identityToEngine: make(map[string]string),
		clients:          make(map[string]*storage.ClientRecord),
	}
}

// SetSender wires the transport-facing sender, used for notification
// broadcasts and resubmit/purge replies that go out on a channel other
// than the one the request arrived on.
func (h *Hub) SetSender(s Sender) { h.sender = s }

// SetHeartbeats wires the heart monitor join/leave hooks.
func (h *Hub) SetHeartbeats(hb HeartbeatJoiner) { h.heartbeats = hb }

// SetDispatcher wires the scheduler's Abort hook, for callers that must
// construct the Hub before the scheduler exists (the scheduler's own
// Dispatcher/Sink adapters need a *Hub reference, so the controller
// factory builds the Hub first with a nil dispatcher and wires this in
// once the scheduler is constructed).
func (h *Hub) SetDispatcher(d Dispatcher) { h.sched = d }

// Run drives the Hub's event loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-h.events:
			h.dispatch(ctx, e)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, e any) {
	switch ev := e.(type) {
	case registerEvent:
		h.handleRegister(ctx, ev)
	case unregisterEvent:
		h.handleUnregister(ctx, ev)
	case connectionEvent:
		h.handleConnection(ctx, ev)
	case monitorFrameEvent:
		h.handleMonitorFrame(ctx, ev)
	case heartFailureEvent:
		h.handleHeartFailure(ctx, ev)
	case queueStatusEvent:
		h.handleQueueStatus(ctx, ev)
	case purgeResultsEvent:
		h.handlePurgeResults(ctx, ev)
	case resubmitEvent:
		h.handleResubmit(ctx, ev)
	case getResultEvent:
		h.handleGetResult(ctx, ev)
	case historyEvent:
		h.handleHistory(ctx, ev)
	case dbQueryEvent:
		h.handleDBQuery(ctx, ev)
	case abortEvent:
		h.handleAbort(ctx, ev)
	case engineIdentityEvent:
		h.handleEngineIdentity(ev)
	case identityEngineEvent:
		h.handleIdentityEngine(ev)
	case resolveTargetsEvent:
		h.handleResolveTargets(ev)
	default:
		h.log.Warn("hub: unknown event type", "type", fmt.Sprintf("%T", e))
	}
}

// send posts e onto the event channel, dropping and logging on overflow
// rather than blocking the caller (a websocket reader or HTTP handler)
// indefinitely.
func (h *Hub) send(e any) {
	select {
	case h.events <- e:
	default:
		h.log.Error("hub: event queue full, dropping event", "type", fmt.Sprintf("%T", e))
	}
}

func (h *Hub) engineOrClient(identity string) *storage.ClientRecord {
	c, ok := h.clients[identity]
	if !ok {
		c = &storage.ClientRecord{RoutingIdentity: identity}
		h.clients[identity] = c
	}
	return c
}

// Fail synthesizes a failure reply addressed to clientIdentity on channel,
// with parent_header set to the original submission — used by the
// controller's channel handlers when a task submission's targets or a
// mux/control frame's target name something ResolveTargets couldn't find,
// or another request-shaped
// failure the Hub itself never observed flowing through MonitorFrame. It
// only touches the Hub's immutable codec/sender, so like SchedulerFailure
// it is safe to call directly without going through the event queue.
func (h *Hub) Fail(ctx context.Context, channel, clientIdentity string, parent envelope.Header, kind ctlerr.Kind, format string, args ...any) {
	h.deliverError(ctx, channel, clientIdentity, parent, ctlerr.New(kind, format, args...))
}

func (h *Hub) deliverError(ctx context.Context, channel, clientIdentity string, parent envelope.Header, cerr *ctlerr.Error) {
	content, err := cerrContent(cerr)
	if err != nil {
		h.log.Error("hub: marshal synthesized failure", "error", err)
		return
	}
	reply := &envelope.Envelope{
		RoutingIdentities: []string{clientIdentity},
		Header:            envelope.NewHeader(h.newID(), parent.MsgType+"_reply", parent.Session, "hub"),
		ParentHeader:      &parent,
		Content:           content,
	}
	h.deliver(ctx, channel, clientIdentity, reply)
}

// SchedulerFailure delivers a scheduler-synthesized failure (a task that
// never reached an engine, or whose engine died mid-flight with no
// alternative able to take over) to the submitting client on the task
// channel. It only touches the Hub's immutable codec/sender, so unlike
// every other exported method it is safe to call directly from the
// scheduler's own goroutine rather than going through the event queue.
func (h *Hub) SchedulerFailure(ctx context.Context, clientIdentity string, parent envelope.Header, failure *ctlerr.Error) {
	h.deliverError(ctx, "task", clientIdentity, parent, failure)
}

func (h *Hub) deliver(ctx context.Context, channel, identity string, env *envelope.Envelope) {
	if h.sender == nil {
		h.log.Warn("hub: no sender wired, dropping reply", "channel", channel, "identity", identity)
		return
	}
	frames, err := h.codec.Encode(env)
	if err != nil {
		h.log.Error("hub: encode reply", "error", err)
		return
	}
	if err := h.sender.SendTo(ctx, channel, identity, frames); err != nil {
		h.log.Warn("hub: send reply failed", "channel", channel, "identity", identity, "error", err)
	}
}
