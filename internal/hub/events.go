package hub

import (
	"context"

	"github.com/swarmctl/swarmctl/internal/envelope"
	"github.com/swarmctl/swarmctl/internal/storage"
)

// The event types below are the tagged variant the design notes call for:
// every inbound message becomes one of these before it ever touches Hub
// state, and dispatch is one switch in hub.go's dispatch method. New
// message kinds are added by extending this variant, never by adding new
// mutable fields to Hub itself.

type registerEvent struct {
	identity string // self-chosen queue identity from the registration_request
	reply    chan *envelope.Envelope
}

type unregisterEvent struct {
	engineID string
}

type connectionEvent struct {
	reply chan connectionReply
}

type connectionReply struct {
	EngineIDs []string `json:"engine_ids"`
}

type monitorFrameEvent struct {
	channel   string // "mux", "control", "task", "iopub"
	direction string // "in" (client->engine) or "out" (engine->client)
	env       *envelope.Envelope
}

type heartFailureEvent struct {
	identity string
}

type queueStatusEvent struct {
	targets []string
	verbose bool
	reply   chan map[string]queueStatusEntry
}

type queueStatusEntry struct {
	Queue     int      `json:"queue"`
	Completed int      `json:"completed"`
	Tasks     int      `json:"tasks"`
	QueueIDs  []string `json:"queue_ids,omitempty"`
	CompletedIDs []string `json:"completed_ids,omitempty"`
	TaskIDs   []string `json:"task_ids,omitempty"`
}

type purgeResultsEvent struct {
	requestIDs []string
	targets    []string
	reply      chan error
}

type resubmitEvent struct {
	requestIDs []string
	clientID   string
	reply      chan resubmitReply
}

type resubmitReply struct {
	newIDs map[string]string // old request_id -> new request_id
	err    error
}

type getResultEvent struct {
	requestIDs []string
	reply      chan []*storage.RequestRecord
}

type historyEvent struct {
	clientID string
	reply    chan []string
}

type dbQueryEvent struct {
	requestIDs []string
	status     string
	engineID   string
	clientID   string
	reply      chan []*storage.RequestRecord
}

type abortEvent struct {
	requestID string
}

type engineIdentityEvent struct {
	engineID string
	reply    chan string
}

type identityEngineEvent struct {
	identity string
	reply    chan string
}

type resolveTargetsEvent struct {
	targets []string
	reply   chan resolveTargetsReply
}

type resolveTargetsReply struct {
	engineIDs []string
	unknown   []string
}

// Hub event constructors — the only way any other goroutine touches
// Hub state. Each wraps the payload and posts it to the loop.

func (h *Hub) Register(ctx context.Context, identity string) *envelope.Envelope {
	reply := make(chan *envelope.Envelope, 1)
	h.send(registerEvent{identity: identity, reply: reply})
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return nil
	}
}

func (h *Hub) Unregister(engineID string) { h.send(unregisterEvent{engineID: engineID}) }

func (h *Hub) Connection(ctx context.Context) connectionReply {
	reply := make(chan connectionReply, 1)
	h.send(connectionEvent{reply: reply})
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return connectionReply{}
	}
}

func (h *Hub) MonitorFrame(channel, direction string, env *envelope.Envelope) {
	h.send(monitorFrameEvent{channel: channel, direction: direction, env: env})
}

func (h *Hub) HeartFailure(identity string) { h.send(heartFailureEvent{identity: identity}) }

func (h *Hub) Abort(requestID string) { h.send(abortEvent{requestID: requestID}) }

func (h *Hub) QueueStatus(ctx context.Context, targets []string, verbose bool) map[string]queueStatusEntry {
	reply := make(chan map[string]queueStatusEntry, 1)
	h.send(queueStatusEvent{targets: targets, verbose: verbose, reply: reply})
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return nil
	}
}

func (h *Hub) PurgeResults(ctx context.Context, requestIDs, targets []string) error {
	reply := make(chan error, 1)
	h.send(purgeResultsEvent{requestIDs: requestIDs, targets: targets, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) ResubmitRequest(ctx context.Context, requestIDs []string, clientID string) (map[string]string, error) {
	reply := make(chan resubmitReply, 1)
	h.send(resubmitEvent{requestIDs: requestIDs, clientID: clientID, reply: reply})
	select {
	case r := <-reply:
		return r.newIDs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) GetResult(ctx context.Context, requestIDs []string) []*storage.RequestRecord {
	reply := make(chan []*storage.RequestRecord, 1)
	h.send(getResultEvent{requestIDs: requestIDs, reply: reply})
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return nil
	}
}

func (h *Hub) History(ctx context.Context, clientID string) []string {
	reply := make(chan []string, 1)
	h.send(historyEvent{clientID: clientID, reply: reply})
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return nil
	}
}

func (h *Hub) DBQuery(ctx context.Context, requestIDs []string, status, engineID, clientID string) []*storage.RequestRecord {
	reply := make(chan []*storage.RequestRecord, 1)
	h.send(dbQueryEvent{requestIDs: requestIDs, status: status, engineID: engineID, clientID: clientID, reply: reply})
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return nil
	}
}

// EngineIdentity returns the routing identity registered for engineID, or
// "" if it is not (or no longer) known. Used by the controller's task
// dispatcher to turn the scheduler's engine_id back into a wire address.
func (h *Hub) EngineIdentity(ctx context.Context, engineID string) string {
	reply := make(chan string, 1)
	h.send(engineIdentityEvent{engineID: engineID, reply: reply})
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return ""
	}
}

// EngineIDForIdentity returns the engine_id currently registered for
// identity, or "" if none. Used by the controller's heart monitor onDead
// callback to translate a dead routing identity into the engine_id the
// scheduler tracks, before the Hub's own HeartFailure cascade removes it.
func (h *Hub) EngineIDForIdentity(ctx context.Context, identity string) string {
	reply := make(chan string, 1)
	h.send(identityEngineEvent{identity: identity, reply: reply})
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return ""
	}
}

// ResolveTargets normalizes a submission's targets list — each entry may
// be either an engine_id or a routing identity, per the resolved open
// question on targets addressing — to engine_ids. Anything that matches
// neither is reported back as unknown so the caller can fail the
// submission with UnknownEngine instead of silently dropping it.
func (h *Hub) ResolveTargets(ctx context.Context, targets []string) (engineIDs, unknown []string) {
	if len(targets) == 0 {
		return nil, nil
	}
	reply := make(chan resolveTargetsReply, 1)
	h.send(resolveTargetsEvent{targets: targets, reply: reply})
	select {
	case r := <-reply:
		return r.engineIDs, r.unknown
	case <-ctx.Done():
		return nil, targets
	}
}
