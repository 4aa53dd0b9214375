package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/swarmctl/swarmctl/internal/envelope"
	"github.com/swarmctl/swarmctl/internal/storage"
)

// replyContent is the minimal shape the Hub inspects in a reply frame's
// content to decide terminal status; everything else in content is
// opaque and stored verbatim as ResultContent.
type replyContent struct {
	Status string `json:"status,omitempty"` // "ok" or "error"
}

// handleMonitorFrame is the tee destination for every frame the
// monitored queues and the scheduler forward: it is the only place
// request status transitions happen, per §4.1's "Hub only observes and
// records" invariant. iopub frames are tee'd here and dropped on arrival:
// they drive no ledger state, metrics or logging, per the resolved open
// question on iopub bookkeeping.
func (h *Hub) handleMonitorFrame(ctx context.Context, ev monitorFrameEvent) {
	if ev.env == nil {
		return
	}
	switch ev.channel {
	case "iopub":
		return
	case "control":
		h.handleControlFrame(ctx, ev)
	default: // mux, task
		if ev.direction == "in" {
			h.handleDispatchFrame(ctx, ev)
		} else {
			h.handleReplyFrame(ctx, ev)
		}
	}
}

// handleDispatchFrame records a new (or resubmitted) request the instant
// it is observed flowing client->engine, transitioning straight to
// running: this transport has no separate "engine acknowledged receipt"
// signal distinct from the dispatch frame itself, so assigned and
// running collapse into one observed transition.
func (h *Hub) handleDispatchFrame(ctx context.Context, ev monitorFrameEvent) {
	env := ev.env
	clientID := ""
	if len(env.RoutingIdentities) > 0 {
		clientID = env.RoutingIdentities[0]
	}
	engineID := h.engineIDForIdentity(destinationIdentity(env.RoutingIdentities))

	now := time.Now()
	rec := &storage.RequestRecord{
		RequestID:   env.Header.MsgID,
		ClientID:    clientID,
		EngineID:    engineID,
		SubmittedAt: now,
		StartedAt:   &now,
		Header:      headerJSON(env),
		Content:     env.Content,
		Status:      storage.StatusRunning,
		Channel:     ev.channel,
	}
	if err := h.backend.Upsert(ctx, rec); err != nil {
		h.log.Error("hub: upsert dispatched request", "request_id", rec.RequestID, "error", err)
		return
	}

	c := h.engineOrClient(clientID)
	c.History = append(c.History, rec.RequestID)
	c.Outstanding = append(c.Outstanding, rec.RequestID)

	if e, ok := h.engines[engineID]; ok {
		e.Queue = append(e.Queue, rec.RequestID)
		if ev.channel == "task" {
			e.Tasks = append(e.Tasks, rec.RequestID)
		}
	}
}

// handleReplyFrame records a request's terminal outcome, populating
// result fields from the reply envelope.
func (h *Hub) handleReplyFrame(ctx context.Context, ev monitorFrameEvent) {
	env := ev.env
	if env.ParentHeader == nil {
		h.log.Warn("hub: reply frame missing parent_header", "channel", ev.channel)
		return
	}
	requestID := env.ParentHeader.MsgID

	recs, err := h.backend.GetMany(ctx, []string{requestID})
	if err != nil || len(recs) == 0 {
		h.log.Warn("hub: reply for unknown request", "request_id", requestID)
		return
	}
	rec := recs[0]
	if rec.Status.Terminal() {
		return // at most one terminal transition
	}

	var rc replyContent
	_ = json.Unmarshal(env.Content, &rc) // best-effort; malformed content defaults to success

	now := time.Now()
	rec.CompletedAt = &now
	rec.ResultHeader = headerJSON(env)
	rec.ResultContent = env.Content
	rec.Buffers = env.Buffers
	if rc.Status == "error" {
		rec.Status = storage.StatusFailed
	} else {
		rec.Status = storage.StatusCompleted
	}

	if err := h.backend.Upsert(ctx, rec); err != nil {
		h.log.Error("hub: upsert completed request", "request_id", requestID, "error", err)
		return
	}

	if e, ok := h.engines[rec.EngineID]; ok {
		e.Queue = removeString(e.Queue, requestID)
		if rec.Status == storage.StatusCompleted {
			e.Completed = append(e.Completed, requestID)
		}
		e.Tasks = removeString(e.Tasks, requestID)
	}
	if c, ok := h.clients[rec.ClientID]; ok {
		c.Outstanding = removeString(c.Outstanding, requestID)
	}
}

// handleControlFrame additionally recognizes abort_request: the client
// asks the Hub to cancel an outstanding request, which both marks it
// aborted in the ledger and tells the scheduler to drop it if it hasn't
// dispatched yet (§5's cancellation model).
func (h *Hub) handleControlFrame(ctx context.Context, ev monitorFrameEvent) {
	env := ev.env
	if ev.direction != "in" || env.Header.MsgType != "abort_request" {
		if ev.direction == "in" {
			h.handleDispatchFrame(ctx, ev)
		} else {
			h.handleReplyFrame(ctx, ev)
		}
		return
	}

	var body struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(env.Content, &body); err != nil || body.RequestID == "" {
		h.log.Warn("hub: malformed abort_request", "error", err)
		return
	}

	if h.sched != nil {
		h.sched.Abort(body.RequestID)
	}
	if err := h.backend.UpdateStatus(ctx, body.RequestID, storage.StatusAborted); err != nil {
		h.log.Error("hub: mark aborted", "request_id", body.RequestID, "error", err)
	}
}

func (h *Hub) handleAbort(ctx context.Context, ev abortEvent) {
	if h.sched != nil {
		h.sched.Abort(ev.requestID)
	}
	if err := h.backend.UpdateStatus(ctx, ev.requestID, storage.StatusAborted); err != nil {
		h.log.Error("hub: mark aborted", "request_id", ev.requestID, "error", err)
	}
}

func headerJSON(env *envelope.Envelope) json.RawMessage {
	b, err := json.Marshal(env.Header)
	if err != nil {
		return nil
	}
	return b
}

func (h *Hub) engineIDForIdentity(identity string) string {
	return h.identityToEngine[identity]
}

// destinationIdentity returns the last routing identity on an envelope,
// which for a client->engine dispatch frame is the engine's own
// registered identity (the transport's addressing convention: the
// envelope accumulates identities as it's routed, and the final hop
// appends its own).
func destinationIdentity(routingIdentities []string) string {
	if len(routingIdentities) == 0 {
		return ""
	}
	return routingIdentities[len(routingIdentities)-1]
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
