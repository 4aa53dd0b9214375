package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/swarmctl/swarmctl/internal/ctlerr"
	"github.com/swarmctl/swarmctl/internal/envelope"
	"github.com/swarmctl/swarmctl/internal/storage"
)

// registrationReply is the content of a successful registration_reply:
// the assigned engine_id plus the full routing table, per §4.1.
type registrationReply struct {
	EngineID  string   `json:"engine_id"`
	EngineIDs []string `json:"engine_ids"`
}

func (h *Hub) handleRegister(ctx context.Context, ev registerEvent) {
	if _, exists := h.identityToEngine[ev.identity]; exists {
		h.replyError(ev.reply, ctlerr.KindAlreadyRegistered,
			"identity %q is already registered", ev.identity)
		return
	}

	h.nextEngineNum++
	engineID := fmt.Sprintf("engine-%d", h.nextEngineNum)

	rec := &storage.EngineRecord{
		EngineID:         engineID,
		RoutingIdentity:  ev.identity,
		RegistrationTime: time.Now(),
		LastHeartbeat:    time.Now(),
	}
	h.engines[engineID] = rec
	h.identityToEngine[ev.identity] = engineID

	if h.heartbeats != nil {
		h.heartbeats.Join(ev.identity)
	}
	h.broadcastRegistration(ctx, engineID, ev.identity)

	content, err := json.Marshal(registrationReply{EngineID: engineID, EngineIDs: h.engineIDs()})
	if err != nil {
		h.log.Error("hub: marshal registration reply", "error", err)
		ev.reply <- nil
		return
	}
	ev.reply <- &envelope.Envelope{
		RoutingIdentities: []string{ev.identity},
		Header:            envelope.NewHeader(h.newID(), "registration_reply", "", "hub"),
		Content:           content,
	}

	h.log.Info("hub: engine registered", "engine_id", engineID, "identity", ev.identity)
}

func (h *Hub) replyError(reply chan *envelope.Envelope, kind ctlerr.Kind, format string, args ...any) {
	cerr := ctlerr.New(kind, format, args...)
	content, err := cerrContent(cerr)
	if err != nil {
		reply <- nil
		return
	}
	reply <- &envelope.Envelope{
		Header:  envelope.NewHeader(h.newID(), "registration_reply", "", "hub"),
		Content: content,
	}
}

func (h *Hub) engineIDs() []string {
	out := make([]string, 0, len(h.engines))
	for id := range h.engines {
		out = append(out, id)
	}
	return out
}

func (h *Hub) handleUnregister(ctx context.Context, ev unregisterEvent) {
	rec, ok := h.engines[ev.engineID]
	if !ok {
		return
	}
	h.removeEngine(ctx, ev.engineID, rec, false)
}

// handleHeartFailure is the heart monitor's onDead callback path: it
// converts routing identity to engine_id and drives the alive->dead
// transition, exactly as §4.1's state machine requires.
func (h *Hub) handleHeartFailure(ctx context.Context, ev heartFailureEvent) {
	engineID, ok := h.identityToEngine[ev.identity]
	if !ok {
		return
	}
	rec, ok := h.engines[engineID]
	if !ok {
		return
	}
	h.log.Warn("hub: engine missed heartbeat, declaring dead", "engine_id", engineID, "identity", ev.identity)
	h.removeEngine(ctx, engineID, rec, true)
}

// removeEngine runs §4.1's dead-engine cascade in this order: remove the
// engine's routing entries and heartbeat membership, publish
// unregistration, then mark the engine's non-terminal direct requests
// failed in the ledger, logging the engine_died or engine_unregistered
// cause. No failure reply is sent to their clients, and task-channel
// requests are left to the scheduler.
func (h *Hub) removeEngine(ctx context.Context, engineID string, rec *storage.EngineRecord, died bool) {
	delete(h.engines, engineID)
	delete(h.identityToEngine, rec.RoutingIdentity)
	if h.heartbeats != nil {
		h.heartbeats.Leave(rec.RoutingIdentity)
	}

	h.broadcastUnregistration(ctx, engineID, rec.RoutingIdentity)

	cause := "engine_unregistered"
	if died {
		cause = "engine_died"
	}

	outstanding, err := h.backend.Find(ctx, storage.Selector{EngineID: engineID})
	if err != nil {
		h.log.Error("hub: find outstanding requests for dead engine", "engine_id", engineID, "error", err)
		return
	}
	for _, req := range outstanding {
		if req.Status.Terminal() {
			continue
		}
		if req.Channel == "task" {
			// The scheduler owns resubmission/EngineGone decisions for
			// load-balanced work; it already knows about engine
			// departure via the controller's fan-out of heart failures,
			// so nothing further is needed here beyond the ledger itself
			// eventually being updated through the normal completion
			// path once the scheduler acts.
			continue
		}
		if err := h.backend.UpdateStatus(ctx, req.RequestID, storage.StatusFailed); err != nil {
			h.log.Error("hub: mark direct request failed on engine death", "request_id", req.RequestID, "error", err)
			continue
		}
		h.log.Info("hub: direct request failed", "request_id", req.RequestID, "engine_id", engineID, "cause", cause)
	}

	h.log.Info("hub: engine removed", "engine_id", engineID, "died", died)
}

func (h *Hub) handleConnection(ctx context.Context, ev connectionEvent) {
	ev.reply <- connectionReply{EngineIDs: h.engineIDs()}
}

func (h *Hub) handleEngineIdentity(ev engineIdentityEvent) {
	if rec, ok := h.engines[ev.engineID]; ok {
		ev.reply <- rec.RoutingIdentity
		return
	}
	ev.reply <- ""
}

func (h *Hub) handleIdentityEngine(ev identityEngineEvent) {
	ev.reply <- h.identityToEngine[ev.identity]
}

func (h *Hub) handleResolveTargets(ev resolveTargetsEvent) {
	var reply resolveTargetsReply
	for _, target := range ev.targets {
		if _, ok := h.engines[target]; ok {
			reply.engineIDs = append(reply.engineIDs, target)
			continue
		}
		if engineID, ok := h.identityToEngine[target]; ok {
			reply.engineIDs = append(reply.engineIDs, engineID)
			continue
		}
		reply.unknown = append(reply.unknown, target)
	}
	ev.reply <- reply
}
