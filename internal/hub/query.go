package hub

import (
	"context"
	"fmt"

	"github.com/swarmctl/swarmctl/internal/storage"
)

func (h *Hub) handleQueueStatus(ctx context.Context, ev queueStatusEvent) {
	wanted := make(map[string]bool, len(ev.targets))
	for _, t := range ev.targets {
		wanted[t] = true
	}

	out := make(map[string]queueStatusEntry, len(h.engines))
	for id, e := range h.engines {
		if len(wanted) > 0 && !wanted[id] {
			continue
		}
		entry := queueStatusEntry{
			Queue:     len(e.Queue),
			Completed: len(e.Completed),
			Tasks:     len(e.Tasks),
		}
		if ev.verbose {
			entry.QueueIDs = append([]string(nil), e.Queue...)
			entry.CompletedIDs = append([]string(nil), e.Completed...)
			entry.TaskIDs = append([]string(nil), e.Tasks...)
		}
		out[id] = entry
	}
	ev.reply <- out
}

func (h *Hub) handlePurgeResults(ctx context.Context, ev purgeResultsEvent) {
	ids := ev.requestIDs
	if len(ev.targets) > 0 {
		recs, err := h.backend.Find(ctx, storage.Selector{})
		if err != nil {
			ev.reply <- fmt.Errorf("hub: purge_results: %w", err)
			return
		}
		targetSet := make(map[string]bool, len(ev.targets))
		for _, t := range ev.targets {
			targetSet[t] = true
		}
		ids = nil
		for _, r := range recs {
			if targetSet[r.EngineID] {
				ids = append(ids, r.RequestID)
			}
		}
	}

	recs, err := h.backend.GetMany(ctx, ids)
	if err != nil {
		ev.reply <- fmt.Errorf("hub: purge_results: %w", err)
		return
	}
	for _, r := range recs {
		if !r.Status.Terminal() {
			ev.reply <- fmt.Errorf("hub: purge_results: request %s is still outstanding", r.RequestID)
			return
		}
	}

	ev.reply <- h.backend.Drop(ctx, ids)
}

// handleResubmit handles §4.1's resubmit_request as ledger bookkeeping
// only: for each id it stores a copy of the original record under a fresh
// id (status submitted, timestamps and result cleared, resubmit_count
// bumped) and replies with the old→new id map. Nothing is put back on the
// task channel: neither the Hub nor the HTTP handler that calls it sends
// the stored submission to an engine.
func (h *Hub) handleResubmit(ctx context.Context, ev resubmitEvent) {
	recs, err := h.backend.GetMany(ctx, ev.requestIDs)
	if err != nil {
		ev.reply <- resubmitReply{err: fmt.Errorf("hub: resubmit_request: %w", err)}
		return
	}
	byID := make(map[string]*storage.RequestRecord, len(recs))
	for _, r := range recs {
		byID[r.RequestID] = r
	}

	newIDs := make(map[string]string, len(ev.requestIDs))
	for _, id := range ev.requestIDs {
		orig, ok := byID[id]
		if !ok {
			ev.reply <- resubmitReply{err: fmt.Errorf("hub: resubmit_request: unknown request %s", id)}
			return
		}
		newID := h.newID()
		cp := *orig
		cp.RequestID = newID
		cp.StartedAt = nil
		cp.CompletedAt = nil
		cp.ResultHeader = nil
		cp.ResultContent = nil
		cp.Buffers = nil
		cp.Status = storage.StatusSubmitted
		cp.ResubmitCount = orig.ResubmitCount + 1
		if err := h.backend.Upsert(ctx, &cp); err != nil {
			ev.reply <- resubmitReply{err: fmt.Errorf("hub: resubmit_request: upsert %s: %w", newID, err)}
			return
		}
		if err := h.backend.UpdateStatus(ctx, id, storage.StatusResubmitted); err != nil {
			h.log.Warn("hub: mark original resubmitted", "request_id", id, "error", err)
		}
		newIDs[id] = newID
	}
	ev.reply <- resubmitReply{newIDs: newIDs}
}

func (h *Hub) handleGetResult(ctx context.Context, ev getResultEvent) {
	recs, err := h.backend.GetMany(ctx, ev.requestIDs)
	if err != nil {
		h.log.Error("hub: get_result", "error", err)
		ev.reply <- nil
		return
	}
	ev.reply <- recs
}

func (h *Hub) handleHistory(ctx context.Context, ev historyEvent) {
	c, ok := h.clients[ev.clientID]
	if !ok {
		ev.reply <- nil
		return
	}
	ev.reply <- append([]string(nil), c.History...)
}

func (h *Hub) handleDBQuery(ctx context.Context, ev dbQueryEvent) {
	sel := storage.Selector{
		RequestIDs: ev.requestIDs,
		EngineID:   ev.engineID,
		Status:     storage.Status(ev.status),
		ClientID:   ev.clientID,
	}
	recs, err := h.backend.Find(ctx, sel)
	if err != nil {
		h.log.Error("hub: db_query", "error", err)
		ev.reply <- nil
		return
	}
	ev.reply <- recs
}
