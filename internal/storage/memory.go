package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is a Backend that keeps every record in a map. It is the
// default for single-process testing and for controllers that don't need
// results to survive a restart.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*RequestRecord
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*RequestRecord)}
}

func (m *Memory) Upsert(_ context.Context, rec *RequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.RequestID] = &cp
	return nil
}

func (m *Memory) GetMany(_ context.Context, requestIDs []string) ([]*RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RequestRecord, 0, len(requestIDs))
	for _, id := range requestIDs {
		if rec, ok := m.records[id]; ok {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) Find(_ context.Context, sel Selector) ([]*RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]bool, len(sel.RequestIDs))
	for _, id := range sel.RequestIDs {
		wanted[id] = true
	}

	var out []*RequestRecord
	for _, rec := range m.records {
		if len(sel.RequestIDs) > 0 && !wanted[rec.RequestID] {
			continue
		}
		if sel.EngineID != "" && rec.EngineID != sel.EngineID {
			continue
		}
		if sel.Status != "" && rec.Status != sel.Status {
			continue
		}
		if sel.ClientID != "" && rec.ClientID != sel.ClientID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) UpdateStatus(_ context.Context, requestID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[requestID]
	if !ok {
		return nil
	}
	rec.Status = status
	if status.Terminal() {
		now := time.Now()
		rec.CompletedAt = &now
	}
	return nil
}

func (m *Memory) Drop(_ context.Context, requestIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range requestIDs {
		delete(m.records, id)
	}
	return nil
}

func (m *Memory) Close() error { return nil }
