package storage

import "context"

// Selector narrows a Find query. A zero-value Selector matches every
// record. EngineID and Status are ANDed together when both are set.
type Selector struct {
	RequestIDs []string
	EngineID   string
	Status     Status
	ClientID   string
}

// Backend is the narrow capability set every storage implementation
// (in-memory, document store) must satisfy. No implementation assumes
// transactional semantics across calls; the Hub serializes all access
// from its single event loop.
type Backend interface {
	// Upsert inserts or replaces a request record keyed by RequestID.
	Upsert(ctx context.Context, rec *RequestRecord) error

	// GetMany returns the records for the given request ids, in no
	// particular order. Missing ids are silently omitted.
	GetMany(ctx context.Context, requestIDs []string) ([]*RequestRecord, error)

	// Find returns every record matching sel.
	Find(ctx context.Context, sel Selector) ([]*RequestRecord, error)

	// UpdateStatus transitions a record's status and, for terminal
	// transitions, stamps CompletedAt.
	UpdateStatus(ctx context.Context, requestID string, status Status) error

	// Drop permanently removes records for the given request ids. It is
	// the caller's responsibility to first confirm that none are still
	// outstanding (see purge_results semantics).
	Drop(ctx context.Context, requestIDs []string) error

	// Close releases any resources held by the backend.
	Close() error
}
