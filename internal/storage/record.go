// Package storage defines the controller's request ledger: a mapping from
// request id to record, behind a narrow capability interface that both an
// in-memory backend and a document-store (SQLite) backend satisfy. No
// transactional semantics are assumed by callers.
package storage

import (
	"encoding/json"
	"time"
)

// Status is a request's position in its lifecycle.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusUnassigned Status = "unassigned"
	StatusAssigned   Status = "assigned"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
	StatusResubmitted Status = "resubmitted"
)

// Terminal reports whether status is one of the three terminal states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// RequestRecord is the hub-side metadata for one submitted unit of work.
type RequestRecord struct {
	RequestID string `json:"request_id"`
	ClientID  string `json:"client_id"`
	EngineID  string `json:"engine_id,omitempty"` // empty until scheduled

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Header  json.RawMessage `json:"header"`            // the submission envelope's header
	Content json.RawMessage `json:"content,omitempty"` // reference only; never inspected

	ResultHeader  json.RawMessage `json:"result_header,omitempty"`
	ResultContent json.RawMessage `json:"result_content,omitempty"`
	Buffers       [][]byte        `json:"buffers,omitempty"`
	Stdout        string          `json:"stdout,omitempty"`
	Stderr        string          `json:"stderr,omitempty"`

	Status Status `json:"status"`

	// Channel records which socket the submission arrived on: "mux",
	// "control", or "task". Direct (mux/control) requests are owned
	// end-to-end by the Hub; task requests are owned by the scheduler,
	// which decides resubmission vs. failure on engine departure.
	Channel string `json:"channel"`

	Follow  []string `json:"follow,omitempty"`
	After   []string `json:"after,omitempty"`
	Timeout *time.Time `json:"timeout,omitempty"` // absolute deadline, nil means none
	Targets []string `json:"targets,omitempty"`

	// ResubmitCount increments every time this record's lineage is
	// resubmitted; the new record copies the original submission
	// envelope but resets started/completed to unset.
	ResubmitCount int `json:"resubmit_count"`
}

// EngineRecord is the hub's view of one registered engine.
type EngineRecord struct {
	EngineID         string    `json:"engine_id"`
	RoutingIdentity  string    `json:"routing_identity"`
	Queue            []string  `json:"queue"`     // request_ids dispatched, no result yet
	Completed        []string  `json:"completed"` // request_ids successfully returned
	Tasks            []string  `json:"tasks"`     // load-balanced request_ids dispatched
	RegistrationTime time.Time `json:"registration_time"`
	LastHeartbeat    time.Time `json:"last_heartbeat_time"`
}

// ClientRecord is the hub's bookkeeping for one submitting process.
type ClientRecord struct {
	RoutingIdentity string   `json:"routing_identity"`
	SessionID       string   `json:"session_id"`
	History         []string `json:"history"`     // request_ids, submission order
	Outstanding     []string `json:"outstanding"`
}
