// Package ctlerr defines the typed error kinds carried in reply content
// and returned from the hub/scheduler APIs. A Kind is serialized verbatim
// onto the wire so clients can branch on it without parsing free text.
package ctlerr

import "fmt"

// Kind identifies one of the controller's well-known failure modes.
type Kind string

const (
	KindUnmetDependency       Kind = "UnmetDependency"
	KindDependencyTimeout     Kind = "DependencyTimeout"
	KindImpossibleDependency  Kind = "ImpossibleDependency"
	KindEngineGone            Kind = "EngineGone"
	KindRemoteError           Kind = "RemoteError"
	KindCompositeError        Kind = "CompositeError"
	KindAlreadyRegistered     Kind = "AlreadyRegistered"
	KindUnknownEngine         Kind = "UnknownEngine"
	KindUnknownRequest        Kind = "UnknownRequest"
	KindBadSignature          Kind = "BadSignature"
	KindBadSerialization      Kind = "BadSerialization"
	KindBadDependency         Kind = "BadDependency"
)

// Error is a structured controller error. It round-trips through JSON so
// it can ride in reply content unchanged.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// RemoteError fields.
	EName      string `json:"ename,omitempty"`
	EValue     string `json:"evalue,omitempty"`
	Traceback  []string `json:"traceback,omitempty"`

	// CompositeError aggregates per-target outcomes.
	Errors []*Error `json:"errors,omitempty"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

// New builds a plain Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Remote builds a RemoteError from an engine-reported exception.
func Remote(ename, evalue string, traceback []string) *Error {
	return &Error{
		Kind:      KindRemoteError,
		Message:   fmt.Sprintf("%s: %s", ename, evalue),
		EName:     ename,
		EValue:    evalue,
		Traceback: traceback,
	}
}

// Composite aggregates one or more per-target RemoteErrors from a
// multi-target dispatch.
func Composite(errs []*Error) *Error {
	return &Error{
		Kind:    KindCompositeError,
		Message: fmt.Sprintf("%d of %d targets failed", len(errs), len(errs)),
		Errors:  errs,
	}
}

// Is reports whether err is a *Error of the given kind, so callers can
// write `if ctlerr.Is(err, ctlerr.KindEngineGone)`.
func Is(err error, kind Kind) bool {
	var e *Error
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		return false
	}
	return e.Kind == kind
}
