package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Func is one named unit of work an engine can perform. It receives the
// raw args/kwargs from an apply_request and returns a JSON-serializable
// result, or an error describing why the call failed.
type Func func(ctx context.Context, args []json.RawMessage, kwargs map[string]json.RawMessage) (any, error)

// ApplyRequest is the content of an apply_request message: a function
// name plus its positional and keyword arguments, left as raw JSON since
// the engine process's own argument marshaling is out of scope here (see
// internal/engine's package doc).
type ApplyRequest struct {
	Function string                     `json:"function"`
	Args     []json.RawMessage          `json:"args,omitempty"`
	Kwargs   map[string]json.RawMessage `json:"kwargs,omitempty"`
}

// ApplyReply is the content of an apply_reply message. Status is always
// "ok" or "error" — the Hub's monitored-queue tee inspects exactly this
// field (and nothing else) to decide a request's terminal status.
type ApplyReply struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	EName  string          `json:"ename,omitempty"`
	EValue string          `json:"evalue,omitempty"`
}

// Executor is a named-function registry: the engine process's stand-in
// for real user code execution, sufficient to exercise the hub and
// scheduler end to end without reimplementing a code-execution kernel
// (an explicit non-goal).
type Executor struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewExecutor returns an Executor with no functions registered.
func NewExecutor() *Executor {
	return &Executor{funcs: make(map[string]Func)}
}

// Register adds or replaces the function reachable under name.
func (e *Executor) Register(name string, fn Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[name] = fn
}

// Call invokes the named function and converts its outcome into an
// ApplyReply, never letting a panic inside fn escape: the engine's
// connection loop must survive one bad function the way the Hub's
// websocket readers recover from a bad frame.
func (e *Executor) Call(ctx context.Context, req ApplyRequest) (reply ApplyReply) {
	e.mu.RLock()
	fn, ok := e.funcs[req.Function]
	e.mu.RUnlock()

	if !ok {
		return ApplyReply{Status: "error", EName: "NameError", EValue: fmt.Sprintf("no such function %q", req.Function)}
	}

	defer func() {
		if r := recover(); r != nil {
			reply = ApplyReply{Status: "error", EName: "PanicError", EValue: fmt.Sprintf("%v", r)}
		}
	}()

	result, err := fn(ctx, req.Args, req.Kwargs)
	if err != nil {
		return ApplyReply{Status: "error", EName: "RuntimeError", EValue: err.Error()}
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return ApplyReply{Status: "error", EName: "SerializationError", EValue: err.Error()}
	}
	return ApplyReply{Status: "ok", Result: resultJSON}
}
