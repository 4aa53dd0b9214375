package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/swarmctl/swarmctl/internal/envelope"
)

const defaultReplyTimeout = 30 * time.Second

// ReplyWaiter correlates a request/reply exchange on a socket pair
// (registration, client-query) by msg_id: a caller sends an envelope and
// blocks until a reply envelope with a matching parent_header.msg_id
// arrives, or the timeout/context expires.
type ReplyWaiter struct {
	mu      sync.Mutex
	pending map[string]chan *envelope.Envelope
}

// NewReplyWaiter returns an empty ReplyWaiter.
func NewReplyWaiter() *ReplyWaiter {
	return &ReplyWaiter{pending: make(map[string]chan *envelope.Envelope)}
}

// SendAndWait registers msgID as awaiting a reply, invokes send, and
// blocks for the matching Complete call.
func (w *ReplyWaiter) SendAndWait(ctx context.Context, msgID string, send func() error) (*envelope.Envelope, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultReplyTimeout)
		defer cancel()
	}

	ch := make(chan *envelope.Envelope, 1)
	w.mu.Lock()
	w.pending[msgID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, msgID)
		w.mu.Unlock()
	}()

	if err := send(); err != nil {
		return nil, fmt.Errorf("transport: send %s: %w", msgID, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-ch:
		return reply, nil
	}
}

// Complete delivers reply to the goroutine waiting on its parent
// msg_id, if any is still waiting. Reports whether a waiter was found.
func (w *ReplyWaiter) Complete(parentMsgID string, reply *envelope.Envelope) bool {
	w.mu.Lock()
	ch, ok := w.pending[parentMsgID]
	w.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- reply:
		return true
	default:
		return false
	}
}
