package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrRequestCancelled is the cancellation cause of a request context cancelled by
// the peer or by CancelRequest.
var ErrRequestCancelled = errors.New("request cancelled")

var errRequestDone = errors.New("request done")

type requestKey struct {
	sessionID string
	requestID MustString
}

// requestEntry is the cancellation source of one in-flight request id. Requests
// that reuse an id in the same session share the entry.
type requestEntry struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   func() bool

	refs      int
	responded bool
}

// cancellationTable tracks in-flight requests by (session, request id). An entry
// lives from the first request that acquires it until the last one releases it, or
// until its session is dropped.
type cancellationTable struct {
	mu      sync.Mutex
	entries map[requestKey]*requestEntry
}

func newCancellationTable() *cancellationTable {
	return &cancellationTable{entries: make(map[requestKey]*requestEntry)}
}

// acquire returns the entry for key, creating it if needed. The entry context is
// derived from parent and is also cancelled when sess closes. shared reports that
// another request with the same id was still in flight.
func (t *cancellationTable) acquire(parent context.Context, sess *Session, key requestKey) (*requestEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok {
		e.refs++
		return e, true
	}

	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(sess.Context(), func() {
		cancel(context.Cause(sess.Context()))
	})
	e := &requestEntry{ctx: ctx, cancel: cancel, stop: stop, refs: 1}
	t.entries[key] = e
	return e, false
}

// release drops one reference to e. The last reference removes the entry.
func (t *cancellationTable) release(key requestKey, e *requestEntry) {
	t.mu.Lock()
	e.refs--
	last := e.refs == 0
	if last && t.entries[key] == e {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if last {
		e.stop()
		e.cancel(errRequestDone)
	}
}

// claimResponse reports whether the caller may post the terminal response for e.
// It returns true at most once per entry.
func (t *cancellationTable) claimResponse(e *requestEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.responded {
		return false
	}
	e.responded = true
	return true
}

// cancel cancels the in-flight request, if any.
func (t *cancellationTable) cancel(key requestKey, reason string) bool {
	t.mu.Lock()
	e, ok := t.entries[key]
	t.mu.Unlock()
	if !ok {
		return false
	}

	cause := ErrRequestCancelled
	if reason != "" {
		cause = fmt.Errorf("%w: %s", ErrRequestCancelled, reason)
	}
	e.cancel(cause)
	return true
}

// dropSession cancels and removes every entry of the session.
func (t *cancellationTable) dropSession(sessionID string, cause error) {
	t.mu.Lock()
	var dropped []*requestEntry
	for key, e := range t.entries {
		if key.sessionID == sessionID {
			dropped = append(dropped, e)
			delete(t.entries, key)
		}
	}
	t.mu.Unlock()

	for _, e := range dropped {
		e.stop()
		e.cancel(cause)
	}
}

func (t *cancellationTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
