package mcp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/MegaGrindStone/go-mcp-mux/internal/fanout"
)

// Direction selects one of the two streams of a Session.
type Direction int

const (
	// Incoming carries payloads received from the remote peer.
	Incoming Direction = iota
	// Outgoing carries payloads to be written to the remote peer.
	Outgoing
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Properties is an immutable key/value bag attached to a Session. It is never mutated
// in place: use With to derive a modified copy and Session.ApplyContext to swap it in.
type Properties map[string]any

// Session is a transport-independent duplex message bus. Every payload posted to a
// direction is delivered, in posting order, to each Subscription attached to that
// direction at the time the payload is pumped.
//
// Sessions are created by a SessionManager, which binds them to a Transport.
type Session struct {
	id     string
	logger *slog.Logger

	incoming *fanout.Broadcaster[Payload]
	outgoing *fanout.Broadcaster[Payload]

	props atomic.Pointer[Properties]

	ctx    context.Context
	cancel context.CancelCauseFunc

	closed atomic.Bool

	closeFuncsMu sync.Mutex
	closeFuncs   []func()
}

// Subscription is an independent read cursor over one direction of a Session.
type Subscription struct {
	sub *fanout.Subscriber[Payload]
}

func newSession(id string, logger *slog.Logger, highWater int) *Session {
	logger = logger.With(slog.String("sessionID", id))
	ctx, cancel := context.WithCancelCause(context.Background())

	s := &Session{
		id:     id,
		logger: logger,
		incoming: fanout.New[Payload]("incoming",
			fanout.WithLogger(logger), fanout.WithHighWater(highWater)),
		outgoing: fanout.New[Payload]("outgoing",
			fanout.WithLogger(logger), fanout.WithHighWater(highWater)),
		ctx:    ctx,
		cancel: cancel,
	}
	empty := Properties{}
	s.props.Store(&empty)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// PostIncoming enqueues a payload received from the remote peer. It never blocks on
// subscribers and fails with ErrSessionClosed once the session is closed.
func (s *Session) PostIncoming(p Payload) error {
	return s.post(s.incoming, p)
}

// PostOutgoing enqueues a payload to be sent to the remote peer. It never blocks on
// subscribers and fails with ErrSessionClosed once the session is closed.
func (s *Session) PostOutgoing(p Payload) error {
	return s.post(s.outgoing, p)
}

func (s *Session) post(b *fanout.Broadcaster[Payload], p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err := b.Publish(p); err != nil {
		return ErrSessionClosed
	}
	return nil
}

// Subscribe attaches a new cursor to the given direction. The cursor observes every
// payload pumped after this call; it is not a replay of earlier traffic.
func (s *Session) Subscribe(dir Direction) *Subscription {
	b := s.incoming
	if dir == Outgoing {
		b = s.outgoing
	}
	return &Subscription{sub: b.Subscribe()}
}

// Properties returns the current properties snapshot. Callers must not mutate it.
func (s *Session) Properties() Properties {
	return *s.props.Load()
}

// ApplyContext atomically replaces the session properties with transform(old) and
// returns the new value. transform may run more than once under contention, so it
// must be pure.
func (s *Session) ApplyContext(transform func(Properties) Properties) Properties {
	for {
		old := s.props.Load()
		next := transform(*old)
		if next == nil {
			next = Properties{}
		}
		if s.props.CompareAndSwap(old, &next) {
			return next
		}
	}
}

// Context returns a context that is cancelled when the session closes.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// OnClose registers fn to run once when the session closes. If the session is
// already closed, fn runs immediately.
func (s *Session) OnClose(fn func()) {
	s.closeFuncsMu.Lock()
	if !s.closed.Load() {
		s.closeFuncs = append(s.closeFuncs, fn)
		s.closeFuncsMu.Unlock()
		return
	}
	s.closeFuncsMu.Unlock()
	fn()
}

// Close closes the session. Both streams stop accepting payloads, subscribers drain
// what is already buffered and then complete, the session context is cancelled, and
// close callbacks run. Close never waits for subscribers and is idempotent.
func (s *Session) Close() {
	s.closeFuncsMu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.closeFuncsMu.Unlock()
		return
	}
	funcs := s.closeFuncs
	s.closeFuncs = nil
	s.closeFuncsMu.Unlock()

	s.incoming.Close()
	s.outgoing.Close()
	s.cancel(ErrSessionClosed)

	// Callbacks may call Close again, which returns at once. A transport release
	// may block, so in-flight requests are already cancelled by now.
	for _, fn := range funcs {
		fn()
	}
	s.logger.Debug("session closed")
}

// Notify posts an outgoing Notification.
func (s *Session) Notify(method string, params any) error {
	n, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.PostOutgoing(n)
}

// Call posts an outgoing Request and waits for the matching Result or Error on the
// incoming stream. A remote Error is returned as the error value, as *Error.
// If ctx ends first, a notifications/cancelled is sent to the peer best-effort.
func (s *Session) Call(ctx context.Context, method string, params any) (*Result, error) {
	req, err := NewRequest(method, params)
	if err != nil {
		return nil, err
	}

	// Subscribe before posting, so a fast response cannot slip past.
	sub := s.Subscribe(Incoming)
	defer sub.Close()

	if err := s.PostOutgoing(req); err != nil {
		return nil, err
	}

	for {
		p, err := sub.Next(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				s.cancelRemote(req.ID, ctxErr)
			}
			return nil, err
		}
		switch p := p.(type) {
		case *Result:
			if p.ID == req.ID {
				return p, nil
			}
		case *Error:
			if p.ID == req.ID {
				return nil, p
			}
		}
	}
}

func (s *Session) cancelRemote(id MustString, cause error) {
	params := cancelledParams{RequestID: id, Reason: cause.Error()}
	if err := s.Notify(MethodNotificationsCancelled, params); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.logger.Warn("failed to send cancellation", slog.String("requestID", string(id)), "err", err)
	}
}

// Next blocks until the next payload arrives. It returns ErrSessionClosed once the
// stream has completed and every buffered payload was read, or ctx.Err().
func (s *Subscription) Next(ctx context.Context) (Payload, error) {
	p, err := s.sub.Next(ctx)
	if errors.Is(err, fanout.ErrClosed) {
		return nil, ErrSessionClosed
	}
	return p, err
}

// Messages returns an iterator over the subscription that ends when the stream
// completes or ctx is done.
func (s *Subscription) Messages(ctx context.Context) iter.Seq[Payload] {
	return func(yield func(Payload) bool) {
		for {
			p, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(p) {
				return
			}
		}
	}
}

// Pending returns the number of buffered payloads not yet read.
func (s *Subscription) Pending() int {
	return s.sub.Len()
}

// Close detaches the subscription. Other subscriptions are unaffected.
func (s *Subscription) Close() {
	s.sub.Close()
}

// With returns a copy of p with key set to value.
func (p Properties) With(key string, value any) Properties {
	next := make(Properties, len(p)+1)
	maps.Copy(next, p)
	next[key] = value
	return next
}

// Get returns the value stored under key.
func (p Properties) Get(key string) (any, bool) {
	v, ok := p[key]
	return v, ok
}
