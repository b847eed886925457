// Package fanout implements a single-producer, many-consumer broadcast stream.
//
// A Broadcaster owns one authoritative input queue and a registry of subscribers,
// each with its own unbounded FIFO. A copy pump (Run) moves every published item
// into every subscriber that is attached at the time the item is pumped, so a slow
// subscriber only grows its own backlog and never stalls the producer or its
// siblings.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// ErrClosed is returned when publishing to a closed Broadcaster, or when reading
// from a Subscriber whose stream has completed and been drained.
var ErrClosed = errors.New("fanout: closed")

// Broadcaster distributes published items to all attached subscribers.
// The zero value is not usable, use New.
type Broadcaster[T any] struct {
	name      string
	logger    *slog.Logger
	highWater int

	input *buffer[T]
	subs  sync.Map // map[*Subscriber[T]]struct{}

	started  atomic.Bool
	finished atomic.Bool
	done     chan struct{}
}

// Subscriber is an independent read cursor over a Broadcaster.
type Subscriber[T any] struct {
	b   *Broadcaster[T]
	buf *buffer[T]

	closeOnce sync.Once
}

// Option configures a Broadcaster.
type Option func(*config)

type config struct {
	logger    *slog.Logger
	highWater int
}

// WithLogger sets the logger used to report backlog warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHighWater sets the subscriber backlog size at which a warning is logged.
// Zero disables the warning.
func WithHighWater(n int) Option {
	return func(c *config) {
		c.highWater = n
	}
}

// New creates a Broadcaster. The name is only used in log records.
func New[T any](name string, options ...Option) *Broadcaster[T] {
	cfg := config{logger: slog.Default()}
	for _, opt := range options {
		opt(&cfg)
	}

	return &Broadcaster[T]{
		name:      name,
		logger:    cfg.logger,
		highWater: cfg.highWater,
		input:     newBuffer[T](),
		done:      make(chan struct{}),
	}
}

// Publish enqueues v for delivery. It never blocks on subscribers.
func (b *Broadcaster[T]) Publish(v T) error {
	if _, ok := b.input.push(v); !ok {
		return ErrClosed
	}
	return nil
}

// Subscribe attaches a new subscriber that receives every item pumped after this call.
// Subscribing to a finished Broadcaster yields a subscriber that is already complete.
func (b *Broadcaster[T]) Subscribe() *Subscriber[T] {
	sub := &Subscriber[T]{b: b, buf: newBuffer[T]()}
	b.subs.Store(sub, struct{}{})

	// The pump sets finished before its final sweep, so either the sweep sees this
	// subscriber or we see the flag.
	if b.finished.Load() {
		sub.buf.close()
	}
	return sub
}

// Close completes the input stream. Items already published are still delivered,
// after which every subscriber is completed.
func (b *Broadcaster[T]) Close() {
	b.input.close()
}

// Done is closed once Run has delivered the last item and completed all subscribers.
func (b *Broadcaster[T]) Done() <-chan struct{} {
	return b.done
}

// Len returns the number of attached subscribers.
func (b *Broadcaster[T]) Len() int {
	n := 0
	b.subs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Run is the copy pump. It blocks until the Broadcaster is closed and drained.
// Calling Run more than once returns immediately.
func (b *Broadcaster[T]) Run() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	defer close(b.done)

	for {
		v, err := b.input.pop(context.Background())
		if err != nil {
			break
		}
		b.subs.Range(func(key, _ any) bool {
			sub, _ := key.(*Subscriber[T])
			n, ok := sub.buf.push(v)
			if ok && b.highWater > 0 && n == b.highWater {
				b.logger.Warn("subscriber backlog reached high water mark",
					slog.String("stream", b.name),
					slog.Int("backlog", n))
			}
			return true
		})
	}

	b.finished.Store(true)
	b.subs.Range(func(key, _ any) bool {
		sub, _ := key.(*Subscriber[T])
		sub.buf.close()
		return true
	})
}

// Next blocks until the next item is available. It returns ErrClosed once the
// stream is complete and drained, or ctx.Err() if ctx is done first.
func (s *Subscriber[T]) Next(ctx context.Context) (T, error) {
	return s.buf.pop(ctx)
}

// Len returns the number of items waiting for this subscriber.
func (s *Subscriber[T]) Len() int {
	return s.buf.len()
}

// Close detaches the subscriber and discards its backlog. Other subscribers are
// unaffected. Close is idempotent.
func (s *Subscriber[T]) Close() {
	s.closeOnce.Do(func() {
		s.b.subs.Delete(s)
		s.buf.discard()
	})
}

// buffer is an unbounded FIFO with a wake-up channel for a single reader.
type buffer[T any] struct {
	mu     sync.Mutex
	items  *queue.Queue
	wake   chan struct{}
	closed bool
}

func newBuffer[T any]() *buffer[T] {
	return &buffer[T]{
		items: queue.New(),
		wake:  make(chan struct{}, 1),
	}
}

func (b *buffer[T]) push(v T) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, false
	}
	b.items.Add(v)
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return b.items.Length(), true
}

func (b *buffer[T]) pop(ctx context.Context) (T, error) {
	var zero T
	for {
		b.mu.Lock()
		if b.items.Length() > 0 {
			v, _ := b.items.Remove().(T)
			b.mu.Unlock()
			return v, nil
		}
		if b.closed {
			b.mu.Unlock()
			return zero, ErrClosed
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-b.wake:
		}
	}
}

func (b *buffer[T]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.items.Length()
}

func (b *buffer[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
}

func (b *buffer[T]) discard() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.items.Length() > 0 {
		b.items.Remove()
	}
	if !b.closed {
		b.closed = true
		close(b.wake)
	}
}
