package mcp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// SessionManager binds Transports to Sessions. For each session it runs the two
// fan-out pumps and a forward pump that writes every outgoing payload to the
// transport, and it keeps the session and the transport closing together.
type SessionManager struct {
	logger      *slog.Logger
	sendTimeout time.Duration
	highWater   int

	handler   *Handler
	onCreated func(*Session)
	onClosed  func(*Session)

	sessions sync.Map // map[string]*managedSession
	wg       sync.WaitGroup
}

// ManagerOption configures a SessionManager.
type ManagerOption func(*SessionManager)

type managedSession struct {
	session *Session
	pumps   *errgroup.Group
	done    chan struct{}
}

const (
	defaultSendTimeout         = 30 * time.Second
	defaultSubscriberHighWater = 1024
)

// WithManagerLogger sets the logger for the manager and every session it creates.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *SessionManager) {
		m.logger = logger
	}
}

// WithSendTimeout bounds each transport write done by the forward pump.
func WithSendTimeout(timeout time.Duration) ManagerOption {
	return func(m *SessionManager) {
		m.sendTimeout = timeout
	}
}

// WithSubscriberHighWater sets the subscriber backlog at which a warning is logged.
// Zero disables the warning.
func WithSubscriberHighWater(n int) ManagerOption {
	return func(m *SessionManager) {
		m.highWater = n
	}
}

// WithSessionHandler makes every created session served by h. The handler is
// attached before the transport connects, so it sees the very first payload.
func WithSessionHandler(h *Handler) ManagerOption {
	return func(m *SessionManager) {
		m.handler = h
	}
}

// WithOnSessionCreated registers a hook that runs after a session is connected.
func WithOnSessionCreated(fn func(*Session)) ManagerOption {
	return func(m *SessionManager) {
		m.onCreated = fn
	}
}

// WithOnSessionClosed registers a hook that runs after a session closes.
func WithOnSessionClosed(fn func(*Session)) ManagerOption {
	return func(m *SessionManager) {
		m.onClosed = fn
	}
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(options ...ManagerOption) *SessionManager {
	m := &SessionManager{
		logger:      slog.Default(),
		sendTimeout: defaultSendTimeout,
		highWater:   defaultSubscriberHighWater,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.sendTimeout <= 0 {
		m.sendTimeout = defaultSendTimeout
	}
	return m
}

// CreateSession allocates a Session, starts its pumps and connects t to it. If
// Connect fails the session is closed, its pumps are joined and the error is
// returned wrapped; no session is left behind.
func (m *SessionManager) CreateSession(ctx context.Context, t Transport) (*Session, error) {
	id := uuid.New().String()
	sess := newSession(id, m.logger, m.highWater)

	ms := &managedSession{
		session: sess,
		pumps:   &errgroup.Group{},
		done:    make(chan struct{}),
	}

	ms.pumps.Go(func() error {
		sess.incoming.Run()
		return nil
	})
	ms.pumps.Go(func() error {
		sess.outgoing.Run()
		return nil
	})

	// Attach before Connect so nothing posted from here on misses the wire.
	forward := sess.Subscribe(Outgoing)
	ms.pumps.Go(func() error {
		return m.forward(sess, t, forward)
	})

	if m.handler != nil {
		incoming := sess.Subscribe(Incoming)
		ms.pumps.Go(func() error {
			return m.handler.ServeSubscription(context.Background(), sess, incoming)
		})
	}

	sess.OnClose(func() {
		if err := t.Close(); err != nil {
			sess.logger.Warn("failed to close transport", "err", err)
		}
	})

	ingest := func(p Payload) error {
		if sess.IsClosed() {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		if err := sess.PostIncoming(p); err != nil {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil
	}

	// Registered before Connect: some transports hand the id to the peer during
	// Connect, and the peer may answer right away.
	m.sessions.Store(id, ms)
	m.wg.Add(1)

	if err := t.Connect(ctx, id, ingest, sess.Close); err != nil {
		sess.Close()
		m.finish(ms, false)
		return nil, fmt.Errorf("failed to connect transport: %w", err)
	}

	sess.OnClose(func() {
		go m.finish(ms, true)
	})

	sess.logger.Info("session created")
	if m.onCreated != nil {
		m.onCreated(sess)
	}
	return sess, nil
}

// finish waits for the session pumps and drops the session from the registry.
func (m *SessionManager) finish(ms *managedSession, notify bool) {
	defer m.wg.Done()

	if err := ms.pumps.Wait(); err != nil {
		ms.session.logger.Error("session pump failed", "err", err)
	}
	m.sessions.Delete(ms.session.id)
	close(ms.done)

	if notify {
		ms.session.logger.Info("session finished")
		if m.onClosed != nil {
			m.onClosed(ms.session)
		}
	}
}

func (m *SessionManager) forward(sess *Session, t Transport, sub *Subscription) error {
	defer sub.Close()

	for {
		// The session context is not used here: payloads buffered before close still
		// get their chance to reach the wire.
		p, err := sub.Next(context.Background())
		if err != nil {
			return nil
		}
		if t.IsClosed() {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout)
		err = t.SendOutgoing(ctx, p)
		cancel()
		if err == nil {
			continue
		}
		if errors.Is(err, ErrTransportClosed) || errors.Is(err, ErrSessionClosed) {
			return nil
		}
		sess.logger.Warn("failed to send payload", "err", err)
	}
}

// Session returns the live session with the given id.
func (m *SessionManager) Session(id string) (*Session, bool) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, false
	}
	ms, _ := v.(*managedSession)
	if ms.session.IsClosed() {
		return nil, false
	}
	return ms.session, true
}

// Wait blocks until the pumps of the session id have stopped, which happens after
// the session closes, or until ctx is done. Unknown ids return immediately.
func (m *SessionManager) Wait(ctx context.Context, id string) error {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil
	}
	ms, _ := v.(*managedSession)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ms.done:
		return nil
	}
}

// Sessions returns an iterator over the live sessions.
func (m *SessionManager) Sessions() iter.Seq[*Session] {
	return func(yield func(*Session) bool) {
		m.sessions.Range(func(_, v any) bool {
			ms, _ := v.(*managedSession)
			if ms.session.IsClosed() {
				return true
			}
			return yield(ms.session)
		})
	}
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	n := 0
	for range m.Sessions() {
		n++
	}
	return n
}

// Close closes every session and waits until their pumps have stopped, or until
// ctx is done.
func (m *SessionManager) Close(ctx context.Context) error {
	m.sessions.Range(func(_, v any) bool {
		ms, _ := v.(*managedSession)
		ms.session.Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close session manager: %w", ctx.Err())
	case <-done:
	}
	return nil
}
