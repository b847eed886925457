package mcp

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// IngestFunc delivers one payload received from the remote peer into the bound
// Session. It returns an error wrapping ErrSessionNotFound once that Session is
// closed, so the transport can stop delivering for it.
type IngestFunc func(Payload) error

// Transport is the physical channel carrying serialized payloads for one Session.
//
// A Transport is bound to exactly one Session by Connect. Implementations must
// allow SendOutgoing to run concurrently with their own read loop, and must treat
// Close as idempotent. Once the channel terminates, from either side, IsClosed
// reports true forever and the onClose callback given to Connect runs exactly once.
type Transport interface {
	// Connect establishes the channel and starts any background read loop that turns
	// inbound bytes into ingest calls. Calling it twice returns ErrAlreadyConnected.
	// Handshake failures are returned here and leave the transport closed.
	Connect(ctx context.Context, sessionID string, ingest IngestFunc, onClose func()) error

	// SendOutgoing serializes and writes one payload to the wire.
	SendOutgoing(ctx context.Context, p Payload) error

	// Close releases the channel. It returns nil when the transport is already closed.
	Close() error

	// IsClosed reports whether the channel has terminated.
	IsClosed() bool
}

// transportState holds the bookkeeping every Transport implementation shares:
// connect-once binding, a monotonic closed flag and a once-only close notification.
type transportState struct {
	mu        sync.Mutex
	connected bool
	sessionID string
	ingest    IngestFunc
	onClose   func()

	closed    atomic.Bool
	closeOnce sync.Once
	notified  atomic.Bool
	done      chan struct{}
}

func newTransportState() *transportState {
	return &transportState{done: make(chan struct{})}
}

func (t *transportState) bind(sessionID string, ingest IngestFunc, onClose func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return ErrTransportClosed
	}
	if t.connected {
		return ErrAlreadyConnected
	}
	t.connected = true
	t.sessionID = sessionID
	t.ingest = ingest
	t.onClose = onClose
	return nil
}

// markClosed flips the closed flag. It reports true only for the first caller.
func (t *transportState) markClosed() bool {
	first := false
	t.closeOnce.Do(func() {
		first = true
		t.closed.Store(true)
		close(t.done)
	})
	return first
}

// notifyClosed marks the transport closed and tells the bound session, once.
func (t *transportState) notifyClosed() {
	t.markClosed()

	t.mu.Lock()
	onClose := t.onClose
	t.mu.Unlock()
	if onClose == nil {
		return
	}
	// onClose usually closes the session, which closes this transport again.
	if t.notified.CompareAndSwap(false, true) {
		onClose()
	}
}

func (t *transportState) isClosed() bool {
	return t.closed.Load()
}

func (t *transportState) id() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// checkSend reports whether the transport can currently write.
func (t *transportState) checkSend() error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	return nil
}

// deliver hands p to the bound session.
func (t *transportState) deliver(p Payload) error {
	t.mu.Lock()
	ingest := t.ingest
	t.mu.Unlock()
	if ingest == nil {
		return ErrNotConnected
	}
	return ingest(p)
}

// deliverRaw decodes one wire message and hands it to the bound session. Malformed
// messages are logged and dropped; the returned error only reports a gone session.
func (t *transportState) deliverRaw(logger *slog.Logger, data []byte) error {
	p, err := DecodePayload(data)
	if err != nil {
		logger.Warn("dropping malformed message", slog.String("message", string(data)), "err", err)
		return nil
	}
	return t.deliver(p)
}
