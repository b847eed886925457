package mcp

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryTransport is one end of an in-process transport pair. Payloads sent on one
// end are encoded and decoded as they would be on a wire, then ingested by the other
// end. Payloads sent before the peer connects are held until it does.
type MemoryTransport struct {
	state  *transportState
	logger *slog.Logger

	peer *MemoryTransport

	mu      sync.Mutex
	backlog [][]byte
}

// NewMemoryTransportPair returns two connected ends of an in-process transport.
func NewMemoryTransportPair() (*MemoryTransport, *MemoryTransport) {
	a := &MemoryTransport{state: newTransportState(), logger: slog.Default()}
	b := &MemoryTransport{state: newTransportState(), logger: slog.Default()}
	a.peer, b.peer = b, a
	return a, b
}

// Connect implements Transport.
func (m *MemoryTransport) Connect(_ context.Context, sessionID string, ingest IngestFunc, onClose func()) error {
	if err := m.state.bind(sessionID, ingest, onClose); err != nil {
		return err
	}

	m.mu.Lock()
	backlog := m.backlog
	m.backlog = nil
	for _, data := range backlog {
		if err := m.state.deliverRaw(m.logger, data); err != nil {
			m.logger.Warn("failed to deliver held payload", "err", err)
		}
	}
	m.mu.Unlock()

	if m.peer.IsClosed() {
		m.state.notifyClosed()
	}
	return nil
}

// SendOutgoing implements Transport.
func (m *MemoryTransport) SendOutgoing(_ context.Context, p Payload) error {
	if err := m.state.checkSend(); err != nil {
		return err
	}
	data, err := EncodePayload(p)
	if err != nil {
		return err
	}
	return m.peer.receive(data)
}

func (m *MemoryTransport) receive(data []byte) error {
	if m.state.isClosed() {
		return ErrTransportClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.checkSend() != nil {
		m.backlog = append(m.backlog, data)
		return nil
	}
	return m.state.deliverRaw(m.logger, data)
}

// Close implements Transport. Closing one end closes the other.
func (m *MemoryTransport) Close() error {
	if !m.state.markClosed() {
		return nil
	}
	m.state.notifyClosed()
	if err := m.peer.Close(); err != nil {
		m.logger.Warn("failed to close peer", "err", err)
	}
	return nil
}

// IsClosed implements Transport.
func (m *MemoryTransport) IsClosed() bool {
	return m.state.isClosed()
}
