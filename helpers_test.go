package mcp_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/go-mcp-mux"
)

const testTimeout = 5 * time.Second

// logBuffer collects log output from concurrent goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *logBuffer) Count(substr string) int {
	return strings.Count(b.String(), substr)
}

func newTestLogger() (*slog.Logger, *logBuffer) {
	buf := &logBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

// sessionPair is a client and a server session joined by an in-memory transport.
type sessionPair struct {
	client        *mcp.Session
	server        *mcp.Session
	clientManager *mcp.SessionManager
	serverManager *mcp.SessionManager
}

// newSessionPair connects a client session to a server session served by h. A nil
// h leaves the server incoming stream to the test.
func newSessionPair(t *testing.T, h *mcp.Handler, options ...mcp.ManagerOption) *sessionPair {
	t.Helper()

	serverOpts := append([]mcp.ManagerOption{}, options...)
	if h != nil {
		serverOpts = append(serverOpts, mcp.WithSessionHandler(h))
	}
	serverManager := mcp.NewSessionManager(serverOpts...)
	clientManager := mcp.NewSessionManager(options...)

	serverT, clientT := mcp.NewMemoryTransportPair()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	server, err := serverManager.CreateSession(ctx, serverT)
	require.NoError(t, err)
	client, err := clientManager.CreateSession(ctx, clientT)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		require.NoError(t, clientManager.Close(ctx))
		require.NoError(t, serverManager.Close(ctx))
	})

	return &sessionPair{
		client:        client,
		server:        server,
		clientManager: clientManager,
		serverManager: serverManager,
	}
}

// fakeTransport records what the manager sends and lets the test inject payloads.
type fakeTransport struct {
	connectErr error

	mu      sync.Mutex
	ingest  mcp.IngestFunc
	onClose func()

	sent       chan mcp.Payload
	closed     atomic.Bool
	closeCalls atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan mcp.Payload, 100)}
}

func (f *fakeTransport) Connect(_ context.Context, _ string, ingest mcp.IngestFunc, onClose func()) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingest = ingest
	f.onClose = onClose
	return nil
}

func (f *fakeTransport) SendOutgoing(_ context.Context, p mcp.Payload) error {
	if f.closed.Load() {
		return mcp.ErrTransportClosed
	}
	f.sent <- p
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeCalls.Add(1)
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	f.mu.Lock()
	onClose := f.onClose
	f.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

func (f *fakeTransport) IsClosed() bool {
	return f.closed.Load()
}

func (f *fakeTransport) deliver(p mcp.Payload) error {
	f.mu.Lock()
	ingest := f.ingest
	f.mu.Unlock()
	return ingest(p)
}

// hangUp simulates the peer going away.
func (f *fakeTransport) hangUp() {
	f.closed.Store(true)
	f.mu.Lock()
	onClose := f.onClose
	f.mu.Unlock()
	onClose()
}

func (f *fakeTransport) nextSent(t *testing.T) mcp.Payload {
	t.Helper()
	select {
	case p := <-f.sent:
		return p
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a sent payload")
		return nil
	}
}

func next(t *testing.T, sub *mcp.Subscription) mcp.Payload {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	p, err := sub.Next(ctx)
	require.NoError(t, err)
	return p
}

func waitClosed(t *testing.T, sess *mcp.Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(testTimeout):
		t.Fatalf("session %s did not close", sess.ID())
	}
}
