package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketClient is a Transport that dials a WebSocket server. Each text frame
// carries one payload.
type WebSocketClient struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	*wsConn
}

// WebSocketClientOption configures a WebSocketClient.
type WebSocketClientOption func(*WebSocketClient)

// WebSocketServer is an http.Handler that upgrades each request to a WebSocket and
// serves it as one session created through the SessionManager.
type WebSocketServer struct {
	manager  *SessionManager
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// WebSocketServerOption configures a WebSocketServer.
type WebSocketServerOption func(*WebSocketServer)

// wsConn is the Transport shared by both ends once a connection exists.
type wsConn struct {
	logger       *slog.Logger
	writeTimeout time.Duration
	state        *transportState

	mu   sync.Mutex
	conn *websocket.Conn
}

const defaultWSWriteTimeout = 10 * time.Second

// NewWebSocketClient creates a client transport for the ws:// or wss:// url.
func NewWebSocketClient(url string, options ...WebSocketClientOption) *WebSocketClient {
	c := &WebSocketClient{
		url:    url,
		dialer: websocket.DefaultDialer,
		wsConn: newWSConn(slog.Default()),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithWebSocketDialer sets the dialer used to connect.
func WithWebSocketDialer(d *websocket.Dialer) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.dialer = d
	}
}

// WithWebSocketHeader sets extra headers for the opening handshake.
func WithWebSocketHeader(h http.Header) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.header = h
	}
}

// WithWebSocketClientLogger sets the logger of the client.
func WithWebSocketClientLogger(logger *slog.Logger) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.logger = logger
	}
}

// NewWebSocketServer creates a WebSocket server whose sessions are created through manager.
func NewWebSocketServer(manager *SessionManager, options ...WebSocketServerOption) *WebSocketServer {
	s := &WebSocketServer{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithWebSocketCheckOrigin sets the origin check function for WebSocket upgrades.
// The gorilla default, same origin only, applies otherwise.
func WithWebSocketCheckOrigin(fn func(r *http.Request) bool) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.upgrader.CheckOrigin = fn
	}
}

// WithWebSocketServerLogger sets the logger of the server.
func WithWebSocketServerLogger(logger *slog.Logger) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.logger = logger
	}
}

// Connect implements Transport by dialing the server.
func (c *WebSocketClient) Connect(ctx context.Context, sessionID string, ingest IngestFunc, onClose func()) error {
	if err := c.state.bind(sessionID, ingest, onClose); err != nil {
		return err
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.state.markClosed()
		return fmt.Errorf("failed to dial %s: %w", c.url, err)
	}

	c.start(sessionID, conn)
	return nil
}

// ServeHTTP implements http.Handler. It returns when the session ends.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already answered with an HTTP error.
		s.logger.Warn("failed to upgrade connection", "err", err)
		return
	}

	t := &wsServerTransport{wsConn: newWSConn(s.logger), upgraded: conn}
	sess, err := s.manager.CreateSession(r.Context(), t)
	if err != nil {
		s.logger.Error("failed to create session", "err", err)
		conn.Close()
		return
	}
	<-sess.Done()
}

type wsServerTransport struct {
	*wsConn
	upgraded *websocket.Conn
}

func (t *wsServerTransport) Connect(_ context.Context, sessionID string, ingest IngestFunc, onClose func()) error {
	if err := t.state.bind(sessionID, ingest, onClose); err != nil {
		return err
	}
	t.start(sessionID, t.upgraded)
	return nil
}

func newWSConn(logger *slog.Logger) *wsConn {
	return &wsConn{
		logger:       logger,
		writeTimeout: defaultWSWriteTimeout,
		state:        newTransportState(),
	}
}

func (w *wsConn) start(sessionID string, conn *websocket.Conn) {
	w.logger = w.logger.With(slog.String("sessionID", sessionID))

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	go w.readLoop(conn)
}

func (w *wsConn) readLoop(conn *websocket.Conn) {
	defer func() {
		w.shutdown()
		w.state.notifyClosed()
	}()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if !w.state.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Warn("failed to read message", "err", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			w.logger.Debug("ignoring non-text frame", slog.Int("type", typ))
			continue
		}
		if err := w.state.deliverRaw(w.logger, data); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				return
			}
			w.logger.Warn("failed to deliver message", "err", err)
		}
	}
}

// SendOutgoing implements Transport.
func (w *wsConn) SendOutgoing(_ context.Context, p Payload) error {
	if err := w.state.checkSend(); err != nil {
		return err
	}
	bs, err := EncodePayload(p)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.isClosed() || w.conn == nil {
		return ErrTransportClosed
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, bs); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// shutdown sends a close frame, best-effort, and closes the connection.
func (w *wsConn) shutdown() {
	w.state.markClosed()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return
	}
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = w.conn.Close()
	w.conn = nil
}

// Close implements Transport.
func (w *wsConn) Close() error {
	if w.state.isClosed() {
		return nil
	}
	w.shutdown()
	w.state.notifyClosed()
	return nil
}

// IsClosed implements Transport.
func (w *wsConn) IsClosed() bool {
	return w.state.isClosed()
}
