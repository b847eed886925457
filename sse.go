package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// SSEServer serves sessions over Server-Sent Events. HandleSSE opens a session per
// GET request and streams its outgoing payloads as "message" events, after a first
// "endpoint" event telling the client where to POST. HandleMessage routes those
// POSTs to the session named by the sessionID query parameter.
//
// Both handlers are framework-agnostic http.Handlers.
type SSEServer struct {
	manager     *SessionManager
	messageURL  string
	logger      *slog.Logger
	maxBodySize int64

	transports sync.Map // map[string]*sseServerTransport
}

// SSEServerOption configures an SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient is a Transport that connects to an SSE server. The first event of the
// stream must be "endpoint" carrying the URL outgoing payloads are POSTed to;
// every later "message" event carries one payload.
type SSEClient struct {
	httpClient       *http.Client
	connectURL       string
	logger           *slog.Logger
	maxPayloadSize   int
	handshakeTimeout time.Duration

	state      *transportState
	messageURL string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerTransport struct {
	server *SSEServer
	sess   *sse.Session
	logger *slog.Logger

	state  *transportState
	sendMu sync.Mutex
}

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultMaxBodySize      = 4 << 20
)

// NewSSEServer creates an SSEServer whose sessions are created through manager.
// messageURL is the URL, absolute or relative to the SSE endpoint, where HandleMessage
// is mounted.
func NewSSEServer(manager *SessionManager, messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		manager:     manager,
		messageURL:  messageURL,
		logger:      slog.Default(),
		maxBodySize: defaultMaxBodySize,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEServerLogger sets the logger of the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger
	}
}

// WithSSEServerMaxBodySize limits the size of POSTed payloads.
func WithSSEServerMaxBodySize(size int64) SSEServerOption {
	return func(s *SSEServer) {
		s.maxBodySize = size
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL:       connectURL,
		httpClient:       cli,
		logger:           slog.Default(),
		handshakeTimeout: defaultHandshakeTimeout,
		state:            newTransportState(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the client will be disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientHandshakeTimeout bounds the wait for the endpoint event.
func WithSSEClientHandshakeTimeout(timeout time.Duration) SSEClientOption {
	return func(s *SSEClient) {
		s.handshakeTimeout = timeout
	}
}

// WithSSEClientLogger sets the logger of the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// Each request becomes one session; the connection stays open until the client
// disconnects or the session closes.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgraded, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		t := &sseServerTransport{
			server: s,
			sess:   upgraded,
			logger: s.logger,
			state:  newTransportState(),
		}

		sess, err := s.manager.CreateSession(r.Context(), t)
		if err != nil {
			s.logger.Error("failed to create session", "err", err)
			return
		}

		select {
		case <-r.Context().Done():
			sess.Close()
		case <-t.state.done:
		}

		// No write may hit the ResponseWriter once the handler returns.
		t.sendMu.Lock()
		defer t.sendMu.Unlock()
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionID query parameter and a JSON-encoded payload
// body. It answers 202 once the payload is queued on the session, 400 for a missing
// session id or a malformed payload, and 404 for an unknown session.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := fmt.Errorf("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		v, ok := s.transports.Load(sessID)
		if !ok {
			http.Error(w, ErrSessionNotFound.Error(), http.StatusNotFound)
			return
		}
		t, _ := v.(*sseServerTransport)

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
		if err != nil {
			nErr := fmt.Errorf("failed to read message: %w", err)
			s.logger.Warn("failed to read message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		p, err := DecodePayload(body)
		if err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		if err := t.state.deliver(p); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// Connect implements Transport by sending the endpoint event.
func (t *sseServerTransport) Connect(_ context.Context, sessionID string, ingest IngestFunc, onClose func()) error {
	if err := t.state.bind(sessionID, ingest, onClose); err != nil {
		return err
	}
	t.logger = t.logger.With(slog.String("sessionID", sessionID))
	t.server.transports.Store(sessionID, t)

	// Form an url for the client that can be used to communicate with the server session.
	u := fmt.Sprintf("%s?sessionID=%s", t.server.messageURL, url.QueryEscape(sessionID))

	// Use the type "endpoint" to indicate the endpoint URL.
	msg := &sse.Message{
		Type: sse.Type("endpoint"),
	}
	msg.AppendData(u)
	if err := t.write(msg); err != nil {
		t.server.transports.Delete(sessionID)
		t.state.markClosed()
		return fmt.Errorf("failed to write endpoint event: %w", err)
	}
	return nil
}

func (t *sseServerTransport) SendOutgoing(_ context.Context, p Payload) error {
	if err := t.state.checkSend(); err != nil {
		return err
	}
	bs, err := EncodePayload(p)
	if err != nil {
		return err
	}

	msg := &sse.Message{
		Type: sse.Type("message"),
	}
	msg.AppendData(string(bs))
	return t.write(msg)
}

// write sends and flushes one event, serialized with other writes.
func (t *sseServerTransport) write(msg *sse.Message) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if t.state.isClosed() {
		return ErrTransportClosed
	}
	if err := t.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := t.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

func (t *sseServerTransport) Close() error {
	if !t.state.markClosed() {
		return nil
	}
	if id := t.state.id(); id != "" {
		t.server.transports.CompareAndDelete(id, t)
	}
	t.state.notifyClosed()
	return nil
}

func (t *sseServerTransport) IsClosed() bool {
	return t.state.isClosed()
}

// Connect implements Transport. It opens the event stream and waits for the endpoint
// event; a stream that ends, fails or starts with any other event fails Connect with
// ErrHandshake.
func (s *SSEClient) Connect(ctx context.Context, sessionID string, ingest IngestFunc, onClose func()) error {
	if err := s.state.bind(sessionID, ingest, onClose); err != nil {
		return err
	}
	s.logger = s.logger.With(slog.String("sessionID", sessionID))

	// The stream outlives ctx, which only bounds the handshake.
	streamCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	fail := func(err error) error {
		cancel()
		s.state.markClosed()
		return err
	}
	if s.state.isClosed() {
		return fail(ErrTransportClosed)
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "text/event-stream")

	stopOnCtx := context.AfterFunc(ctx, cancel)
	timer := time.AfterFunc(s.handshakeTimeout, cancel)
	defer func() {
		stopOnCtx()
		timer.Stop()
	}()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("failed to connect to SSE server: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fail(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}
	next, stop := iter.Pull2(sse.Read(resp.Body, config))

	messageURL, err := s.handshake(next)
	if err != nil {
		stop()
		resp.Body.Close()
		return fail(err)
	}
	s.messageURL = messageURL

	go s.readLoop(next, stop, resp.Body)
	return nil
}

func (s *SSEClient) handshake(next func() (sse.Event, error, bool)) (string, error) {
	ev, err, ok := next()
	if !ok {
		return "", fmt.Errorf("%w: stream ended before endpoint event", ErrHandshake)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if ev.Type != "endpoint" {
		return "", fmt.Errorf("%w: first event is %q, want endpoint", ErrHandshake, ev.Type)
	}

	data := strings.TrimSpace(ev.Data)
	if data == "" {
		return "", fmt.Errorf("%w: empty endpoint URL", ErrHandshake)
	}
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return "", fmt.Errorf("%w: parse connect URL: %w", ErrHandshake, err)
	}
	ref, err := url.Parse(data)
	if err != nil {
		return "", fmt.Errorf("%w: parse endpoint URL: %w", ErrHandshake, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (s *SSEClient) readLoop(next func() (sse.Event, error, bool), stop func(), body io.ReadCloser) {
	defer func() {
		stop()
		body.Close()
		s.state.notifyClosed()
	}()

	for {
		ev, err, ok := next()
		if !ok {
			return
		}
		if err != nil {
			if !s.state.isClosed() && !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			return
		}

		switch ev.Type {
		case "message":
			if err := s.state.deliverRaw(s.logger, []byte(ev.Data)); err != nil {
				if errors.Is(err, ErrSessionNotFound) {
					return
				}
				s.logger.Warn("failed to deliver message", "err", err)
			}
		case "endpoint":
			s.logger.Warn("ignoring repeated endpoint event")
		default:
			s.logger.Debug("unhandled event type", slog.String("type", ev.Type))
		}
	}
}

// SendOutgoing transmits a JSON-encoded payload to the server through an HTTP POST
// request. Any 2xx status is success.
func (s *SSEClient) SendOutgoing(ctx context.Context, p Payload) error {
	if err := s.state.checkSend(); err != nil {
		return err
	}
	msgBs, err := EncodePayload(p)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusNotFound {
			s.logger.Warn("server does not know the session anymore, closing")
			_ = s.Close()
			return fmt.Errorf("%w: server dropped the session", ErrTransportClosed)
		}
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Close implements Transport by dropping the event stream.
func (s *SSEClient) Close() error {
	if !s.state.markClosed() {
		return nil
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.state.notifyClosed()
	return nil
}

// IsClosed implements Transport.
func (s *SSEClient) IsClosed() bool {
	return s.state.isClosed()
}
