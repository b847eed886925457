package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// CallbackClient is a Transport that talks to a callback-style MCP server. Every
// outgoing payload is POSTed with an injected callbackUrl field, and the server
// POSTs its own payloads back to that URL, which a CallbackReceiver serves. The first
// response carrying sessionInfo.id fixes the server-side session id, sent as the
// sessionId query parameter from then on.
type CallbackClient struct {
	serverURL  string
	receiver   *CallbackReceiver
	httpClient *http.Client
	logger     *slog.Logger
	retry      retryConfig

	state *transportState

	// handshakeMu serializes POSTs until the server session id is known, so the
	// server never sees two session-less POSTs from one client.
	handshakeMu sync.Mutex
	mu          sync.Mutex
	remoteID    string
}

// CallbackClientOption configures a CallbackClient.
type CallbackClientOption func(*CallbackClient)

// CallbackReceiver is the http.Handler the remote server POSTs to. It serves every
// CallbackClient created with it, routing by the last path segment, which is the
// local session id. POSTs for an unknown session get 410 Gone.
type CallbackReceiver struct {
	baseURL     string
	logger      *slog.Logger
	maxBodySize int64

	clients sync.Map // map[string]*CallbackClient
}

// CallbackReceiverOption configures a CallbackReceiver.
type CallbackReceiverOption func(*CallbackReceiver)

// CallbackServer is the server side of the callback transport. A POST without the
// sessionId query parameter opens a session and is answered with its id in
// sessionInfo.id; later POSTs are routed by sessionId. Outgoing payloads are POSTed
// to the latest callbackUrl the client sent. A "disconnect" notification closes the
// session.
type CallbackServer struct {
	manager     *SessionManager
	httpClient  *http.Client
	logger      *slog.Logger
	maxBodySize int64
	retry       retryConfig

	transports sync.Map // map[string]*callbackServerTransport
}

// CallbackServerOption configures a CallbackServer.
type CallbackServerOption func(*CallbackServer)

type callbackServerTransport struct {
	server *CallbackServer
	logger *slog.Logger
	state  *transportState

	mu          sync.Mutex
	callbackURL string
}

// callbackEnvelope is a wire message with the fields the callback transport adds.
type callbackEnvelope struct {
	JSONRPCMessage
	CallbackURL string       `json:"callbackUrl,omitempty"`
	SessionInfo *sessionInfo `json:"sessionInfo,omitempty"`
}

type sessionInfo struct {
	ID string `json:"id"`
}

type retryConfig struct {
	maxRetries      uint64
	initialInterval time.Duration
}

// errGone marks a POST answered with a status meaning the peer session is gone.
var errGone = errors.New("peer session gone")

var defaultRetryConfig = retryConfig{maxRetries: 3, initialInterval: 200 * time.Millisecond}

// NewCallbackClient creates a client transport that POSTs to serverURL and receives
// through receiver. A nil httpClient means http.DefaultClient.
func NewCallbackClient(serverURL string, receiver *CallbackReceiver, httpClient *http.Client,
	options ...CallbackClientOption,
) *CallbackClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &CallbackClient{
		serverURL:  serverURL,
		receiver:   receiver,
		httpClient: httpClient,
		logger:     slog.Default(),
		retry:      defaultRetryConfig,
		state:      newTransportState(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithCallbackClientLogger sets the logger of the callback client.
func WithCallbackClientLogger(logger *slog.Logger) CallbackClientOption {
	return func(c *CallbackClient) {
		c.logger = logger
	}
}

// WithCallbackClientRetry sets how often a failed POST is retried, and the first
// retry interval. Retry intervals grow exponentially.
func WithCallbackClientRetry(maxRetries uint64, initialInterval time.Duration) CallbackClientOption {
	return func(c *CallbackClient) {
		c.retry = retryConfig{maxRetries: maxRetries, initialInterval: initialInterval}
	}
}

// NewCallbackReceiver creates a receiver reachable by the remote server at baseURL.
func NewCallbackReceiver(baseURL string, options ...CallbackReceiverOption) *CallbackReceiver {
	r := &CallbackReceiver{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		logger:      slog.Default(),
		maxBodySize: defaultMaxBodySize,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithCallbackReceiverLogger sets the logger of the callback receiver.
func WithCallbackReceiverLogger(logger *slog.Logger) CallbackReceiverOption {
	return func(r *CallbackReceiver) {
		r.logger = logger
	}
}

// NewCallbackServer creates a callback server whose sessions are created through
// manager. A nil httpClient means http.DefaultClient.
func NewCallbackServer(manager *SessionManager, httpClient *http.Client, options ...CallbackServerOption) *CallbackServer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	s := &CallbackServer{
		manager:     manager,
		httpClient:  httpClient,
		logger:      slog.Default(),
		maxBodySize: defaultMaxBodySize,
		retry:       defaultRetryConfig,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithCallbackServerLogger sets the logger of the callback server.
func WithCallbackServerLogger(logger *slog.Logger) CallbackServerOption {
	return func(s *CallbackServer) {
		s.logger = logger
	}
}

// WithCallbackServerRetry sets how often a failed callback POST is retried, and the
// first retry interval.
func WithCallbackServerRetry(maxRetries uint64, initialInterval time.Duration) CallbackServerOption {
	return func(s *CallbackServer) {
		s.retry = retryConfig{maxRetries: maxRetries, initialInterval: initialInterval}
	}
}

// URL returns the callback URL for a local session id.
func (r *CallbackReceiver) URL(sessionID string) string {
	return r.baseURL + "/" + url.PathEscape(sessionID)
}

// ServeHTTP implements http.Handler.
func (r *CallbackReceiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessID := path.Base(req.URL.Path)
	if sessID == "/" || sessID == "." {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	v, ok := r.clients.Load(sessID)
	if !ok {
		http.Error(w, ErrSessionNotFound.Error(), http.StatusGone)
		return
	}
	c, _ := v.(*CallbackClient)

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxBodySize))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read message: %v", err), http.StatusBadRequest)
		return
	}

	p, err := DecodePayload(body)
	if err != nil {
		r.logger.Warn("failed to decode callback message", slog.String("sessionID", sessID), "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := c.state.deliver(p); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			http.Error(w, err.Error(), http.StatusGone)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Connect implements Transport by registering with the receiver. No request is
// made until the first payload is sent.
func (c *CallbackClient) Connect(_ context.Context, sessionID string, ingest IngestFunc, onClose func()) error {
	if err := c.state.bind(sessionID, ingest, onClose); err != nil {
		return err
	}
	c.logger = c.logger.With(slog.String("sessionID", sessionID))
	c.receiver.clients.Store(sessionID, c)
	return nil
}

// RemoteSessionID returns the server-assigned session id, empty until known.
func (c *CallbackClient) RemoteSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// SendOutgoing implements Transport. Failed POSTs are retried with exponential
// backoff; a 404 or 410 answer closes the transport.
func (c *CallbackClient) SendOutgoing(ctx context.Context, p Payload) error {
	if err := c.state.checkSend(); err != nil {
		return err
	}

	if c.RemoteSessionID() == "" {
		c.handshakeMu.Lock()
		defer c.handshakeMu.Unlock()
	}

	err := c.post(ctx, p, c.retry)
	if errors.Is(err, errGone) {
		c.logger.Warn("server dropped the session, closing")
		_ = c.Close()
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	return err
}

func (c *CallbackClient) post(ctx context.Context, p Payload, retry retryConfig) error {
	env := callbackEnvelope{
		JSONRPCMessage: p.message(),
		CallbackURL:    c.receiver.URL(c.state.id()),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	target, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("failed to parse server URL: %w", err)
	}
	if remoteID := c.RemoteSessionID(); remoteID != "" {
		q := target.Query()
		q.Set("sessionId", remoteID)
		target.RawQuery = q.Encode()
	}

	respBody, err := postJSON(ctx, c.httpClient, target.String(), body, retry, c.logger)
	if err != nil {
		return err
	}
	c.handleResponse(respBody)
	return nil
}

// handleResponse picks up the server session id and any inline payload.
func (c *CallbackClient) handleResponse(body []byte) {
	if len(bytes.TrimSpace(body)) == 0 {
		return
	}

	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.logger.Debug("ignoring non-JSON response body", "err", err)
		return
	}

	if env.SessionInfo != nil && env.SessionInfo.ID != "" {
		c.mu.Lock()
		if c.remoteID == "" {
			c.remoteID = env.SessionInfo.ID
			c.logger.Info("server session established", slog.String("remoteSessionID", c.remoteID))
		}
		c.mu.Unlock()
	}

	if env.JSONRPC == "" {
		return
	}
	p, err := PayloadFromMessage(env.JSONRPCMessage)
	if err != nil {
		c.logger.Warn("dropping malformed inline payload", "err", err)
		return
	}
	if err := c.state.deliver(p); err != nil {
		c.logger.Warn("failed to deliver inline payload", "err", err)
	}
}

// Close implements Transport. It tells the server with a best-effort disconnect
// notification before tearing down.
func (c *CallbackClient) Close() error {
	if !c.state.markClosed() {
		return nil
	}

	if id := c.state.id(); id != "" {
		c.receiver.clients.CompareAndDelete(id, c)

		if c.RemoteSessionID() != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n := &Notification{Method: MethodDisconnect}
			if err := c.post(ctx, n, retryConfig{}); err != nil {
				c.logger.Debug("failed to send disconnect", "err", err)
			}
			cancel()
		}
	}

	c.state.notifyClosed()
	return nil
}

// IsClosed implements Transport.
func (c *CallbackClient) IsClosed() bool {
	return c.state.isClosed()
}

// ServeHTTP implements http.Handler.
func (s *CallbackServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read message: %v", err), http.StatusBadRequest)
		return
	}

	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.logger.Warn("failed to decode message", "err", err)
		http.Error(w, fmt.Sprintf("failed to decode message: %v", err), http.StatusBadRequest)
		return
	}
	p, err := PayloadFromMessage(env.JSONRPCMessage)
	if err != nil {
		s.logger.Warn("failed to decode message", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sessID := r.URL.Query().Get("sessionId")
	if sessID == "" {
		s.open(w, r, p, env.CallbackURL)
		return
	}

	v, ok := s.transports.Load(sessID)
	if !ok {
		http.Error(w, ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}
	t, _ := v.(*callbackServerTransport)
	if env.CallbackURL != "" {
		t.setCallbackURL(env.CallbackURL)
	}

	if n, ok := p.(*Notification); ok && n.Method == MethodDisconnect {
		t.logger.Info("client disconnected")
		w.WriteHeader(http.StatusAccepted)
		_ = t.Close()
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
}

func (s *CallbackServer) open(w http.ResponseWriter, r *http.Request, p Payload, callbackURL string) {
	if callbackURL == "" {
		http.Error(w, "missing callbackUrl", http.StatusBadRequest)
		return
	}

	t := &callbackServerTransport{
		server:      s,
		logger:      s.logger,
		state:       newTransportState(),
		callbackURL: callbackURL,
	}
	sess, err := s.manager.CreateSession(r.Context(), t)
	if err != nil {
		s.logger.Error("failed to create session", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := t.state.deliver(p); err != nil {
		t.logger.Warn("failed to deliver first payload", "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(callbackEnvelope{SessionInfo: &sessionInfo{ID: sess.ID()}}); err != nil {
		t.logger.Warn("failed to write session info", "err", err)
	}
}

func (t *callbackServerTransport) Connect(_ context.Context, sessionID string, ingest IngestFunc, onClose func()) error {
	if err := t.state.bind(sessionID, ingest, onClose); err != nil {
		return err
	}
	t.logger = t.logger.With(slog.String("sessionID", sessionID))
	t.server.transports.Store(sessionID, t)
	return nil
}

func (t *callbackServerTransport) setCallbackURL(u string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbackURL = u
}

func (t *callbackServerTransport) SendOutgoing(ctx context.Context, p Payload) error {
	if err := t.state.checkSend(); err != nil {
		return err
	}

	t.mu.Lock()
	target := t.callbackURL
	t.mu.Unlock()

	body, err := EncodePayload(p)
	if err != nil {
		return err
	}
	if _, err := postJSON(ctx, t.server.httpClient, target, body, t.server.retry, t.logger); err != nil {
		if errors.Is(err, errGone) {
			t.logger.Warn("client dropped the session, closing")
			_ = t.Close()
			return fmt.Errorf("%w: %w", ErrTransportClosed, err)
		}
		return err
	}
	return nil
}

func (t *callbackServerTransport) Close() error {
	if !t.state.markClosed() {
		return nil
	}
	if id := t.state.id(); id != "" {
		t.server.transports.CompareAndDelete(id, t)
	}
	t.state.notifyClosed()
	return nil
}

func (t *callbackServerTransport) IsClosed() bool {
	return t.state.isClosed()
}

// postJSON POSTs body and returns the response body. Network errors and 5xx or 429
// answers are retried; 404 and 410 yield errGone; other 4xx fail at once.
func postJSON(ctx context.Context, client *http.Client, target string, body []byte, retry retryConfig,
	logger *slog.Logger,
) ([]byte, error) {
	var respBody []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			respBody = data
			return nil
		case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
			return backoff.Permanent(fmt.Errorf("%w: status %d", errGone, resp.StatusCode))
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
		}
	}

	eb := backoff.NewExponentialBackOff()
	if retry.initialInterval > 0 {
		eb.InitialInterval = retry.initialInterval
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, retry.maxRetries), ctx)

	notify := func(err error, wait time.Duration) {
		logger.Warn("POST failed, retrying", slog.Duration("wait", wait), "err", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return respBody, nil
}
