package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Handler routes the incoming payloads of sessions to registered executors.
//
// Requests are answered with exactly one Result or Error. Each in-flight request
// gets a cancellation context keyed by (session id, request id) that ends when the
// executor returns, when the peer sends notifications/cancelled, or when the
// session closes. Notifications are executed and their failures only logged.
// Results and Errors are left to Session.Call listeners.
type Handler struct {
	logger *slog.Logger

	mu            sync.RWMutex
	methods       map[string]MethodExecutor
	notifications map[string]NotificationExecutor

	requests *cancellationTable

	allow          func(context.Context, string) bool
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	telemetry      *telemetry
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

type cancelledParams struct {
	RequestID MustString `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

// WithHandlerLogger sets the logger used for handler-level records. Records about a
// session go to the session logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithRateLimit limits every method to rate requests per second per session with
// the given burst. Rejected requests are answered with CodeRateLimited.
func WithRateLimit(rate, burst int) HandlerOption {
	return func(h *Handler) {
		limiter := ratelimit.New(&ratelimit.Config{
			Rate:     rate,
			Burst:    burst,
			Interval: time.Second,
		})
		h.allow = limiter.Allow
	}
}

// WithTracerProvider sets the tracer provider for request spans. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) HandlerOption {
	return func(h *Handler) {
		h.tracerProvider = tp
	}
}

// WithMeterProvider sets the meter provider for dispatcher metrics. The global
// provider is used by default.
func WithMeterProvider(mp metric.MeterProvider) HandlerOption {
	return func(h *Handler) {
		h.meterProvider = mp
	}
}

// NewHandler creates a Handler with the built-in ping method and the
// notifications/cancelled notification registered.
func NewHandler(options ...HandlerOption) *Handler {
	h := &Handler{
		logger:        slog.Default(),
		methods:       make(map[string]MethodExecutor),
		notifications: make(map[string]NotificationExecutor),
		requests:      newCancellationTable(),
	}
	for _, opt := range options {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.telemetry = newTelemetry(h.tracerProvider, h.meterProvider)

	h.HandleMethod(MethodPing, MethodFunc(func(*RequestContext) (any, error) {
		return struct{}{}, nil
	}))
	h.HandleNotification(MethodNotificationsCancelled, Notify(h.handleCancelled))
	h.HandleNotification(methodNotificationsInitialized, NotificationFunc(
		func(context.Context, *Session, *Notification) error { return nil }))

	return h
}

// HandleMethod registers the executor for a request method, replacing any previous one.
func (h *Handler) HandleMethod(method string, exec MethodExecutor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods[method] = exec
}

// HandleNotification registers the executor for a notification method, replacing
// any previous one.
func (h *Handler) HandleNotification(method string, exec NotificationExecutor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifications[method] = exec
}

// Serve subscribes to the incoming stream of sess and dispatches every payload
// until the session closes or ctx is done. Each request and notification runs on
// its own goroutine. On return, the in-flight requests of sess are cancelled and
// waited for.
func (h *Handler) Serve(ctx context.Context, sess *Session) error {
	return h.ServeSubscription(ctx, sess, sess.Subscribe(Incoming))
}

// ServeSubscription is Serve over a subscription the caller already attached,
// which lets the caller subscribe before the session receives its first payload.
// The subscription is closed on return.
func (h *Handler) ServeSubscription(ctx context.Context, sess *Session, sub *Subscription) error {
	defer sub.Close()

	var wg sync.WaitGroup
	defer func() {
		h.requests.dropSession(sess.ID(), ErrSessionClosed)
		wg.Wait()
	}()

	for {
		p, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return nil
			}
			return err
		}

		switch p := p.(type) {
		case *Request:
			// Acquired in arrival order, so a cancellation right behind the
			// request always finds its entry.
			key, entry := h.acquireRequest(ctx, sess, p)
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.runRequest(sess, p, key, entry)
			}()
		case *Notification:
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.handleNotification(ctx, sess, p)
			}()
		default:
			h.Handle(ctx, sess, p)
		}
	}
}

// Handle dispatches one payload of sess and returns when its executor is done.
func (h *Handler) Handle(ctx context.Context, sess *Session, p Payload) {
	switch p := p.(type) {
	case *Request:
		h.handleRequest(ctx, sess, p)
	case *Notification:
		h.handleNotification(ctx, sess, p)
	case *Result, *Error:
		// Consumed by Session.Call listeners.
	default:
		sess.logger.Error("dropping payload of unknown kind", slog.String("type", fmt.Sprintf("%T", p)))
	}
}

// CancelRequest cancels the in-flight request id of the session. It reports
// whether such a request was found.
func (h *Handler) CancelRequest(sessionID string, id MustString) bool {
	return h.requests.cancel(requestKey{sessionID: sessionID, requestID: id}, "")
}

// InFlight returns the number of tracked in-flight request ids across sessions.
func (h *Handler) InFlight() int {
	return h.requests.len()
}

func (h *Handler) handleRequest(ctx context.Context, sess *Session, req *Request) {
	key, entry := h.acquireRequest(ctx, sess, req)
	h.runRequest(sess, req, key, entry)
}

// acquireRequest registers the cancellation entry of req. runRequest releases it.
func (h *Handler) acquireRequest(ctx context.Context, sess *Session, req *Request) (requestKey, *requestEntry) {
	key := requestKey{sessionID: sess.ID(), requestID: req.ID}
	entry, shared := h.requests.acquire(ctx, sess, key)
	if shared {
		sess.logger.Warn("duplicate request id in flight, sharing its cancellation",
			slog.String("method", req.Method), slog.String("requestID", string(req.ID)))
	}
	return key, entry
}

func (h *Handler) runRequest(sess *Session, req *Request, key requestKey, entry *requestEntry) {
	defer h.requests.release(key, entry)
	logger := sess.logger.With(slog.String("method", req.Method), slog.String("requestID", string(req.ID)))

	reqCtx, finish := h.telemetry.startRequest(entry.ctx, sess.ID(), req)

	rc := &RequestContext{ctx: reqCtx, session: sess, request: req}
	rc.respond = func(p Payload) error {
		if !h.requests.claimResponse(entry) {
			logger.Warn("dropping extra response for request id")
			return ErrAlreadyReplied
		}
		return sess.PostOutgoing(p)
	}

	code, err := h.execute(logger, rc)
	finish(code, err)
}

// execute runs the executor and posts its outcome unless it already replied. It
// returns the error code posted, zero on success.
func (h *Handler) execute(logger *slog.Logger, rc *RequestContext) (int, error) {
	req := rc.request

	if h.allow != nil && !h.allow(rc.ctx, rc.session.ID()+"/"+req.Method) {
		logger.Warn("rate limit exceeded")
		return CodeRateLimited, h.reply(logger, rc, NewError(req.ID, CodeRateLimited, "rate limit exceeded"))
	}

	h.mu.RLock()
	exec, ok := h.methods[req.Method]
	h.mu.RUnlock()
	if !ok {
		return CodeMethodNotFound, h.reply(logger, rc,
			NewError(req.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method)))
	}

	value, err := runMethod(exec, rc)

	if rc.Replied() {
		if err != nil {
			logger.Warn("executor failed after replying", "err", err)
		}
		return 0, nil
	}

	if cause := context.Cause(rc.ctx); cause != nil && !errors.Is(cause, errRequestDone) {
		logger.Info("request cancelled", slog.String("cause", cause.Error()))
		return CodeRequestCancelled, h.reply(logger, rc, NewError(req.ID, CodeRequestCancelled, "request cancelled"))
	}

	if err != nil {
		perr := errorPayload(req.ID, err)
		if perr.Code == CodeInternalError {
			logger.Error("executor failed", "err", err)
		}
		h.reply(logger, rc, perr)
		return perr.Code, err
	}

	res, err := NewResult(req.ID, value)
	if err != nil {
		logger.Error("failed to encode result", "err", err)
		return CodeInternalError, h.reply(logger, rc, NewError(req.ID, CodeInternalError, "failed to encode result"))
	}
	if err := h.reply(logger, rc, res); err != nil {
		return CodeInternalError, err
	}
	return 0, nil
}

func (h *Handler) reply(logger *slog.Logger, rc *RequestContext, p Payload) error {
	err := rc.post(p)
	switch {
	case err == nil, errors.Is(err, ErrAlreadyReplied):
		return nil
	case errors.Is(err, ErrSessionClosed):
		logger.Debug("session closed before response was posted")
		return nil
	default:
		logger.Error("failed to post response", "err", err)
		return err
	}
}

func runMethod(exec MethodExecutor, rc *RequestContext) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v\n%s", r, debug.Stack())
		}
	}()
	return exec.Execute(rc)
}

func (h *Handler) handleNotification(ctx context.Context, sess *Session, n *Notification) {
	logger := sess.logger.With(slog.String("method", n.Method))
	h.telemetry.countNotification(ctx, n.Method)

	h.mu.RLock()
	exec, ok := h.notifications[n.Method]
	h.mu.RUnlock()
	if !ok {
		logger.Debug("no executor for notification")
		return
	}

	nctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(sess.Context(), func() {
		cancel(context.Cause(sess.Context()))
	})
	defer func() {
		stop()
		cancel(nil)
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("notification executor panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()

	if err := exec.Execute(nctx, sess, n); err != nil {
		logger.Warn("notification executor failed", "err", err)
	}
}

func (h *Handler) handleCancelled(_ context.Context, sess *Session, params cancelledParams) error {
	key := requestKey{sessionID: sess.ID(), requestID: params.RequestID}
	if !h.requests.cancel(key, params.Reason) {
		sess.logger.Debug("cancellation for unknown request", slog.String("requestID", string(params.RequestID)))
	}
	return nil
}

func errorPayload(id MustString, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return &Error{ID: id, Code: perr.Code, Message: perr.Message, Data: perr.Data}
	}
	var rpcErr JSONRPCError
	if errors.As(err, &rpcErr) {
		return &Error{ID: id, Code: rpcErr.Code, Message: rpcErr.Message, Data: rpcErr.Data}
	}
	var rpcErrPtr *JSONRPCError
	if errors.As(err, &rpcErrPtr) {
		return &Error{ID: id, Code: rpcErrPtr.Code, Message: rpcErrPtr.Message, Data: rpcErrPtr.Data}
	}
	return &Error{ID: id, Code: CodeInternalError, Message: "internal error"}
}
