package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MethodExecutor runs one request method. The returned value is posted as the Result
// unless the executor already replied through the RequestContext. A returned
// JSONRPCError or *Error keeps its code; any other error is answered with
// CodeInternalError.
type MethodExecutor interface {
	Execute(rc *RequestContext) (any, error)
}

// NotificationExecutor runs one notification method. Its error is only logged, the
// peer never sees it.
type NotificationExecutor interface {
	Execute(ctx context.Context, sess *Session, n *Notification) error
}

// MethodFunc adapts a function to MethodExecutor.
type MethodFunc func(rc *RequestContext) (any, error)

// NotificationFunc adapts a function to NotificationExecutor.
type NotificationFunc func(ctx context.Context, sess *Session, n *Notification) error

// ExecutorOption configures the typed executors built by Method and Notify.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	schema *jsonschema.Schema
}

// RequestContext is what a MethodExecutor sees of the request it serves.
type RequestContext struct {
	ctx     context.Context
	session *Session
	request *Request

	replied atomic.Bool
	respond func(Payload) error
}

type methodExecutor[In, Out any] struct {
	fn     func(rc *RequestContext, in In) (Out, error)
	config executorConfig
}

type notificationExecutor[In any] struct {
	fn     func(ctx context.Context, sess *Session, in In) error
	config executorConfig
}

// Execute implements MethodExecutor.
func (f MethodFunc) Execute(rc *RequestContext) (any, error) {
	return f(rc)
}

// Execute implements NotificationExecutor.
func (f NotificationFunc) Execute(ctx context.Context, sess *Session, n *Notification) error {
	return f(ctx, sess, n)
}

// WithParamsSchema validates params against a JSON schema before decoding them.
// It panics if the schema does not compile, like regexp.MustCompile.
func WithParamsSchema(schema string) ExecutorOption {
	compiled := mustCompileSchema(schema)
	return func(c *executorConfig) {
		c.schema = compiled
	}
}

// Method builds a MethodExecutor that decodes params into In and encodes the
// returned Out as the result. Params that fail to decode, or to validate, are
// answered with CodeInvalidParams.
func Method[In, Out any](fn func(rc *RequestContext, in In) (Out, error), options ...ExecutorOption) MethodExecutor {
	m := methodExecutor[In, Out]{fn: fn}
	for _, opt := range options {
		opt(&m.config)
	}
	return m
}

// Notify builds a NotificationExecutor that decodes params into In.
func Notify[In any](fn func(ctx context.Context, sess *Session, in In) error,
	options ...ExecutorOption,
) NotificationExecutor {
	n := notificationExecutor[In]{fn: fn}
	for _, opt := range options {
		opt(&n.config)
	}
	return n
}

func (m methodExecutor[In, Out]) Execute(rc *RequestContext) (any, error) {
	var in In
	if err := m.config.decode(rc.request.Params, &in); err != nil {
		return nil, err
	}
	return m.fn(rc, in)
}

func (n notificationExecutor[In]) Execute(ctx context.Context, sess *Session, notif *Notification) error {
	var in In
	if err := n.config.decode(notif.Params, &in); err != nil {
		return err
	}
	return n.fn(ctx, sess, in)
}

func (c executorConfig) decode(params json.RawMessage, v any) error {
	if c.schema != nil {
		var doc any
		raw := params
		if isNullJSON(raw) {
			raw = json.RawMessage("{}")
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return invalidParams(err)
		}
		if err := c.schema.Validate(doc); err != nil {
			return invalidParams(err)
		}
	}

	if isNullJSON(params) {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams(err)
	}
	return nil
}

func invalidParams(err error) JSONRPCError {
	return JSONRPCError{
		Code:    CodeInvalidParams,
		Message: "invalid params",
		Data:    map[string]any{"error": err.Error()},
	}
}

func mustCompileSchema(schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("schema.json", bytes.NewReader([]byte(schema))); err != nil {
		panic(fmt.Sprintf("mcp: failed to add params schema: %v", err))
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		panic(fmt.Sprintf("mcp: failed to compile params schema: %v", err))
	}
	return compiled
}

// Context returns the request context. It is cancelled when the peer cancels the
// request, when the session closes, or when the request completes.
func (rc *RequestContext) Context() context.Context {
	return rc.ctx
}

// Session returns the session the request arrived on.
func (rc *RequestContext) Session() *Session {
	return rc.session
}

// Request returns the request being served.
func (rc *RequestContext) Request() *Request {
	return rc.request
}

// Reply posts value as the Result. Only the first reply, or error reply, counts;
// later calls return ErrAlreadyReplied.
func (rc *RequestContext) Reply(value any) error {
	res, err := NewResult(rc.request.ID, value)
	if err != nil {
		return err
	}
	return rc.post(res)
}

// ReplyError posts an Error with the given code and message.
func (rc *RequestContext) ReplyError(code int, message string) error {
	return rc.post(NewError(rc.request.ID, code, message))
}

// Replied reports whether a terminal response was posted for this request.
func (rc *RequestContext) Replied() bool {
	return rc.replied.Load()
}

func (rc *RequestContext) post(p Payload) error {
	if !rc.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	return rc.respond(p)
}
