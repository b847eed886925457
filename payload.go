package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// PayloadKind discriminates the four JSON-RPC message shapes.
type PayloadKind int

// Payload kinds.
const (
	KindRequest PayloadKind = iota + 1
	KindNotification
	KindResult
	KindError
)

// Payload is one JSON-RPC message exchanged over a Session. The concrete type is
// always one of *Request, *Notification, *Result or *Error.
type Payload interface {
	Kind() PayloadKind
	message() JSONRPCMessage
}

// Request expects exactly one terminal response (Result or Error) correlated by ID.
type Request struct {
	ID     MustString
	Method string
	Params json.RawMessage
}

// Notification is fire-and-forget and is never answered.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Result is the terminal success response to a Request.
type Result struct {
	ID    MustString
	Value json.RawMessage
}

// Error is the terminal failure response to a Request. It also implements the
// error interface, so a caller waiting on a Request can return it directly.
type Error struct {
	ID      MustString
	Code    int
	Message string
	Data    map[string]any
}

// MustString is a type that enforces string representation for fields that can be either string or integer
// on the wire, such as request IDs and progress tokens. It handles automatic conversion
// during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
const JSONRPCVersion = "2.0"

// Standard JSON-RPC error codes, plus the codes this package answers with on its own.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeRateLimited      = -32003
	CodeRequestCancelled = -32800
)

// Method names handled by the engine itself.
const (
	MethodPing                     = "ping"
	MethodNotificationsCancelled   = "notifications/cancelled"
	MethodDisconnect               = "disconnect"
	methodNotificationsInitialized = "notifications/initialized"
)

// NewRequest builds a Request with a fresh unique ID. Params are marshaled to JSON;
// a nil params value produces a Request without params.
func NewRequest(method string, params any) (*Request, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return &Request{
		ID:     MustString(uuid.New().String()),
		Method: method,
		Params: raw,
	}, nil
}

// NewNotification builds a Notification, marshaling params to JSON.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return &Notification{Method: method, Params: raw}, nil
}

// NewResult builds a Result for the request id, marshaling value to JSON.
func NewResult(id MustString, value any) (*Result, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Result{ID: id, Value: raw}, nil
}

// NewError builds an Error for the request id.
func NewError(id MustString, code int, message string) *Error {
	return &Error{ID: id, Code: code, Message: message}
}

// Kind implements Payload.
func (*Request) Kind() PayloadKind { return KindRequest }

// Kind implements Payload.
func (*Notification) Kind() PayloadKind { return KindNotification }

// Kind implements Payload.
func (*Result) Kind() PayloadKind { return KindResult }

// Kind implements Payload.
func (*Error) Kind() PayloadKind { return KindError }

func (r *Request) message() JSONRPCMessage {
	return JSONRPCMessage{JSONRPCVersion, r.ID, r.Method, r.Params, nil, nil}
}

func (n *Notification) message() JSONRPCMessage {
	return JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: n.Method, Params: n.Params}
}

func (r *Result) message() JSONRPCMessage {
	value := r.Value
	if len(value) == 0 {
		// The result member is required on success responses.
		value = json.RawMessage("null")
	}
	return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: r.ID, Result: value}
}

func (e *Error) message() JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      e.ID,
		Error:   &JSONRPCError{Code: e.Code, Message: e.Message, Data: e.Data},
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("request %s failed, code: %d, message: %s", e.ID, e.Code, e.Message)
}

// Decode unmarshals the result value into v.
func (r *Result) Decode(v any) error {
	if err := json.Unmarshal(r.Value, v); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

// EncodePayload serializes p into its JSON-RPC wire form, without trailing newline.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	bs, err := json.Marshal(p.message())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return bs, nil
}

// DecodePayload parses one JSON-RPC message and classifies it by shape.
func DecodePayload(data []byte) (Payload, error) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return PayloadFromMessage(msg)
}

// PayloadFromMessage classifies an already decoded wire message.
func PayloadFromMessage(msg JSONRPCMessage) (Payload, error) {
	if msg.JSONRPC != JSONRPCVersion {
		return nil, fmt.Errorf("%w: invalid jsonrpc version: %q", ErrInvalidPayload, msg.JSONRPC)
	}

	switch {
	case msg.Method != "" && msg.ID != "":
		return &Request{ID: msg.ID, Method: msg.Method, Params: msg.Params}, nil
	case msg.Method != "":
		return &Notification{Method: msg.Method, Params: msg.Params}, nil
	case msg.ID != "" && msg.Error != nil:
		return &Error{ID: msg.ID, Code: msg.Error.Code, Message: msg.Error.Message, Data: msg.Error.Data}, nil
	case msg.ID != "":
		return &Result{ID: msg.ID, Value: msg.Result}, nil
	default:
		return nil, fmt.Errorf("%w: message has neither method nor id", ErrInvalidPayload)
	}
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		// Shortest exact form, so 1.5 never collides with 1.
		*m = MustString(strconv.FormatFloat(v, 'f', -1, 64))
	case nil:
		*m = ""
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

// Error implements the error interface, so executors can return a JSONRPCError to
// answer with a specific code.
func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}
