package mcp

import "errors"

var (
	// ErrSessionClosed is returned when posting to, or reading from, a closed Session.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionNotFound is returned by an ingest function once its Session is gone,
	// so the transport can stop delivering (or retrying) for it.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAlreadyConnected is returned when Connect is called on a transport that is
	// already bound to a Session.
	ErrAlreadyConnected = errors.New("transport already connected")

	// ErrNotConnected is returned when sending through a transport before Connect.
	ErrNotConnected = errors.New("transport not connected")

	// ErrTransportClosed is returned when sending through a closed transport.
	ErrTransportClosed = errors.New("transport closed")

	// ErrHandshake is returned by Connect when the remote end does not complete the
	// transport preamble, for example an SSE stream without an endpoint event.
	ErrHandshake = errors.New("transport handshake failed")

	// ErrInvalidPayload is returned when bytes cannot be classified as a JSON-RPC message.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrAlreadyReplied is returned by RequestContext.Reply when a terminal response
	// was already posted for the request.
	ErrAlreadyReplied = errors.New("request already replied")
)
