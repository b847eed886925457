// Package mcp implements the session and multiplexing engine of the Model Context
// Protocol (MCP): JSON-RPC payloads flowing between a Transport and a Session, with
// a Handler dispatching them to registered executors.
//
// A SessionManager binds a Transport (stdio pipes, SSE, HTTP callbacks, WebSocket
// or an in-memory pair) to a new Session. The Session is a duplex bus: payloads
// received from the peer go to its incoming stream, payloads for the peer go to its
// outgoing stream, and any number of Subscriptions may read either stream at their
// own pace. The manager forwards every outgoing payload to the transport and closes
// the session and the transport together.
//
// A Handler serves the incoming stream of a session. Requests are routed by method to
// a MethodExecutor and answered with exactly one Result or Error; notifications go to
// a NotificationExecutor; Results and Errors are picked up by Session.Call.
//
// A minimal stdio tool server:
//
//	h := mcp.NewHandler()
//	h.HandleMethod("add", mcp.Method(func(rc *mcp.RequestContext, in addParams) (addResult, error) {
//		return addResult{Total: in.A + in.B}, nil
//	}))
//
//	m := mcp.NewSessionManager(mcp.WithSessionHandler(h))
//	sess, err := m.CreateSession(ctx, mcp.NewStdIO(os.Stdin, os.Stdout))
//	if err != nil {
//		log.Fatal(err)
//	}
//	<-sess.Done()
package mcp
