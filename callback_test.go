package mcp_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/go-mcp-mux"
	"github.com/MegaGrindStone/go-mcp-mux/internal/logging"
	"github.com/MegaGrindStone/go-mcp-mux/servers/calculator"
)

type callbackFixture struct {
	server        *httptest.Server
	receiverSrv   *httptest.Server
	receiver      *mcp.CallbackReceiver
	serverManager *mcp.SessionManager
	clientManager *mcp.SessionManager
}

// newCallbackFixture starts a callback server, optionally behind wrap, and a
// receiver for its clients.
func newCallbackFixture(t *testing.T, wrap func(http.Handler) http.Handler) *callbackFixture {
	t.Helper()

	h := mcp.NewHandler(mcp.WithHandlerLogger(logging.Nop()))
	calculator.Register(h)
	serverManager := mcp.NewSessionManager(mcp.WithSessionHandler(h), mcp.WithManagerLogger(logging.Nop()))
	clientManager := mcp.NewSessionManager(mcp.WithManagerLogger(logging.Nop()))

	var handler http.Handler = mcp.NewCallbackServer(serverManager, nil,
		mcp.WithCallbackServerLogger(logging.Nop()),
		mcp.WithCallbackServerRetry(2, 10*time.Millisecond))
	if wrap != nil {
		handler = wrap(handler)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	mux := http.NewServeMux()
	receiverSrv := httptest.NewServer(mux)
	t.Cleanup(receiverSrv.Close)
	receiver := mcp.NewCallbackReceiver(receiverSrv.URL+"/callback", mcp.WithCallbackReceiverLogger(logging.Nop()))
	mux.Handle("/callback/", receiver)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		require.NoError(t, clientManager.Close(ctx))
		require.NoError(t, serverManager.Close(ctx))
	})

	return &callbackFixture{
		server:        server,
		receiverSrv:   receiverSrv,
		receiver:      receiver,
		serverManager: serverManager,
		clientManager: clientManager,
	}
}

func (f *callbackFixture) connect(t *testing.T, options ...mcp.CallbackClientOption) (*mcp.Session, *mcp.CallbackClient) {
	t.Helper()
	options = append([]mcp.CallbackClientOption{mcp.WithCallbackClientLogger(logging.Nop())}, options...)
	client := mcp.NewCallbackClient(f.server.URL, f.receiver, nil, options...)
	sess, err := f.clientManager.CreateSession(context.Background(), client)
	require.NoError(t, err)
	return sess, client
}

func TestCallbackCall(t *testing.T) {
	f := newCallbackFixture(t, nil)
	sess, client := f.connect(t)
	require.Empty(t, client.RemoteSessionID())

	res, err := call(t, sess, calculator.MethodAdd, calculator.Operands{A: 5, B: 3})
	require.NoError(t, err)
	require.JSONEq(t, `{"total":8}`, string(res.Value))

	remoteID := client.RemoteSessionID()
	require.NotEmpty(t, remoteID)
	_, ok := f.serverManager.Session(remoteID)
	require.True(t, ok)

	// Later requests reuse the same server session.
	_, err = call(t, sess, calculator.MethodSubtract, calculator.Operands{A: 5, B: 3})
	require.NoError(t, err)
	require.Equal(t, remoteID, client.RemoteSessionID())
	require.Equal(t, 1, f.serverManager.Len())
}

func TestCallbackClientCloseDisconnects(t *testing.T) {
	f := newCallbackFixture(t, nil)
	sess, client := f.connect(t)

	_, err := call(t, sess, mcp.MethodPing, nil)
	require.NoError(t, err)
	server, ok := f.serverManager.Session(client.RemoteSessionID())
	require.True(t, ok)

	sess.Close()
	waitClosed(t, server)
}

func TestCallbackServerDropClosesClient(t *testing.T) {
	f := newCallbackFixture(t, nil)
	sess, client := f.connect(t)

	_, err := call(t, sess, mcp.MethodPing, nil)
	require.NoError(t, err)
	server, ok := f.serverManager.Session(client.RemoteSessionID())
	require.True(t, ok)
	server.Close()

	// The next POST is answered 404, which closes the client.
	require.NoError(t, sess.Notify("notifications/initialized", nil))
	waitClosed(t, sess)
	require.True(t, client.IsClosed())
}

func TestCallbackClientRetries(t *testing.T) {
	var failures atomic.Int32
	f := newCallbackFixture(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if failures.Add(1) <= 2 {
				http.Error(w, "warming up", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	sess, _ := f.connect(t, mcp.WithCallbackClientRetry(3, 5*time.Millisecond))

	_, err := call(t, sess, mcp.MethodPing, nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, failures.Load(), int32(3))
}

func TestCallbackServerStatus(t *testing.T) {
	f := newCallbackFixture(t, nil)

	tests := []struct {
		name   string
		method string
		query  string
		body   string
		want   int
	}{
		{name: "wrong method", method: http.MethodGet, want: http.StatusMethodNotAllowed},
		{name: "malformed body", method: http.MethodPost, body: `not json`, want: http.StatusBadRequest},
		{name: "invalid message", method: http.MethodPost, body: `{"jsonrpc":"1.0","method":"ping"}`, want: http.StatusBadRequest},
		{
			name:   "missing callback url",
			method: http.MethodPost,
			body:   `{"jsonrpc":"2.0","id":"1","method":"ping"}`,
			want:   http.StatusBadRequest,
		},
		{
			name:   "unknown session",
			method: http.MethodPost,
			query:  "?sessionId=nope",
			body:   `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			want:   http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, f.server.URL+tt.query, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := f.server.Client().Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			require.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestCallbackReceiverStatus(t *testing.T) {
	f := newCallbackFixture(t, nil)
	sess, _ := f.connect(t)

	post := func(path, body string) int {
		resp, err := f.receiverSrv.Client().Post(f.receiverSrv.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	notification := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	require.Equal(t, http.StatusGone, post("/callback/unknown", notification))
	require.Equal(t, http.StatusBadRequest, post("/callback/"+sess.ID(), `not json`))
	require.Equal(t, http.StatusAccepted, post("/callback/"+sess.ID(), notification))

	sess.Close()
	require.Equal(t, http.StatusGone, post("/callback/"+sess.ID(), notification))
}
