package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MegaGrindStone/go-mcp-mux"
	"github.com/MegaGrindStone/go-mcp-mux/servers/calculator"
)

func call(t *testing.T, sess *mcp.Session, method string, params any) (*mcp.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return sess.Call(ctx, method, params)
}

func requireRPCError(t *testing.T, err error, code int) *mcp.Error {
	t.Helper()
	var perr *mcp.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, code, perr.Code, perr.Message)
	return perr
}

// responsesFor reads sub until no payload arrives for quiet, and returns the
// terminal responses to id seen so far.
func responsesFor(t *testing.T, sub *mcp.Subscription, id mcp.MustString, quiet time.Duration) []mcp.Payload {
	t.Helper()

	var got []mcp.Payload
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		wait := testTimeout
		if len(got) > 0 {
			wait = quiet
		}
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		p, err := sub.Next(ctx)
		cancel()
		if err != nil {
			break
		}
		switch p := p.(type) {
		case *mcp.Result:
			if p.ID == id {
				got = append(got, p)
			}
		case *mcp.Error:
			if p.ID == id {
				got = append(got, p)
			}
		}
	}
	return got
}

func TestHandlerCalculatorAdd(t *testing.T) {
	h := mcp.NewHandler()
	calculator.Register(h)
	pair := newSessionPair(t, h)

	res, err := call(t, pair.client, calculator.MethodAdd, map[string]float64{"a": 5, "b": 3})
	require.NoError(t, err)

	var sum calculator.SumResult
	require.NoError(t, res.Decode(&sum))
	require.InDelta(t, 8, sum.Total, 0)
}

func TestHandlerPing(t *testing.T) {
	pair := newSessionPair(t, mcp.NewHandler())

	res, err := call(t, pair.client, mcp.MethodPing, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(res.Value))
}

func TestHandlerMethodNotFound(t *testing.T) {
	pair := newSessionPair(t, mcp.NewHandler())

	_, err := call(t, pair.client, "tools/list", nil)
	perr := requireRPCError(t, err, mcp.CodeMethodNotFound)
	require.Contains(t, perr.Message, "tools/list")
}

func TestHandlerInvalidParams(t *testing.T) {
	h := mcp.NewHandler()
	calculator.Register(h)
	pair := newSessionPair(t, h)

	tests := []struct {
		name   string
		params any
	}{
		{name: "wrong type", params: map[string]any{"a": "five", "b": 3}},
		{name: "missing operand", params: map[string]any{"a": 5}},
		{name: "no params", params: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call(t, pair.client, calculator.MethodAdd, tt.params)
			perr := requireRPCError(t, err, mcp.CodeInvalidParams)
			require.Contains(t, perr.Data, "error")
		})
	}
}

func TestHandlerExecutorErrors(t *testing.T) {
	h := mcp.NewHandler()
	h.HandleMethod("custom", mcp.MethodFunc(func(*mcp.RequestContext) (any, error) {
		return nil, mcp.JSONRPCError{Code: -32001, Message: "quota exhausted"}
	}))
	h.HandleMethod("wrapped", mcp.MethodFunc(func(rc *mcp.RequestContext) (any, error) {
		return nil, errors.Join(errors.New("lookup failed"), mcp.NewError(rc.Request().ID, -32002, "not here"))
	}))
	h.HandleMethod("plain", mcp.MethodFunc(func(*mcp.RequestContext) (any, error) {
		return nil, errors.New("secret database detail")
	}))
	pair := newSessionPair(t, h)

	_, err := call(t, pair.client, "custom", nil)
	perr := requireRPCError(t, err, -32001)
	require.Equal(t, "quota exhausted", perr.Message)

	_, err = call(t, pair.client, "wrapped", nil)
	requireRPCError(t, err, -32002)

	_, err = call(t, pair.client, "plain", nil)
	perr = requireRPCError(t, err, mcp.CodeInternalError)
	require.NotContains(t, perr.Message, "secret")
}

func TestHandlerRecoversPanic(t *testing.T) {
	logger, logs := newTestLogger()
	h := mcp.NewHandler()
	h.HandleMethod("explode", mcp.MethodFunc(func(*mcp.RequestContext) (any, error) {
		panic("kaboom")
	}))
	pair := newSessionPair(t, h, mcp.WithManagerLogger(logger))

	_, err := call(t, pair.client, "explode", nil)
	requireRPCError(t, err, mcp.CodeInternalError)
	require.Contains(t, logs.String(), "kaboom")

	// The session survives the panic.
	_, err = call(t, pair.client, mcp.MethodPing, nil)
	require.NoError(t, err)
}

func TestHandlerAtMostOneResponse(t *testing.T) {
	secondReply := make(chan error, 1)
	h := mcp.NewHandler()
	h.HandleMethod("chatty", mcp.MethodFunc(func(rc *mcp.RequestContext) (any, error) {
		if err := rc.Reply("first"); err != nil {
			return nil, err
		}
		secondReply <- rc.Reply("second")
		return "third", nil
	}))
	pair := newSessionPair(t, h)

	sub := pair.client.Subscribe(mcp.Incoming)
	defer sub.Close()
	require.NoError(t, pair.client.PostOutgoing(&mcp.Request{ID: "once", Method: "chatty"}))

	got := responsesFor(t, sub, "once", 200*time.Millisecond)
	require.Len(t, got, 1)
	res, ok := got[0].(*mcp.Result)
	require.True(t, ok)
	require.JSONEq(t, `"first"`, string(res.Value))
	require.ErrorIs(t, <-secondReply, mcp.ErrAlreadyReplied)
}

func TestHandlerDuplicateRequestIDShareCancellation(t *testing.T) {
	logger, logs := newTestLogger()
	started := make(chan struct{}, 2)
	causes := make(chan error, 2)

	h := mcp.NewHandler()
	h.HandleMethod("block", mcp.MethodFunc(func(rc *mcp.RequestContext) (any, error) {
		started <- struct{}{}
		<-rc.Context().Done()
		causes <- context.Cause(rc.Context())
		return nil, rc.Context().Err()
	}))
	pair := newSessionPair(t, h, mcp.WithManagerLogger(logger))

	sub := pair.client.Subscribe(mcp.Incoming)
	defer sub.Close()

	for range 2 {
		require.NoError(t, pair.client.PostOutgoing(&mcp.Request{ID: "dup", Method: "block"}))
	}
	for range 2 {
		select {
		case <-started:
		case <-time.After(testTimeout):
			t.Fatal("executor did not start")
		}
	}
	require.Equal(t, 1, h.InFlight())
	require.Equal(t, 1, logs.Count("duplicate request id in flight"))

	require.NoError(t, pair.client.Notify(mcp.MethodNotificationsCancelled,
		map[string]string{"requestId": "dup", "reason": "user abort"}))

	for range 2 {
		require.ErrorIs(t, <-causes, mcp.ErrRequestCancelled)
	}

	got := responsesFor(t, sub, "dup", 200*time.Millisecond)
	require.Len(t, got, 1)
	perr, ok := got[0].(*mcp.Error)
	require.True(t, ok)
	require.Equal(t, mcp.CodeRequestCancelled, perr.Code)

	require.Eventually(t, func() bool { return h.InFlight() == 0 }, testTimeout, 10*time.Millisecond)
}

func TestHandlerCancelledRightBehindRequest(t *testing.T) {
	const n = 300
	outcomes := make(chan bool, n)

	h := mcp.NewHandler()
	h.HandleMethod("block", mcp.MethodFunc(func(rc *mcp.RequestContext) (any, error) {
		select {
		case <-rc.Context().Done():
			outcomes <- true
			return nil, rc.Context().Err()
		case <-time.After(time.Second):
			outcomes <- false
			return struct{}{}, nil
		}
	}))
	pair := newSessionPair(t, h)

	for i := range n {
		id := mcp.MustString(fmt.Sprintf("r%d", i))
		cancelled, err := mcp.NewNotification(mcp.MethodNotificationsCancelled, map[string]string{"requestId": string(id)})
		require.NoError(t, err)

		require.NoError(t, pair.server.PostIncoming(&mcp.Request{ID: id, Method: "block"}))
		require.NoError(t, pair.server.PostIncoming(cancelled))
	}

	lost := 0
	for range n {
		select {
		case ok := <-outcomes:
			if !ok {
				lost++
			}
		case <-time.After(testTimeout):
			t.Fatal("executor did not finish")
		}
	}
	require.Zero(t, lost, "requests that ran uncancelled")
	require.Eventually(t, func() bool { return h.InFlight() == 0 }, testTimeout, 10*time.Millisecond)
}

func TestHandlerCancellationContainment(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)

	h := mcp.NewHandler()
	h.HandleMethod("wait", mcp.MethodFunc(func(rc *mcp.RequestContext) (any, error) {
		started <- rc.Session().ID()
		select {
		case <-rc.Context().Done():
			return nil, rc.Context().Err()
		case <-release:
			return "released", nil
		}
	}))
	a := newSessionPair(t, h)
	b := newSessionPair(t, h)

	subA := a.client.Subscribe(mcp.Incoming)
	defer subA.Close()
	subB := b.client.Subscribe(mcp.Incoming)
	defer subB.Close()

	// Both sessions use the same request id.
	require.NoError(t, a.client.PostOutgoing(&mcp.Request{ID: "same", Method: "wait"}))
	require.NoError(t, b.client.PostOutgoing(&mcp.Request{ID: "same", Method: "wait"}))
	for range 2 {
		select {
		case <-started:
		case <-time.After(testTimeout):
			t.Fatal("executor did not start")
		}
	}
	require.Equal(t, 2, h.InFlight())

	require.True(t, h.CancelRequest(a.server.ID(), "same"))
	require.False(t, h.CancelRequest(a.server.ID(), "other"))

	gotA := responsesFor(t, subA, "same", 100*time.Millisecond)
	require.Len(t, gotA, 1)
	perr, ok := gotA[0].(*mcp.Error)
	require.True(t, ok)
	require.Equal(t, mcp.CodeRequestCancelled, perr.Code)

	// b is still running.
	require.Eventually(t, func() bool { return h.InFlight() == 1 }, testTimeout, 10*time.Millisecond)
	close(release)

	gotB := responsesFor(t, subB, "same", 100*time.Millisecond)
	require.Len(t, gotB, 1)
	res, ok := gotB[0].(*mcp.Result)
	require.True(t, ok)
	require.JSONEq(t, `"released"`, string(res.Value))
}

func TestHandlerSessionCloseCancelsRequests(t *testing.T) {
	started := make(chan struct{})
	causes := make(chan error, 1)

	h := mcp.NewHandler()
	h.HandleMethod("hang", mcp.MethodFunc(func(rc *mcp.RequestContext) (any, error) {
		close(started)
		<-rc.Context().Done()
		causes <- context.Cause(rc.Context())
		return nil, nil
	}))
	pair := newSessionPair(t, h)

	require.NoError(t, pair.client.PostOutgoing(&mcp.Request{ID: "1", Method: "hang"}))
	<-started
	pair.server.Close()

	select {
	case cause := <-causes:
		require.ErrorIs(t, cause, mcp.ErrSessionClosed)
	case <-time.After(testTimeout):
		t.Fatal("request was not cancelled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, pair.serverManager.Wait(ctx, pair.server.ID()))
	require.Zero(t, h.InFlight())
}

func TestHandlerSessionCloseCancelsBeforeCloseHooks(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})

	h := mcp.NewHandler()
	h.HandleMethod("block", mcp.MethodFunc(func(rc *mcp.RequestContext) (any, error) {
		close(started)
		<-rc.Context().Done()
		close(cancelled)
		return nil, rc.Context().Err()
	}))
	pair := newSessionPair(t, h)

	require.NoError(t, pair.client.PostOutgoing(&mcp.Request{ID: "slow-release", Method: "block"}))
	select {
	case <-started:
	case <-time.After(testTimeout):
		t.Fatal("executor did not start")
	}

	// Stands in for a transport whose release blocks for a grace period.
	var cancelledDuringHook bool
	pair.server.OnClose(func() {
		select {
		case <-cancelled:
			cancelledDuringHook = true
		case <-time.After(time.Second):
		}
	})
	pair.server.Close()

	require.True(t, cancelledDuringHook)
}

func TestHandlerNotificationDuringClose(t *testing.T) {
	logger, logs := newTestLogger()
	entered := make(chan struct{})
	causes := make(chan error, 1)

	h := mcp.NewHandler()
	h.HandleNotification("watch", mcp.NotificationFunc(func(ctx context.Context, _ *mcp.Session, _ *mcp.Notification) error {
		close(entered)
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return errors.New("watch interrupted")
	}))
	pair := newSessionPair(t, h, mcp.WithManagerLogger(logger))

	require.NoError(t, pair.client.Notify("watch", nil))
	<-entered
	pair.server.Close()

	select {
	case cause := <-causes:
		require.ErrorIs(t, cause, mcp.ErrSessionClosed)
	case <-time.After(testTimeout):
		t.Fatal("notification executor was not cancelled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, pair.serverManager.Wait(ctx, pair.server.ID()))

	// The failure is logged and never answered.
	require.Eventually(t, func() bool { return logs.Count("watch interrupted") == 1 }, testTimeout, 10*time.Millisecond)
}

func TestHandlerUnknownNotificationIgnored(t *testing.T) {
	pair := newSessionPair(t, mcp.NewHandler())

	require.NoError(t, pair.client.Notify("notifications/unknown", map[string]int{"x": 1}))
	_, err := call(t, pair.client, mcp.MethodPing, nil)
	require.NoError(t, err)
}

func TestHandlerTypedNotification(t *testing.T) {
	type progress struct {
		Token string `json:"token"`
		Done  int    `json:"done"`
	}
	got := make(chan progress, 1)

	h := mcp.NewHandler()
	h.HandleNotification("notifications/progress", mcp.Notify(
		func(_ context.Context, _ *mcp.Session, in progress) error {
			got <- in
			return nil
		}))
	pair := newSessionPair(t, h)

	require.NoError(t, pair.client.Notify("notifications/progress", progress{Token: "t", Done: 3}))
	select {
	case p := <-got:
		require.Equal(t, progress{Token: "t", Done: 3}, p)
	case <-time.After(testTimeout):
		t.Fatal("notification not delivered")
	}
}

func TestHandlerRateLimit(t *testing.T) {
	pair := newSessionPair(t, mcp.NewHandler(mcp.WithRateLimit(1, 1)))

	_, err := call(t, pair.client, mcp.MethodPing, nil)
	require.NoError(t, err)

	_, err = call(t, pair.client, mcp.MethodPing, nil)
	requireRPCError(t, err, mcp.CodeRateLimited)
}

func TestHandlerTelemetry(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()

	h := mcp.NewHandler(mcp.WithTracerProvider(tp), mcp.WithMeterProvider(mp))
	calculator.Register(h)
	pair := newSessionPair(t, h)

	_, err := call(t, pair.client, calculator.MethodAdd, map[string]float64{"a": 1, "b": 2})
	require.NoError(t, err)
	_, err = call(t, pair.client, calculator.MethodAdd, json.RawMessage(`{"a":"x"}`))
	requireRPCError(t, err, mcp.CodeInvalidParams)

	require.Eventually(t, func() bool { return len(exporter.GetSpans()) == 2 }, testTimeout, 10*time.Millisecond)

	var failed []tracetest.SpanStub
	for _, span := range exporter.GetSpans() {
		require.Equal(t, "mcp.add", span.Name)
		for _, attr := range span.Attributes {
			if attr.Key == "mcp.error_code" {
				require.Equal(t, int64(mcp.CodeInvalidParams), attr.Value.AsInt64())
				failed = append(failed, span)
			}
		}
	}
	require.Len(t, failed, 1)
	require.NotEmpty(t, failed[0].Events)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Equal(t, int64(2), sumCounter(t, rm, "mcp.dispatcher.requests"))
	require.Equal(t, int64(1), sumCounter(t, rm, "mcp.dispatcher.errors"))
}

func sumCounter(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
