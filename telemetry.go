package mcp

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/MegaGrindStone/go-mcp-mux"

type telemetry struct {
	tracer trace.Tracer

	requests     metric.Int64Counter
	errors       metric.Int64Counter
	duration     metric.Float64Histogram
	notification metric.Int64Counter
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) *telemetry {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(instrumentationName)

	// Errors are ignored: a failed instrument is still a usable no-op.
	requests, _ := meter.Int64Counter("mcp.dispatcher.requests",
		metric.WithDescription("Total number of dispatched requests"),
		metric.WithUnit("{request}"))
	errs, _ := meter.Int64Counter("mcp.dispatcher.errors",
		metric.WithDescription("Total number of requests answered with an error"),
		metric.WithUnit("{error}"))
	duration, _ := meter.Float64Histogram("mcp.dispatcher.request.duration",
		metric.WithDescription("Duration of request executors"),
		metric.WithUnit("ms"))
	notifications, _ := meter.Int64Counter("mcp.dispatcher.notifications",
		metric.WithDescription("Total number of dispatched notifications"),
		metric.WithUnit("{notification}"))

	return &telemetry{
		tracer:       tp.Tracer(instrumentationName),
		requests:     requests,
		errors:       errs,
		duration:     duration,
		notification: notifications,
	}
}

// startRequest opens a server span for req. The returned function records the
// outcome; code is zero on success.
func (t *telemetry) startRequest(ctx context.Context, sessionID string, req *Request,
) (context.Context, func(code int, err error)) {
	attrs := []attribute.KeyValue{attribute.String("mcp.method", req.Method)}

	ctx, span := t.tracer.Start(ctx, "mcp."+req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("mcp.method", req.Method),
			attribute.String("mcp.request_id", string(req.ID)),
			attribute.String("mcp.session_id", sessionID),
		))
	t.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	start := time.Now()

	return ctx, func(code int, err error) {
		defer span.End()

		elapsed := float64(time.Since(start).Microseconds()) / 1000
		t.duration.Record(ctx, elapsed, metric.WithAttributes(attrs...))

		if code == 0 {
			span.SetStatus(codes.Ok, "")
			return
		}
		span.SetAttributes(attribute.Int("mcp.error_code", code))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Error, "request failed")
		}
		t.errors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.Int("mcp.error_code", code))...))
	}
}

func (t *telemetry) countNotification(ctx context.Context, method string) {
	t.notification.Add(ctx, 1, metric.WithAttributes(attribute.String("mcp.method", method)))
}
