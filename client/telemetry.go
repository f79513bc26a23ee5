package client

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
)

const instrumentationName = "pkt.systems/acsconfig/client"

type telemetry struct {
	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
}

func newTelemetry(logger pslog.Logger) *telemetry {
	meter := otel.Meter(instrumentationName)
	t := &telemetry{tracer: otel.Tracer(instrumentationName)}
	var err error

	t.requests, err = meter.Int64Counter(
		"acsconfig.client.requests",
		metric.WithDescription("Requests issued against the management service"),
	)
	logMetricInitError(logger, "acsconfig.client.requests", err)

	t.failures, err = meter.Int64Counter(
		"acsconfig.client.failures",
		metric.WithDescription("Requests that ended in an error"),
	)
	logMetricInitError(logger, "acsconfig.client.failures", err)
	return t
}

func (t *telemetry) record(ctx context.Context, op string, status int) {
	if t == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status_class", statusClass(status)),
	)
	if t.requests != nil {
		t.requests.Add(ctx, 1, attrs)
	}
	if t.failures != nil && (status < 200 || status > 299) {
		t.failures.Add(ctx, 1, attrs)
	}
}

func statusClass(status int) string {
	switch {
	case status <= 0:
		return "none"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failure", "metric", name, "error", err)
}
