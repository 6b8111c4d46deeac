// Package o11y defines the small set of metrics and tracing interfaces
// the transport reports through. The indirection keeps the transport
// packages free of any particular telemetry SDK; the otel subpackage
// provides an OpenTelemetry-backed implementation, and a nil provider
// disables instrumentation entirely.
package o11y

import "context"

// MetricsProvider hands out named instruments.
type MetricsProvider interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// TracingProvider starts spans around transport operations.
type TracingProvider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Counter is a monotonically increasing metric.
type Counter interface {
	Add(ctx context.Context, value int64, labels ...Label)
}

// Histogram records a distribution of observed values.
type Histogram interface {
	Record(ctx context.Context, value float64, labels ...Label)
}

// Gauge tracks a value that moves in both directions.
type Gauge interface {
	Set(ctx context.Context, value float64, labels ...Label)
}

// Span is one traced unit of work.
type Span interface {
	SetAttributes(labels ...Label)
	SetStatus(code SpanStatusCode, description string)
	End()
}

// Label is a key-value attribute attached to metrics and spans.
type Label struct {
	Key   string
	Value string
}

// SpanStatusCode mirrors the usual unset/ok/error span trichotomy.
type SpanStatusCode int

const (
	SpanStatusUnset SpanStatusCode = iota
	SpanStatusOK
	SpanStatusError
)

// Telemetry bundles the optional providers a transport component takes.
// Either field may be nil.
type Telemetry struct {
	Metrics MetricsProvider
	Tracing TracingProvider
}
