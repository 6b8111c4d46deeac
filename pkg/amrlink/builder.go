package amrlink

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/amrlink/amrlink/pkg/amrlink/o11y"
	"github.com/amrlink/amrlink/pkg/amrlink/wire"
)

// Defaults shared by the client and push listener builders.
const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultCallTimeout    = 5 * time.Second
	DefaultResyncBudget   = 8
	DefaultWriteQueueSize = 64
)

// ClientBuilder provides a fluent interface for building Clients.
type ClientBuilder struct {
	addr           string
	logger         *zap.Logger
	dialTimeout    time.Duration
	callTimeout    time.Duration
	maxPayload     uint32
	resyncBudget   int
	writeQueueSize int
	telemetry      o11y.Telemetry
}

// NewClient creates a new client builder with sensible defaults.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		logger:         zap.NewNop(),
		dialTimeout:    DefaultDialTimeout,
		callTimeout:    DefaultCallTimeout,
		maxPayload:     wire.DefaultMaxPayload,
		resyncBudget:   DefaultResyncBudget,
		writeQueueSize: DefaultWriteQueueSize,
	}
}

// WithAddress sets the "host:port" address of the robot port this
// client talks to. Required.
func (b *ClientBuilder) WithAddress(addr string) *ClientBuilder {
	b.addr = addr
	return b
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout sets the timeout for establishing the TCP connection.
func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithCallTimeout sets the default per-call deadline applied when the
// caller's context carries none.
func (b *ClientBuilder) WithCallTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.callTimeout = timeout
	}
	return b
}

// WithMaxPayloadSize bounds the payload length accepted from the peer.
// A frame announcing a larger payload is treated as corrupt.
func (b *ClientBuilder) WithMaxPayloadSize(size uint32) *ClientBuilder {
	if size > 0 {
		b.maxPayload = size
	}
	return b
}

// WithResyncBudget sets how many consecutive resynchronization attempts
// the read loop tolerates before escalating to a connection error.
func (b *ClientBuilder) WithResyncBudget(budget int) *ClientBuilder {
	if budget > 0 {
		b.resyncBudget = budget
	}
	return b
}

// WithWriteQueueSize sets the buffer size of the internal write
// channel. Senders block once it fills.
func (b *ClientBuilder) WithWriteQueueSize(size int) *ClientBuilder {
	if size > 0 {
		b.writeQueueSize = size
	}
	return b
}

// WithTelemetry sets optional metrics and tracing providers.
func (b *ClientBuilder) WithTelemetry(t o11y.Telemetry) *ClientBuilder {
	b.telemetry = t
	return b
}

// Build creates a Client with the configured options. The client is not
// connected yet; call Connect on it.
func (b *ClientBuilder) Build() (*Client, error) {
	if b.addr == "" {
		return nil, fmt.Errorf("amrlink: address is required")
	}

	c := &Client{
		addr:           b.addr,
		logger:         b.logger,
		dialTimeout:    b.dialTimeout,
		callTimeout:    b.callTimeout,
		maxPayload:     b.maxPayload,
		resyncBudget:   b.resyncBudget,
		writeQueueSize: b.writeQueueSize,
		tracing:        b.telemetry.Tracing,
		pending:        make(map[uint16]chan callResult),
	}

	if m := b.telemetry.Metrics; m != nil {
		c.callCounter = m.Counter("amrlink_calls_total")
		c.callLatency = m.Histogram("amrlink_call_duration_seconds")
		c.mismatchCounter = m.Counter("amrlink_sequence_mismatches_total")
		c.frameCounter = m.Counter("amrlink_frames_received_total")
		c.resyncCounter = m.Counter("amrlink_stream_resyncs_total")
	}

	return c, nil
}
