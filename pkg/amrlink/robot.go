package amrlink

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/amrlink/amrlink/pkg/amrlink/o11y"
	"github.com/amrlink/amrlink/pkg/amrlink/wire"
)

// Category names one of the robot's request/response command ports.
// Each category binds to its own well-known TCP port and shares the
// identical frame format; only the valid command codes differ, and that
// mapping belongs to the layer above this one.
type Category int

const (
	CategoryStatus Category = iota
	CategoryControl
	CategoryTask
	CategoryConfig
	CategoryOther
)

// Categories lists every request/response category, in port order.
var Categories = []Category{
	CategoryStatus,
	CategoryControl,
	CategoryTask,
	CategoryConfig,
	CategoryOther,
}

func (c Category) String() string {
	switch c {
	case CategoryStatus:
		return "status"
	case CategoryControl:
		return "control"
	case CategoryTask:
		return "task"
	case CategoryConfig:
		return "config"
	case CategoryOther:
		return "other"
	default:
		return "unknown"
	}
}

// ParseCategory converts a category name to its Category value.
func ParseCategory(name string) (Category, error) {
	for _, c := range Categories {
		if c.String() == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("amrlink: unknown category %q", name)
}

// Ports holds the TCP port for each functional category. The values are
// configuration, not protocol.
type Ports struct {
	Status  int
	Control int
	Task    int
	Config  int
	Other   int
	Push    int
}

// DefaultPorts returns the port assignment the robot ships with.
func DefaultPorts() Ports {
	return Ports{
		Status:  19204,
		Control: 19205,
		Task:    19206,
		Config:  19207,
		Other:   19210,
		Push:    19301,
	}
}

// For returns the port bound to a request/response category.
func (p Ports) For(c Category) int {
	switch c {
	case CategoryStatus:
		return p.Status
	case CategoryControl:
		return p.Control
	case CategoryTask:
		return p.Task
	case CategoryConfig:
		return p.Config
	case CategoryOther:
		return p.Other
	default:
		return 0
	}
}

// Robot bundles one Client per command category plus the push listener
// for a single robot. It is an explicit handle constructed and owned by
// the caller; nothing here is process-global. All connections operate
// independently and may be used from different goroutines.
type Robot struct {
	host   string
	ports  Ports
	logger *zap.Logger

	clients map[Category]*Client
	push    *PushListener
	// newPush rebuilds the push listener after a terminal Close, since
	// closing a PushListener discards it for good.
	newPush func() (*PushListener, error)
}

// Open dials the requested categories (all of them when none are
// named) and, if the robot was built with push enabled, the push port.
// On any failure everything already opened is closed again and the
// dial error is returned.
//
// Open after CloseAll reconnects everything, but with a fresh push
// listener: push subscriptions do not survive CloseAll.
func (r *Robot) Open(ctx context.Context, categories ...Category) error {
	if len(categories) == 0 {
		categories = Categories
	}

	var opened []Category
	for _, cat := range categories {
		client, ok := r.clients[cat]
		if !ok {
			r.closeCategories(opened)
			return fmt.Errorf("amrlink: category %s not configured", cat)
		}
		if err := client.Connect(ctx); err != nil {
			r.closeCategories(opened)
			return fmt.Errorf("amrlink: opening %s port: %w", cat, err)
		}
		opened = append(opened, cat)
	}

	if r.push != nil {
		if r.push.terminated() {
			push, err := r.newPush()
			if err != nil {
				r.closeCategories(opened)
				return fmt.Errorf("amrlink: rebuilding push listener: %w", err)
			}
			r.push = push
		}
		if err := r.push.Connect(ctx); err != nil {
			r.closeCategories(opened)
			return fmt.Errorf("amrlink: opening push port: %w", err)
		}
	}

	r.logger.Info("robot opened",
		zap.String("host", r.host),
		zap.Int("categories", len(opened)),
		zap.Bool("push", r.push != nil))
	return nil
}

func (r *Robot) closeCategories(categories []Category) {
	for _, cat := range categories {
		_ = r.clients[cat].Close()
	}
}

// Client returns the dispatcher for a command category, or nil if the
// robot was not built with it.
func (r *Robot) Client(cat Category) *Client {
	return r.clients[cat]
}

// Push returns the push listener, or nil if the robot was built
// without one. Reopening after CloseAll installs a fresh listener, so
// callers should fetch it again after Open.
func (r *Robot) Push() *PushListener {
	return r.push
}

// Call routes one request/response exchange through the category's
// dispatcher.
func (r *Robot) Call(ctx context.Context, cat Category, code uint16, payload []byte) ([]byte, error) {
	client, ok := r.clients[cat]
	if !ok {
		return nil, fmt.Errorf("amrlink: category %s not configured", cat)
	}
	return client.Call(ctx, code, payload)
}

// CloseAll releases every connection the robot holds. Pending calls on
// each connection resolve with a connection-closed error. Errors are
// aggregated; closing is idempotent per connection.
func (r *Robot) CloseAll() error {
	var errs error
	for _, cat := range Categories {
		if client, ok := r.clients[cat]; ok {
			errs = multierr.Append(errs, client.Close())
		}
	}
	if r.push != nil {
		errs = multierr.Append(errs, r.push.Close())
	}
	r.logger.Info("robot closed", zap.String("host", r.host))
	return errs
}

// RobotBuilder provides a fluent interface for building Robots.
type RobotBuilder struct {
	host        string
	ports       Ports
	logger      *zap.Logger
	dialTimeout time.Duration
	callTimeout time.Duration
	maxPayload  uint32
	pushEnabled bool
	pushBuffer  int
	pushPolicy  OverflowPolicy
	telemetry   o11y.Telemetry
}

// NewRobot creates a robot builder with the default port assignment,
// push enabled, and the library's default timeouts.
func NewRobot() *RobotBuilder {
	return &RobotBuilder{
		ports:       DefaultPorts(),
		logger:      zap.NewNop(),
		dialTimeout: DefaultDialTimeout,
		callTimeout: DefaultCallTimeout,
		maxPayload:  wire.DefaultMaxPayload,
		pushEnabled: true,
		pushBuffer:  DefaultPushBuffer,
		pushPolicy:  DropNewest,
	}
}

// WithHost sets the robot's IP address or hostname. Required.
func (b *RobotBuilder) WithHost(host string) *RobotBuilder {
	b.host = host
	return b
}

// WithPorts overrides the per-category port assignment.
func (b *RobotBuilder) WithPorts(ports Ports) *RobotBuilder {
	b.ports = ports
	return b
}

// WithLogger sets the logger shared by all of the robot's connections.
func (b *RobotBuilder) WithLogger(logger *zap.Logger) *RobotBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout sets the per-connection dial timeout.
func (b *RobotBuilder) WithDialTimeout(timeout time.Duration) *RobotBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithCallTimeout sets the default per-call deadline.
func (b *RobotBuilder) WithCallTimeout(timeout time.Duration) *RobotBuilder {
	if timeout > 0 {
		b.callTimeout = timeout
	}
	return b
}

// WithMaxPayloadSize bounds accepted payload lengths on every
// connection.
func (b *RobotBuilder) WithMaxPayloadSize(size uint32) *RobotBuilder {
	if size > 0 {
		b.maxPayload = size
	}
	return b
}

// WithoutPush builds the robot without a push listener.
func (b *RobotBuilder) WithoutPush() *RobotBuilder {
	b.pushEnabled = false
	return b
}

// WithPushBuffer sets the per-subscriber queue depth and overflow
// policy for the push listener.
func (b *RobotBuilder) WithPushBuffer(size int, policy OverflowPolicy) *RobotBuilder {
	if size > 0 {
		b.pushBuffer = size
	}
	b.pushPolicy = policy
	return b
}

// WithTelemetry sets optional metrics and tracing providers shared by
// all of the robot's connections.
func (b *RobotBuilder) WithTelemetry(t o11y.Telemetry) *RobotBuilder {
	b.telemetry = t
	return b
}

// Build creates the Robot and its per-category clients. Nothing is
// dialed until Open.
func (b *RobotBuilder) Build() (*Robot, error) {
	if b.host == "" {
		return nil, fmt.Errorf("amrlink: host is required")
	}

	r := &Robot{
		host:    b.host,
		ports:   b.ports,
		logger:  b.logger,
		clients: make(map[Category]*Client, len(Categories)),
	}

	var errs error
	for _, cat := range Categories {
		port := b.ports.For(cat)
		if port <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("amrlink: invalid port %d for category %s", port, cat))
			continue
		}
		client, err := NewClient().
			WithAddress(net.JoinHostPort(b.host, strconv.Itoa(port))).
			WithLogger(b.logger.With(zap.String("category", cat.String()))).
			WithDialTimeout(b.dialTimeout).
			WithCallTimeout(b.callTimeout).
			WithMaxPayloadSize(b.maxPayload).
			WithTelemetry(b.telemetry).
			Build()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		r.clients[cat] = client
	}

	if b.pushEnabled {
		if b.ports.Push <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("amrlink: invalid push port %d", b.ports.Push))
		} else {
			newPush := func() (*PushListener, error) {
				return NewPushListener().
					WithAddress(net.JoinHostPort(b.host, strconv.Itoa(b.ports.Push))).
					WithLogger(b.logger.With(zap.String("category", "push"))).
					WithDialTimeout(b.dialTimeout).
					WithBufferSize(b.pushBuffer).
					WithOverflowPolicy(b.pushPolicy).
					WithMaxPayloadSize(b.maxPayload).
					WithTelemetry(b.telemetry).
					Build()
			}
			push, err := newPush()
			if err != nil {
				errs = multierr.Append(errs, err)
			} else {
				r.push = push
				r.newPush = newPush
			}
		}
	}

	if errs != nil {
		return nil, errs
	}
	return r, nil
}
