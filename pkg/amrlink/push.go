package amrlink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amrlink/amrlink/pkg/amrlink/o11y"
	"github.com/amrlink/amrlink/pkg/amrlink/wire"
)

// PushConfigCode is the command code for configuring the robot's push
// stream (interval and field selection). The acknowledgment comes back
// on the same stream and fans out to subscribers like any other frame.
const PushConfigCode uint16 = 9300

// DefaultPushBuffer is the per-subscriber queue depth used when the
// builder is not told otherwise.
const DefaultPushBuffer = 256

// SubscriptionID identifies one push subscription.
type SubscriptionID uuid.UUID

func (id SubscriptionID) String() string { return uuid.UUID(id).String() }

// OverflowPolicy decides which frame is sacrificed when a subscriber's
// queue is full. The choice is local to the lagging subscriber.
type OverflowPolicy int

const (
	// DropNewest discards the incoming frame, preserving the backlog.
	DropNewest OverflowPolicy = iota
	// DropOldest discards the oldest queued frame to admit the new one.
	DropOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop-newest"
	case DropOldest:
		return "drop-oldest"
	default:
		return "unknown"
	}
}

// PushConfig selects what the robot pushes and how often.
type PushConfig struct {
	IntervalMS     int      `json:"interval,omitempty"`
	IncludedFields []string `json:"included_fields,omitempty"`
	ExcludedFields []string `json:"excluded_fields,omitempty"`
}

// PushListener continuously decodes unsolicited frames on the dedicated
// push connection and fans each one out, in arrival order, to every
// registered subscriber through a bounded per-subscriber queue. It
// keeps no request table: every frame on this connection is treated as
// unsolicited.
//
// The listener never reconnects on its own. On connection loss every
// subscriber is told the stream ended; the owner decides whether and
// when to call Reconnect.
type PushListener struct {
	addr           string
	logger         *zap.Logger
	dialTimeout    time.Duration
	maxPayload     uint32
	resyncBudget   int
	writeQueueSize int
	bufSize        int
	policy         OverflowPolicy

	dropCounter   o11y.Counter
	frameCounter  o11y.Counter
	resyncCounter o11y.Counter
	subGauge      o11y.Gauge

	mu     sync.Mutex
	conn   *conn
	subs   map[SubscriptionID]*pushQueue
	closed bool
}

// Connect dials the push port and starts decoding. It fails if the
// listener is already connected or has been closed.
func (l *PushListener) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrConnClosed
	}
	if l.conn != nil && !l.conn.isClosed() {
		l.mu.Unlock()
		return fmt.Errorf("amrlink: push listener already connected to %s", l.addr)
	}
	l.mu.Unlock()

	return l.dial(ctx)
}

// Reconnect drops the current connection, if any, and dials a fresh
// one. Subscriptions survive: each subscriber sees a stream-end
// notification for the old stream and then frames from the new one.
// Reconnection is always explicit; the listener never retries by
// itself.
func (l *PushListener) Reconnect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrConnClosed
	}
	old := l.conn
	l.mu.Unlock()

	if old != nil {
		old.close()
	}
	return l.dial(ctx)
}

func (l *PushListener) dial(ctx context.Context) error {
	cn, err := dialConn(ctx, connConfig{
		addr:           l.addr,
		dialTimeout:    l.dialTimeout,
		maxPayload:     l.maxPayload,
		resyncBudget:   l.resyncBudget,
		writeQueueSize: l.writeQueueSize,
		logger:         l.logger,
		framesIn:       l.frameCounter,
		resyncs:        l.resyncCounter,
	}, l.handleFrame, l.handleClose)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		// Closed while dialing; do not resurrect.
		l.mu.Unlock()
		cn.close()
		return ErrConnClosed
	}
	l.conn = cn
	l.mu.Unlock()

	l.logger.Info("push listener connected", zap.String("addr", l.addr))
	return nil
}

// Close tears the listener down for good: the connection is released,
// every subscriber gets a final stream-end notification, and all
// subscriptions are discarded. Idempotent.
func (l *PushListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	cn := l.conn
	l.conn = nil
	subs := l.subs
	l.subs = make(map[SubscriptionID]*pushQueue)
	l.mu.Unlock()

	if cn != nil {
		cn.close()
	}
	for _, q := range subs {
		q.terminate(nil)
	}
	l.setSubscriberGauge(0)
	l.logger.Info("push listener closed", zap.String("addr", l.addr))
	return nil
}

// terminated reports whether Close has run. A closed listener refuses
// all further use; its owner must build a fresh one.
func (l *PushListener) terminated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Subscribe registers a sink for every frame decoded from the push
// stream and returns a handle for Unsubscribe. Subscribing before
// Connect is allowed; delivery starts with the first connected stream.
func (l *PushListener) Subscribe(sub PushSubscriber) (SubscriptionID, error) {
	q := &pushQueue{
		id:     SubscriptionID(uuid.New()),
		sub:    sub,
		policy: l.policy,
		logger: l.logger,
		drops:  l.dropCounter,
		ch:     make(chan pushFrame, l.bufSize),
		endCh:  make(chan error, 1),
		quit:   make(chan struct{}),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return SubscriptionID{}, ErrConnClosed
	}
	l.subs[q.id] = q
	count := len(l.subs)
	l.mu.Unlock()

	go q.run()
	l.setSubscriberGauge(count)
	l.logger.Debug("push subscriber registered",
		zap.Stringer("subscription", q.id),
		zap.Int("subscribers", count))
	return q.id, nil
}

// Unsubscribe removes a subscription. The subscriber receives no
// further frames and no stream-end notification.
func (l *PushListener) Unsubscribe(id SubscriptionID) error {
	l.mu.Lock()
	q, ok := l.subs[id]
	if ok {
		delete(l.subs, id)
	}
	count := len(l.subs)
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("amrlink: unknown subscription %s", id)
	}
	q.stop()
	l.setSubscriberGauge(count)
	return nil
}

// Configure asks the robot to adjust its push stream. The request is
// written on the push connection without registering any pending
// request, carrying the reserved uncorrelated sequence number zero;
// the acknowledgment, like all frames here, is delivered to
// subscribers.
func (l *PushListener) Configure(ctx context.Context, cfg PushConfig) error {
	l.mu.Lock()
	cn := l.conn
	l.mu.Unlock()
	if cn == nil || cn.isClosed() {
		return ErrConnClosed
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("amrlink: encoding push config: %w", err)
	}
	return cn.send(ctx, wire.Frame{
		Type:    wire.TypeRequest,
		Code:    PushConfigCode,
		Seq:     0,
		Payload: payload,
	})
}

// handleFrame runs on the read loop; per-subscriber queues make the
// hand-off non-blocking regardless of subscriber behavior.
func (l *PushListener) handleFrame(f wire.Frame) {
	l.mu.Lock()
	queues := make([]*pushQueue, 0, len(l.subs))
	for _, q := range l.subs {
		queues = append(queues, q)
	}
	l.mu.Unlock()

	for _, q := range queues {
		q.offer(pushFrame{code: f.Code, payload: f.Payload})
	}
}

func (l *PushListener) handleClose(cause error) {
	var end error
	if cause != nil {
		end = connLost(cause)
	}

	l.mu.Lock()
	queues := make([]*pushQueue, 0, len(l.subs))
	for _, q := range l.subs {
		queues = append(queues, q)
	}
	l.mu.Unlock()

	for _, q := range queues {
		q.offerEnd(end)
	}
	if len(queues) > 0 {
		l.logger.Info("notified push subscribers of stream end",
			zap.String("addr", l.addr),
			zap.Int("subscribers", len(queues)),
			zap.Error(cause))
	}
}

func (l *PushListener) setSubscriberGauge(count int) {
	if l.subGauge != nil {
		l.subGauge.Set(context.Background(), float64(count))
	}
}

type pushFrame struct {
	code    uint16
	payload []byte
}

// pushQueue decouples one subscriber from the read loop: a bounded
// channel absorbs bursts and a dedicated goroutine runs the
// subscriber's callbacks. Overflow is resolved per the listener's
// policy so backpressure stays local to this subscriber.
type pushQueue struct {
	id     SubscriptionID
	sub    PushSubscriber
	policy OverflowPolicy
	logger *zap.Logger
	drops  o11y.Counter

	ch    chan pushFrame
	endCh chan error
	quit  chan struct{}
	once  sync.Once
}

// offer enqueues a frame without ever blocking the caller.
func (q *pushQueue) offer(f pushFrame) {
	select {
	case q.ch <- f:
		return
	default:
	}

	if q.policy == DropNewest {
		q.dropped()
		return
	}

	// DropOldest: evict until the new frame fits. The consumer may be
	// draining concurrently, so eviction can find the queue empty.
	for {
		select {
		case q.ch <- f:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped()
		default:
		}
	}
}

// offerEnd queues a stream-end notification. One is enough: if a
// notification is already pending, later ones are redundant.
func (q *pushQueue) offerEnd(err error) {
	select {
	case q.endCh <- err:
	default:
	}
}

// terminate delivers a final stream-end notification and stops the
// queue goroutine after it drains.
func (q *pushQueue) terminate(err error) {
	q.offerEnd(err)
	q.stop()
}

func (q *pushQueue) stop() {
	q.once.Do(func() { close(q.quit) })
}

func (q *pushQueue) run() {
	for {
		select {
		case f := <-q.ch:
			q.deliver(f)
		case err := <-q.endCh:
			// Let buffered frames of the dead stream out first.
			q.drainFrames()
			q.sub.OnStreamEnd(err)
		case <-q.quit:
			q.drainFrames()
			select {
			case err := <-q.endCh:
				q.sub.OnStreamEnd(err)
			default:
			}
			return
		}
	}
}

func (q *pushQueue) drainFrames() {
	for {
		select {
		case f := <-q.ch:
			q.deliver(f)
		default:
			return
		}
	}
}

func (q *pushQueue) deliver(f pushFrame) {
	if err := q.sub.OnPush(context.Background(), f.code, f.payload); err != nil {
		q.logger.Warn("push subscriber returned error",
			zap.Stringer("subscription", q.id),
			zap.Uint16("code", f.code),
			zap.Error(err))
	}
}

func (q *pushQueue) dropped() {
	if q.drops != nil {
		q.drops.Add(context.Background(), 1)
	}
	q.logger.Debug("push frame dropped for slow subscriber",
		zap.Stringer("subscription", q.id),
		zap.String("policy", q.policy.String()))
}

// PushListenerBuilder provides a fluent interface for building
// PushListeners.
type PushListenerBuilder struct {
	addr           string
	logger         *zap.Logger
	dialTimeout    time.Duration
	maxPayload     uint32
	resyncBudget   int
	writeQueueSize int
	bufSize        int
	policy         OverflowPolicy
	telemetry      o11y.Telemetry
}

// NewPushListener creates a new push listener builder with defaults.
func NewPushListener() *PushListenerBuilder {
	return &PushListenerBuilder{
		logger:         zap.NewNop(),
		dialTimeout:    DefaultDialTimeout,
		maxPayload:     wire.DefaultMaxPayload,
		resyncBudget:   DefaultResyncBudget,
		writeQueueSize: DefaultWriteQueueSize,
		bufSize:        DefaultPushBuffer,
		policy:         DropNewest,
	}
}

// WithAddress sets the "host:port" of the robot's push port. Required.
func (b *PushListenerBuilder) WithAddress(addr string) *PushListenerBuilder {
	b.addr = addr
	return b
}

// WithLogger sets the logger for the listener.
func (b *PushListenerBuilder) WithLogger(logger *zap.Logger) *PushListenerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout sets the timeout for establishing the TCP connection.
func (b *PushListenerBuilder) WithDialTimeout(timeout time.Duration) *PushListenerBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithBufferSize sets the per-subscriber queue depth.
func (b *PushListenerBuilder) WithBufferSize(size int) *PushListenerBuilder {
	if size > 0 {
		b.bufSize = size
	}
	return b
}

// WithOverflowPolicy selects what happens to frames for a subscriber
// whose queue is full.
func (b *PushListenerBuilder) WithOverflowPolicy(policy OverflowPolicy) *PushListenerBuilder {
	b.policy = policy
	return b
}

// WithMaxPayloadSize bounds the payload length accepted from the peer.
func (b *PushListenerBuilder) WithMaxPayloadSize(size uint32) *PushListenerBuilder {
	if size > 0 {
		b.maxPayload = size
	}
	return b
}

// WithResyncBudget sets how many consecutive resynchronization attempts
// the read loop tolerates before escalating to a connection error.
func (b *PushListenerBuilder) WithResyncBudget(budget int) *PushListenerBuilder {
	if budget > 0 {
		b.resyncBudget = budget
	}
	return b
}

// WithTelemetry sets optional metrics and tracing providers.
func (b *PushListenerBuilder) WithTelemetry(t o11y.Telemetry) *PushListenerBuilder {
	b.telemetry = t
	return b
}

// Build creates a PushListener with the configured options. It is not
// connected yet; call Connect on it.
func (b *PushListenerBuilder) Build() (*PushListener, error) {
	if b.addr == "" {
		return nil, fmt.Errorf("amrlink: address is required")
	}

	l := &PushListener{
		addr:           b.addr,
		logger:         b.logger,
		dialTimeout:    b.dialTimeout,
		maxPayload:     b.maxPayload,
		resyncBudget:   b.resyncBudget,
		writeQueueSize: b.writeQueueSize,
		bufSize:        b.bufSize,
		policy:         b.policy,
		subs:           make(map[SubscriptionID]*pushQueue),
	}

	if m := b.telemetry.Metrics; m != nil {
		l.dropCounter = m.Counter("amrlink_push_frames_dropped_total")
		l.frameCounter = m.Counter("amrlink_push_frames_received_total")
		l.resyncCounter = m.Counter("amrlink_push_stream_resyncs_total")
		l.subGauge = m.Gauge("amrlink_push_subscribers")
	}

	return l, nil
}
