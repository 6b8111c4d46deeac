package amrlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amrlink/amrlink/pkg/amrlink/o11y"
	"github.com/amrlink/amrlink/pkg/amrlink/wire"
)

// Client is a request/response dispatcher over one robot connection.
// It allocates sequence numbers, correlates each RESPONSE or ERROR
// frame to the call that sent the matching REQUEST, and enforces
// per-call deadlines. Concurrent calls are independent: each waits on
// its own channel, and only the write path is serialized.
//
// Build a Client with NewClient and its With options, then Connect it.
type Client struct {
	addr           string
	logger         *zap.Logger
	dialTimeout    time.Duration
	callTimeout    time.Duration
	maxPayload     uint32
	resyncBudget   int
	writeQueueSize int

	tracing o11y.TracingProvider

	callCounter     o11y.Counter
	callLatency     o11y.Histogram
	mismatchCounter o11y.Counter
	frameCounter    o11y.Counter
	resyncCounter   o11y.Counter

	mu         sync.Mutex
	conn       *conn
	pending    map[uint16]chan callResult
	nextSeq    uint16
	closed     bool
	closeCause error
}

type callResult struct {
	payload []byte
	err     error
}

// Connect dials the robot and starts the connection's read loop. It
// fails with a *ConnError if the peer refuses or the dial times out.
// After Close (or connection loss) a Client may be connected again;
// a failed dial leaves the client in its previous state, so the caller
// is free to retry.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil && !c.conn.isClosed() {
		c.mu.Unlock()
		return fmt.Errorf("amrlink: client already connected to %s", c.addr)
	}
	c.mu.Unlock()

	cn, err := dialConn(ctx, connConfig{
		addr:           c.addr,
		dialTimeout:    c.dialTimeout,
		maxPayload:     c.maxPayload,
		resyncBudget:   c.resyncBudget,
		writeQueueSize: c.writeQueueSize,
		logger:         c.logger,
		framesIn:       c.frameCounter,
		resyncs:        c.resyncCounter,
	}, c.handleFrame, c.handleClose)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = cn
	c.pending = make(map[uint16]chan callResult)
	c.closed = false
	c.closeCause = nil
	c.mu.Unlock()

	c.logger.Info("client connected", zap.String("addr", c.addr))
	return nil
}

// Close tears down the connection. Every pending call resolves with an
// error matching ErrConnClosed. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn != nil {
		cn.close()
	}
	return nil
}

// Connected reports whether the client currently holds a live
// connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.isClosed()
}

// Addr returns the address this client dials.
func (c *Client) Addr() string { return c.addr }

// Call sends one REQUEST frame and blocks until the matching RESPONSE
// or ERROR frame arrives, the deadline elapses, or the connection is
// lost. The payload is passed through opaque in both directions;
// callers own its encoding.
//
// If ctx carries no deadline, the client's configured call timeout
// applies. On expiry Call returns an error matching ErrTimeout and its
// own pending slot is removed without disturbing other calls; a
// response arriving after that is discarded as a sequence mismatch.
// An ERROR frame resolves the call with a *RemoteError: the transport
// exchange succeeded, the command did not.
func (c *Client) Call(ctx context.Context, code uint16, payload []byte) ([]byte, error) {
	start := time.Now()

	var span o11y.Span
	if c.tracing != nil {
		ctx, span = c.tracing.StartSpan(ctx, "amrlink.call")
		defer span.End()
		span.SetAttributes(o11y.Label{Key: "code", Value: strconv.Itoa(int(code))})
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	response, err := c.roundTrip(ctx, code, payload)
	c.recordCall(ctx, code, start, err, span)
	return response, err
}

func (c *Client) roundTrip(ctx context.Context, code uint16, payload []byte) ([]byte, error) {
	seq, ch, cn, err := c.register()
	if err != nil {
		return nil, err
	}

	f := wire.Frame{Type: wire.TypeRequest, Code: code, Seq: seq, Payload: payload}
	if err := cn.send(ctx, f); err != nil {
		c.unregister(seq)
		return nil, c.mapWaitError(err)
	}

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		c.unregister(seq)
		return nil, c.mapWaitError(ctx.Err())
	}
}

// mapWaitError turns a context expiry into the transport's timeout
// error; everything else passes through.
func (c *Client) mapWaitError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// register allocates the next free sequence number and its delivery
// channel. Sequence zero is reserved for uncorrelated frames and never
// handed out, so the space holds 65535 concurrent requests.
func (c *Client) register() (uint16, chan callResult, *conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return 0, nil, nil, ErrConnClosed
	}
	if c.closed {
		return 0, nil, nil, c.closeCause
	}
	if len(c.pending) >= 65535 {
		return 0, nil, nil, ErrSequenceExhausted
	}

	seq := c.nextSeq
	for {
		seq++
		if seq == 0 {
			seq = 1
		}
		if _, busy := c.pending[seq]; !busy {
			break
		}
	}
	c.nextSeq = seq

	ch := make(chan callResult, 1)
	c.pending[seq] = ch
	return seq, ch, c.conn, nil
}

func (c *Client) unregister(seq uint16) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// handleFrame runs on the connection's read loop. It resolves the
// pending call matching the frame's sequence number; resolution is a
// buffered channel send and never blocks the loop.
func (c *Client) handleFrame(f wire.Frame) {
	switch f.Type {
	case wire.TypeResponse:
		c.resolve(f, callResult{payload: f.Payload})
	case wire.TypeError:
		c.resolve(f, callResult{err: decodeRemoteError(f.Payload)})
	default:
		c.logger.Warn("unexpected frame type on request connection, discarding",
			zap.String("addr", c.addr),
			zap.String("type", f.Type.String()),
			zap.Uint16("code", f.Code))
	}
}

func (c *Client) resolve(f wire.Frame, res callResult) {
	c.mu.Lock()
	ch, ok := c.pending[f.Seq]
	if ok {
		delete(c.pending, f.Seq)
	}
	c.mu.Unlock()

	if !ok {
		// Protocol anomaly, not a crash: nobody is waiting for this
		// sequence number (never sent, already timed out, or duplicated
		// by the peer). Discard the frame.
		c.logger.Warn("response matches no pending request, discarding",
			zap.String("addr", c.addr),
			zap.Uint16("seq", f.Seq),
			zap.Uint16("code", f.Code),
			zap.String("type", f.Type.String()))
		if c.mismatchCounter != nil {
			c.mismatchCounter.Add(context.Background(), 1)
		}
		return
	}
	ch <- res
}

// handleClose runs exactly once when the connection dies, deliberately
// or not. From that moment no new pending request can be registered,
// and every currently pending one resolves with a connection-lost
// error.
func (c *Client) handleClose(cause error) {
	lost := connLost(cause)

	c.mu.Lock()
	c.closed = true
	c.closeCause = lost
	pending := c.pending
	c.pending = make(map[uint16]chan callResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: lost}
	}

	if len(pending) > 0 {
		c.logger.Info("failed pending calls on connection loss",
			zap.String("addr", c.addr),
			zap.Int("count", len(pending)))
	}
}

func (c *Client) recordCall(ctx context.Context, code uint16, start time.Time, err error, span o11y.Span) {
	outcome := callOutcome(err)

	if c.callCounter != nil {
		c.callCounter.Add(ctx, 1,
			o11y.Label{Key: "code", Value: strconv.Itoa(int(code))},
			o11y.Label{Key: "outcome", Value: outcome})
	}
	if c.callLatency != nil {
		c.callLatency.Record(ctx, time.Since(start).Seconds(),
			o11y.Label{Key: "code", Value: strconv.Itoa(int(code))})
	}
	if span != nil {
		if err != nil {
			span.SetStatus(o11y.SpanStatusError, err.Error())
		} else {
			span.SetStatus(o11y.SpanStatusOK, "")
		}
	}
}

func callOutcome(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnClosed):
		return "connection_lost"
	case errors.As(err, &remote):
		return "remote_error"
	default:
		return "error"
	}
}

// decodeRemoteError extracts the peer's error code and message from an
// ERROR frame payload, which by convention is JSON of the form
// {"ret_code": 50000, "err_msg": "..."}. A payload that does not parse
// still surfaces as a RemoteError carrying the raw bytes.
func decodeRemoteError(payload []byte) error {
	var body struct {
		RetCode int    `json:"ret_code"`
		ErrMsg  string `json:"err_msg"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return &RemoteError{Code: -1, Message: "unparseable error payload", Payload: payload}
	}
	return &RemoteError{Code: body.RetCode, Message: body.ErrMsg, Payload: payload}
}
