package amrlink

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amrlink/amrlink/pkg/amrlink/o11y"
	"github.com/amrlink/amrlink/pkg/amrlink/wire"
)

// connConfig carries everything a conn needs besides its callbacks.
type connConfig struct {
	addr           string
	dialTimeout    time.Duration
	maxPayload     uint32
	resyncBudget   int
	writeQueueSize int
	logger         *zap.Logger
	framesIn       o11y.Counter
	resyncs        o11y.Counter
}

// conn owns exactly one TCP socket. It runs one read loop that decodes
// the incoming byte stream into frames and hands each to the handler,
// and one write loop that serializes all outgoing frames so concurrent
// senders never interleave bytes.
//
// Frame handling runs on the read loop goroutine: the handler must not
// block, or it stalls decoding for the whole connection. Both Client
// and PushListener honor that by only ever doing non-blocking hand-offs
// in their handlers.
type conn struct {
	addr         string
	logger       *zap.Logger
	maxPayload   uint32
	resyncBudget int
	framesIn     o11y.Counter
	resyncs      o11y.Counter

	handler func(wire.Frame)
	onClose func(error) // invoked exactly once; nil cause means deliberate close

	nc        net.Conn
	writeCh   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// dialConn establishes the TCP connection and starts both loops.
// The handler and onClose callbacks may fire as soon as it returns.
func dialConn(ctx context.Context, cfg connConfig, handler func(wire.Frame), onClose func(error)) (*conn, error) {
	dialer := net.Dialer{Timeout: cfg.dialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", cfg.addr)
	if err != nil {
		return nil, &ConnError{Op: "dial", Addr: cfg.addr, Err: err}
	}

	c := &conn{
		addr:         cfg.addr,
		logger:       cfg.logger,
		maxPayload:   cfg.maxPayload,
		resyncBudget: cfg.resyncBudget,
		framesIn:     cfg.framesIn,
		resyncs:      cfg.resyncs,
		handler:      handler,
		onClose:      onClose,
		nc:           nc,
		writeCh:      make(chan []byte, cfg.writeQueueSize),
		closed:       make(chan struct{}),
	}

	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

// send encodes f and queues it for the write loop. Concurrent senders
// queue for write access but never interleave their bytes.
func (c *conn) send(ctx context.Context, f wire.Frame) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	select {
	case c.writeCh <- wire.Encode(f):
		return nil
	case <-c.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close tears the connection down deliberately. Idempotent and safe to
// call concurrently with in-flight reads and sends.
func (c *conn) close() {
	c.shutdown(nil)
}

func (c *conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// shutdown performs teardown exactly once. The cause, if any, is passed
// to the owner's close callback so it can fail its waiters.
func (c *conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.nc.Close()
		if cause != nil {
			c.logger.Warn("connection lost",
				zap.String("addr", c.addr),
				zap.Error(cause))
		}
		c.onClose(cause)
	})
}

func (c *conn) readLoop() {
	dec := wire.NewDecoder(c.maxPayload)
	rbuf := make([]byte, 32*1024)
	resyncRun := 0

	for {
		n, err := c.nc.Read(rbuf)
		if n > 0 {
			dec.Write(rbuf[:n])
			if !c.drainDecoder(dec, &resyncRun) {
				return
			}
		}
		if err != nil {
			if c.isClosed() {
				// Deliberate close; shutdown already ran.
				return
			}
			c.shutdown(&ConnError{Op: "read", Addr: c.addr, Err: err})
			return
		}
	}
}

// drainDecoder decodes every complete frame currently buffered. It
// returns false when the resync budget is exhausted and the connection
// has been shut down.
func (c *conn) drainDecoder(dec *wire.Decoder, resyncRun *int) bool {
	for {
		f, err := dec.Next()
		switch {
		case err == nil:
			*resyncRun = 0
			if c.framesIn != nil {
				c.framesIn.Add(context.Background(), 1,
					o11y.Label{Key: "type", Value: f.Type.String()})
			}
			c.handler(f)
		case errors.Is(err, wire.ErrShortFrame):
			return true
		default:
			*resyncRun++
			c.logger.Warn("stream desynchronized, scanning for sync marker",
				zap.String("addr", c.addr),
				zap.Int("consecutive", *resyncRun),
				zap.Error(err))
			if c.resyncs != nil {
				c.resyncs.Add(context.Background(), 1)
			}
			if c.resyncBudget > 0 && *resyncRun > c.resyncBudget {
				c.shutdown(&ProtocolError{Addr: c.addr, Err: err})
				return false
			}
		}
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case buf := <-c.writeCh:
			if _, err := c.nc.Write(buf); err != nil {
				if !c.isClosed() {
					c.shutdown(&ConnError{Op: "write", Addr: c.addr, Err: err})
				}
				return
			}
		case <-c.closed:
			return
		}
	}
}
