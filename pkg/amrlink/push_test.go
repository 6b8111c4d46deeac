package amrlink

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/amrlink/amrlink/pkg/amrlink/o11y"
	"github.com/amrlink/amrlink/pkg/amrlink/wire"
)

// collectSubscriber records everything it is handed as an ordered event
// log, so tests can assert both content and relative ordering of frames
// and stream-end notifications.
type collectSubscriber struct {
	mu     sync.Mutex
	events []string
	ends   []error
}

func (s *collectSubscriber) OnPush(_ context.Context, code uint16, payload []byte) error {
	s.mu.Lock()
	s.events = append(s.events, fmt.Sprintf("frame %d %s", code, payload))
	s.mu.Unlock()
	return nil
}

func (s *collectSubscriber) OnStreamEnd(err error) {
	s.mu.Lock()
	s.events = append(s.events, "end")
	s.ends = append(s.ends, err)
	s.mu.Unlock()
}

func (s *collectSubscriber) log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.events...)
}

func (s *collectSubscriber) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e != "end" {
			n++
		}
	}
	return n
}

func (s *collectSubscriber) endCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ends)
}

func (s *collectSubscriber) lastEnd() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ends) == 0 {
		return nil
	}
	return s.ends[len(s.ends)-1]
}

// blockingSubscriber records its first frame, signals the test, then
// parks until released. Once released it behaves like collectSubscriber.
type blockingSubscriber struct {
	collectSubscriber
	entered chan struct{}
	release chan struct{}
}

func newBlockingSubscriber() *blockingSubscriber {
	return &blockingSubscriber{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *blockingSubscriber) OnPush(ctx context.Context, code uint16, payload []byte) error {
	_ = s.collectSubscriber.OnPush(ctx, code, payload)
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return nil
}

// dialListener builds and connects a PushListener against the fake
// robot and waits for the peer to accept the connection.
func dialListener(t *testing.T, robot *fakeRobot, configure func(*PushListenerBuilder)) *PushListener {
	t.Helper()
	b := NewPushListener().
		WithAddress(robot.addr()).
		WithLogger(zaptest.NewLogger(t))
	if configure != nil {
		configure(b)
	}
	l, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, l.Connect(context.Background()))
	require.Eventually(t, func() bool { return robot.connCount() >= 1 },
		2*time.Second, 5*time.Millisecond)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// pushFrames writes n PUSH frames with payloads "p0".."pn-1", paced so
// a consuming subscriber can keep up.
func pushFrames(robot *fakeRobot, code uint16, n int) {
	for i := 0; i < n; i++ {
		robot.broadcast(wire.Frame{
			Type:    wire.TypePush,
			Code:    code,
			Payload: []byte(fmt.Sprintf("p%d", i)),
		})
		time.Sleep(time.Millisecond)
	}
}

func frameEvents(code uint16, n int) []string {
	events := make([]string, n)
	for i := range events {
		events[i] = fmt.Sprintf("frame %d p%d", code, i)
	}
	return events
}

func TestPushListenerBuilder(t *testing.T) {
	t.Run("requires an address", func(t *testing.T) {
		_, err := NewPushListener().Build()
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		l, err := NewPushListener().WithAddress("127.0.0.1:19301").Build()
		require.NoError(t, err)
		assert.Equal(t, DefaultPushBuffer, l.bufSize)
		assert.Equal(t, DropNewest, l.policy)
		assert.Equal(t, DefaultDialTimeout, l.dialTimeout)
	})
}

func TestPushFanOutPreservesOrder(t *testing.T) {
	robot := newFakeRobot(t, silentHandler)
	l := dialListener(t, robot, nil)

	a := &collectSubscriber{}
	b := &collectSubscriber{}
	_, err := l.Subscribe(a)
	require.NoError(t, err)
	_, err = l.Subscribe(b)
	require.NoError(t, err)

	pushFrames(robot, 19301, 10)

	want := frameEvents(19301, 10)
	require.Eventually(t, func() bool { return a.frameCount() == 10 && b.frameCount() == 10 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, a.log())
	assert.Equal(t, want, b.log())
}

func TestSubscribeBeforeConnect(t *testing.T) {
	robot := newFakeRobot(t, silentHandler)

	l, err := NewPushListener().
		WithAddress(robot.addr()).
		WithLogger(zaptest.NewLogger(t)).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	sub := &collectSubscriber{}
	_, err = l.Subscribe(sub)
	require.NoError(t, err)

	require.NoError(t, l.Connect(context.Background()))
	require.Eventually(t, func() bool { return robot.connCount() >= 1 },
		2*time.Second, 5*time.Millisecond)

	pushFrames(robot, 19301, 3)
	require.Eventually(t, func() bool { return sub.frameCount() == 3 },
		2*time.Second, 10*time.Millisecond)
}

func TestSlowSubscriberDropsAreLocal(t *testing.T) {
	const total = 40

	robot := newFakeRobot(t, silentHandler)
	metrics := newCaptureMetrics()
	l := dialListener(t, robot, func(b *PushListenerBuilder) {
		b.WithBufferSize(4).
			WithOverflowPolicy(DropNewest).
			WithTelemetry(o11y.Telemetry{Metrics: metrics})
	})

	slow := newBlockingSubscriber()
	healthy := &collectSubscriber{}
	_, err := l.Subscribe(slow)
	require.NoError(t, err)
	_, err = l.Subscribe(healthy)
	require.NoError(t, err)

	// Park the slow subscriber on the first frame, then flood.
	robot.broadcast(wire.Frame{Type: wire.TypePush, Code: 19301, Payload: []byte("p0")})
	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber never received the first frame")
	}
	for i := 1; i < total; i++ {
		robot.broadcast(wire.Frame{
			Type:    wire.TypePush,
			Code:    19301,
			Payload: []byte(fmt.Sprintf("p%d", i)),
		})
		time.Sleep(time.Millisecond)
	}

	// The healthy subscriber sees the whole stream, in order, while its
	// neighbor is wedged.
	require.Eventually(t, func() bool { return healthy.frameCount() == total },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, frameEvents(19301, total), healthy.log())

	close(slow.release)
	require.Eventually(t, func() bool {
		return metrics.value("amrlink_push_frames_dropped_total") >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Less(t, slow.frameCount(), total)
}

func TestDropOldestAdmitsNewestFrame(t *testing.T) {
	const total = 20

	robot := newFakeRobot(t, silentHandler)
	metrics := newCaptureMetrics()
	l := dialListener(t, robot, func(b *PushListenerBuilder) {
		b.WithBufferSize(1).
			WithOverflowPolicy(DropOldest).
			WithTelemetry(o11y.Telemetry{Metrics: metrics})
	})

	slow := newBlockingSubscriber()
	_, err := l.Subscribe(slow)
	require.NoError(t, err)

	robot.broadcast(wire.Frame{Type: wire.TypePush, Code: 19301, Payload: []byte("p0")})
	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the first frame")
	}
	for i := 1; i < total; i++ {
		robot.broadcast(wire.Frame{
			Type:    wire.TypePush,
			Code:    19301,
			Payload: []byte(fmt.Sprintf("p%d", i)),
		})
		time.Sleep(time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return metrics.value("amrlink_push_frames_received_total") >= total
	}, 2*time.Second, 10*time.Millisecond)

	close(slow.release)

	// The queue held the newest frame; everything between first and last
	// was evicted.
	want := fmt.Sprintf("frame 19301 p%d", total-1)
	require.Eventually(t, func() bool {
		log := slow.log()
		return len(log) >= 2 && log[len(log)-1] == want
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "frame 19301 p0", slow.log()[0])
	assert.GreaterOrEqual(t, metrics.value("amrlink_push_frames_dropped_total"), float64(1))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	robot := newFakeRobot(t, silentHandler)
	l := dialListener(t, robot, nil)

	leaving := &collectSubscriber{}
	staying := &collectSubscriber{}
	id, err := l.Subscribe(leaving)
	require.NoError(t, err)
	_, err = l.Subscribe(staying)
	require.NoError(t, err)

	require.NoError(t, l.Unsubscribe(id))
	assert.Error(t, l.Unsubscribe(id), "double unsubscribe")

	pushFrames(robot, 19301, 5)
	require.Eventually(t, func() bool { return staying.frameCount() == 5 },
		2*time.Second, 10*time.Millisecond)
	assert.Zero(t, leaving.frameCount())

	// An unsubscribed sink gets no stream-end notification either.
	require.NoError(t, l.Close())
	require.Eventually(t, func() bool { return staying.endCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Zero(t, leaving.endCount())
}

func TestStreamEndAndReconnect(t *testing.T) {
	robot := newFakeRobot(t, silentHandler)
	l := dialListener(t, robot, nil)

	sub := &collectSubscriber{}
	_, err := l.Subscribe(sub)
	require.NoError(t, err)

	robot.dropConnections()
	require.Eventually(t, func() bool { return sub.endCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, sub.lastEnd(), ErrConnClosed)

	// The subscription outlives the stream: after an explicit reconnect
	// it receives frames from the new one.
	require.NoError(t, l.Reconnect(context.Background()))
	require.Eventually(t, func() bool { return robot.connCount() >= 1 },
		2*time.Second, 5*time.Millisecond)

	pushFrames(robot, 19301, 3)
	require.Eventually(t, func() bool { return sub.frameCount() == 3 },
		2*time.Second, 10*time.Millisecond)
}

func TestBufferedFramesDeliveredBeforeStreamEnd(t *testing.T) {
	const total = 5

	robot := newFakeRobot(t, silentHandler)
	metrics := newCaptureMetrics()
	l := dialListener(t, robot, func(b *PushListenerBuilder) {
		b.WithBufferSize(16).
			WithTelemetry(o11y.Telemetry{Metrics: metrics})
	})

	sub := newBlockingSubscriber()
	_, err := l.Subscribe(sub)
	require.NoError(t, err)

	robot.broadcast(wire.Frame{Type: wire.TypePush, Code: 19301, Payload: []byte("p0")})
	select {
	case <-sub.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the first frame")
	}
	for i := 1; i < total; i++ {
		robot.broadcast(wire.Frame{
			Type:    wire.TypePush,
			Code:    19301,
			Payload: []byte(fmt.Sprintf("p%d", i)),
		})
	}
	require.Eventually(t, func() bool {
		return metrics.value("amrlink_push_frames_received_total") >= total
	}, 2*time.Second, 10*time.Millisecond)

	robot.dropConnections()
	close(sub.release)

	require.Eventually(t, func() bool { return sub.endCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, append(frameEvents(19301, total), "end"), sub.log())
}

func TestCloseIsTerminal(t *testing.T) {
	robot := newFakeRobot(t, silentHandler)
	l := dialListener(t, robot, nil)

	sub := &collectSubscriber{}
	_, err := l.Subscribe(sub)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.Eventually(t, func() bool { return sub.endCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.NoError(t, sub.lastEnd(), "deliberate close carries no error")

	require.NoError(t, l.Close(), "close is idempotent")
	assert.ErrorIs(t, l.Connect(context.Background()), ErrConnClosed)
	_, err = l.Subscribe(&collectSubscriber{})
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestConfigure(t *testing.T) {
	type captured struct {
		frame wire.Frame
		conn  net.Conn
	}
	reqCh := make(chan captured, 1)
	robot := newFakeRobot(t, func(f wire.Frame, conn net.Conn) {
		reqCh <- captured{f, conn}
	})
	l := dialListener(t, robot, nil)

	sub := &collectSubscriber{}
	_, err := l.Subscribe(sub)
	require.NoError(t, err)

	cfg := PushConfig{IntervalMS: 500, IncludedFields: []string{"x", "y", "angle"}}
	require.NoError(t, l.Configure(context.Background(), cfg))

	var req captured
	select {
	case req = <-reqCh:
	case <-time.After(2 * time.Second):
		t.Fatal("configuration request never reached the peer")
	}
	assert.Equal(t, wire.TypeRequest, req.frame.Type)
	assert.Equal(t, PushConfigCode, req.frame.Code)
	assert.Zero(t, req.frame.Seq, "stream requests are uncorrelated")

	var got PushConfig
	require.NoError(t, json.Unmarshal(req.frame.Payload, &got))
	assert.Equal(t, cfg, got)

	// The acknowledgment arrives on the stream and fans out like any
	// other frame.
	_, _ = req.conn.Write(wire.Encode(wire.Frame{
		Type:    wire.TypeResponse,
		Code:    PushConfigCode,
		Seq:     req.frame.Seq,
		Payload: []byte(`{"ret_code": 0}`),
	}))
	require.Eventually(t, func() bool { return sub.frameCount() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestConfigureWithoutConnection(t *testing.T) {
	l, err := NewPushListener().WithAddress("127.0.0.1:19301").Build()
	require.NoError(t, err)
	assert.ErrorIs(t, l.Configure(context.Background(), PushConfig{}), ErrConnClosed)
}
