package amrlink

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amrlink/amrlink/pkg/amrlink/wire"
)

// fakeRobot is an in-process peer speaking the frame protocol over real
// TCP. Each decoded frame is handed to the handler together with the
// connection it arrived on, so tests control replies, reordering, and
// raw garbage injection.
type fakeRobot struct {
	t       *testing.T
	ln      net.Listener
	handler func(f wire.Frame, conn net.Conn)

	mu    sync.Mutex
	conns []net.Conn
}

func newFakeRobot(t *testing.T, handler func(f wire.Frame, conn net.Conn)) *fakeRobot {
	t.Helper()
	return newFakeRobotOn(t, "127.0.0.1:0", handler)
}

// newFakeRobotOn binds a specific address, for tests that bring a peer
// back up on a port a client already knows.
func newFakeRobotOn(t *testing.T, addr string, handler func(f wire.Frame, conn net.Conn)) *fakeRobot {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	f := &fakeRobot{t: t, ln: ln, handler: handler}
	go f.acceptLoop()
	t.Cleanup(f.close)
	return f
}

func (f *fakeRobot) addr() string { return f.ln.Addr().String() }

func (f *fakeRobot) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.serve(conn)
	}
}

func (f *fakeRobot) serve(conn net.Conn) {
	dec := wire.NewDecoder(0)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			for {
				frame, derr := dec.Next()
				if derr != nil {
					if errors.Is(derr, wire.ErrShortFrame) {
						break
					}
					continue
				}
				if f.handler != nil {
					f.handler(frame, conn)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// broadcast writes a frame on every currently accepted connection.
func (f *fakeRobot) broadcast(frame wire.Frame) {
	f.mu.Lock()
	conns := append([]net.Conn{}, f.conns...)
	f.mu.Unlock()
	for _, conn := range conns {
		_, _ = conn.Write(wire.Encode(frame))
	}
}

// broadcastRaw writes arbitrary bytes on every accepted connection.
func (f *fakeRobot) broadcastRaw(p []byte) {
	f.mu.Lock()
	conns := append([]net.Conn{}, f.conns...)
	f.mu.Unlock()
	for _, conn := range conns {
		_, _ = conn.Write(p)
	}
}

// dropConnections severs every accepted connection, simulating a
// connection loss without stopping the listener.
func (f *fakeRobot) dropConnections() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (f *fakeRobot) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeRobot) close() {
	_ = f.ln.Close()
	f.dropConnections()
}

// echoHandler replies to every request with a RESPONSE frame carrying
// the request's own payload.
func echoHandler(f wire.Frame, conn net.Conn) {
	_, _ = conn.Write(wire.Encode(wire.Frame{
		Type:    wire.TypeResponse,
		Code:    f.Code,
		Seq:     f.Seq,
		Payload: f.Payload,
	}))
}

// silentHandler swallows every request.
func silentHandler(wire.Frame, net.Conn) {}
