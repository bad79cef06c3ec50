package reactor

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/talostrading/reactor/internal"
)

type serverHarness struct {
	loop   *EventLoop
	server *TCPServer
	addr   string
	done   chan struct{}
}

// startServer runs a TCPServer on a fresh loop thread, listening on an
// ephemeral loopback port. configure runs on the loop thread before
// Start.
func startServer(t *testing.T, workers int, configure func(*TCPServer)) *serverHarness {
	t.Helper()

	h := &serverHarness{done: make(chan struct{})}
	ready := make(chan struct{})

	go func() {
		loop := NewEventLoop()
		server := NewTCPServer(loop, NewInetAddress(0, true, false), "test-server")
		if workers > 0 {
			server.SetLoopGroup(NewEventLoopGroup(loop, "test-worker", workers))
		}
		if configure != nil {
			configure(server)
		}
		server.Start()

		h.loop = loop
		h.server = server
		h.addr = fmt.Sprintf("127.0.0.1:%d",
			internal.LocalAddr(server.acceptor.acceptSocket.fd).Port())
		close(ready)

		loop.Loop()
		loop.Close()
		close(h.done)
	}()

	<-ready
	return h
}

func (h *serverHarness) stop(t *testing.T) {
	t.Helper()
	h.server.Stop()
	if h.server.group != nil {
		h.server.group.Quit()
	}
	h.loop.Quit()
	select {
	case <-h.done:
	case <-time.After(15 * time.Second):
		t.Fatal("server loop did not quit")
	}
}

// Accept-and-echo: the message callback sees exactly the client's bytes
// and echoing them brings them back.
func TestServerEcho(t *testing.T) {
	var badLength atomic.Int32
	h := startServer(t, 0, func(s *TCPServer) {
		s.SetMessageCallback(func(conn *TCPConn, buf *Buffer, _ time.Time) {
			if buf.ReadableBytes() != 5 {
				badLength.Add(1)
			}
			conn.SendBuffer(buf)
		})
	})
	defer h.stop(t)

	client, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("ping\n")); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 5)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "ping\n" {
		t.Fatalf("echoed %q, want %q", got, "ping\n")
	}
	if badLength.Load() != 0 {
		t.Fatal("message callback saw a wrong-sized buffer")
	}
}

// Peer shutdown: up-transition, no zero-length message delivery, then
// down-transition and removal from the server's map.
func TestServerPeerShutdown(t *testing.T) {
	var ups, downs, zeroReads atomic.Int32
	h := startServer(t, 0, func(s *TCPServer) {
		s.SetConnectionCallback(func(conn *TCPConn) {
			if conn.Connected() {
				ups.Add(1)
				conn.Send([]byte("hello\n"))
			} else {
				downs.Add(1)
			}
		})
		s.SetMessageCallback(func(conn *TCPConn, buf *Buffer, _ time.Time) {
			if buf.ReadableBytes() == 0 {
				zeroReads.Add(1)
			}
			buf.RetrieveAll()
		})
	})
	defer h.stop(t)

	client, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 6)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatal(err)
	}
	client.Close()

	waitFor(t, 5*time.Second, func() bool { return downs.Load() == 1 },
		"no down-transition after peer close")
	waitFor(t, 5*time.Second, func() bool { return h.server.ConnectionCount() == 0 },
		"connection not removed from the server map")

	if ups.Load() != 1 {
		t.Fatalf("%d up-transitions, want 1", ups.Load())
	}
	if zeroReads.Load() != 0 {
		t.Fatal("message callback was invoked for a zero-length read")
	}
}

// Connection callback parity holds across many short-lived connections.
func TestServerCallbackParity(t *testing.T) {
	var ups, downs atomic.Int32
	h := startServer(t, 2, func(s *TCPServer) {
		s.SetConnectionCallback(func(conn *TCPConn) {
			if conn.Connected() {
				ups.Add(1)
			} else {
				downs.Add(1)
			}
		})
	})
	defer h.stop(t)

	const n = 16
	for i := 0; i < n; i++ {
		client, err := net.Dial("tcp", h.addr)
		if err != nil {
			t.Fatal(err)
		}
		client.Close()
	}

	waitFor(t, 10*time.Second, func() bool { return downs.Load() == n },
		"missing down-transitions")
	if ups.Load() != n {
		t.Fatalf("%d ups for %d connections", ups.Load(), n)
	}
}

// With a loop group, connections spread round-robin over the workers.
func TestServerRoundRobinAssignment(t *testing.T) {
	var mu sync.Mutex
	perLoop := make(map[*EventLoop]int)

	h := startServer(t, 2, func(s *TCPServer) {
		s.SetConnectionCallback(func(conn *TCPConn) {
			if conn.Connected() {
				mu.Lock()
				perLoop[conn.Loop()]++
				mu.Unlock()
			}
		})
	})
	defer h.stop(t)

	const n = 4
	clients := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		client, err := net.Dial("tcp", h.addr)
		if err != nil {
			t.Fatal(err)
		}
		clients = append(clients, client)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, c := range perLoop {
			total += c
		}
		return total == n
	}, "not all connections established")

	mu.Lock()
	defer mu.Unlock()
	if len(perLoop) != 2 {
		t.Fatalf("connections landed on %d loops, want 2", len(perLoop))
	}
	for loop, c := range perLoop {
		if c != n/2 {
			t.Fatalf("loop %p got %d connections, want %d", loop, c, n/2)
		}
		if loop == h.loop {
			t.Fatal("a connection was assigned to the acceptor loop")
		}
	}
}

func TestServerStartIdempotent(t *testing.T) {
	h := startServer(t, 0, nil)
	defer h.stop(t)

	// A second Start must be a no-op rather than a relisten.
	h.server.Start()

	client, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatal(err)
	}
	client.Close()
}
