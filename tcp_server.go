package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/talostrading/reactor/internal"
	"github.com/talostrading/reactor/reactoropts"
	"go.uber.org/zap"
)

// TCPServer accepts connections on one listening address and distributes
// them across a group of worker loops. It keeps every live connection in
// a name-keyed map. A connection that closes leaves the map after its
// down-callback has run; Stop empties the map first and then delivers the
// remaining down-callbacks on each connection's own loop.
type TCPServer struct {
	loop     *EventLoop
	ipPort   string
	name     string
	acceptor *Acceptor
	group    *EventLoopGroup

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback

	started    atomic.Int32
	nextConnID int

	mu          sync.Mutex
	connections map[string]*TCPConn
}

// NewTCPServer constructs a server listening on listenAddr once Start is
// called. The acceptor lives on loop; worker assignment is configured
// with SetLoopGroup before Start.
func NewTCPServer(loop *EventLoop, listenAddr InetAddress, name string, opts ...reactoropts.Option) *TCPServer {
	if loop == nil {
		logger.Fatal("TCPServer constructed without a loop")
	}
	s := &TCPServer{
		loop:               loop,
		ipPort:             listenAddr.String(),
		name:               name,
		acceptor:           newAcceptor(loop, listenAddr, opts...),
		connectionCallback: defaultConnectionCallback,
		messageCallback:    defaultMessageCallback,
		nextConnID:         1,
		connections:        make(map[string]*TCPConn),
	}
	s.acceptor.setNewConnectionCallback(s.newConnection)
	return s
}

func (s *TCPServer) Loop() *EventLoop {
	return s.loop
}

func (s *TCPServer) Name() string {
	return s.name
}

func (s *TCPServer) IPPort() string {
	return s.ipPort
}

// SetLoopGroup attaches worker loops; accepted connections are assigned
// round-robin. Must be called before Start.
func (s *TCPServer) SetLoopGroup(g *EventLoopGroup) {
	if s.started.Load() != 0 {
		logger.Fatal("SetLoopGroup after Start", zap.String("server", s.name))
	}
	s.group = g
}

func (s *TCPServer) SetConnectionCallback(cb ConnectionCallback) {
	s.connectionCallback = cb
}

func (s *TCPServer) SetMessageCallback(cb MessageCallback) {
	s.messageCallback = cb
}

func (s *TCPServer) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	s.writeCompleteCallback = cb
}

// Start begins accepting. Idempotent; only the first call has effect.
func (s *TCPServer) Start() {
	if !s.started.CompareAndSwap(0, 1) {
		return
	}
	if s.group != nil {
		s.group.start()
	}
	s.loop.RunInLoop(s.acceptor.listen)
}

// Stop closes the listening socket and tears down every live connection.
// Idempotent; the server cannot be restarted afterwards.
func (s *TCPServer) Stop() {
	if !s.started.CompareAndSwap(1, 2) {
		return
	}
	s.loop.RunInLoop(func() {
		s.acceptor.close()

		s.mu.Lock()
		conns := make([]*TCPConn, 0, len(s.connections))
		for _, conn := range s.connections {
			conns = append(conns, conn)
		}
		s.connections = make(map[string]*TCPConn)
		s.mu.Unlock()

		for _, conn := range conns {
			conn.Loop().RunInLoop(conn.connectDestroyed)
		}
	})
}

// newConnection runs on the acceptor's loop for every accepted
// descriptor.
func (s *TCPServer) newConnection(fd int, peerAddr InetAddress) {
	s.loop.assertInLoopThread()

	ioLoop := s.loop
	if s.group != nil {
		ioLoop = s.group.NextLoop()
	}

	connName := fmt.Sprintf("%s-%s#%d", s.name, s.ipPort, s.nextConnID)
	s.nextConnID++
	localAddr := addrFromAddrPort(internal.LocalAddr(fd))

	logger.Info("new connection", zap.String("server", s.name),
		zap.String("conn", connName), zap.String("peer", peerAddr.String()))

	conn := newTCPConn(ioLoop, connName, fd, localAddr, peerAddr)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.setCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()

	ioLoop.RunInLoop(conn.connectEstablished)
}

// removeConnection may fire on any worker loop; the map mutation is
// bounced to the server's loop, and the final teardown is posted onward
// to the connection's own loop carrying the last reference.
func (s *TCPServer) removeConnection(conn *TCPConn) {
	s.loop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *TCPServer) removeConnectionInLoop(conn *TCPConn) {
	s.loop.assertInLoopThread()
	logger.Info("remove connection", zap.String("server", s.name),
		zap.String("conn", conn.Name()))

	s.mu.Lock()
	delete(s.connections, conn.Name())
	s.mu.Unlock()

	conn.Loop().QueueInLoop(conn.connectDestroyed)
}

// ConnectionCount returns the number of live connections.
func (s *TCPServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}
