package reactor

import (
	"sync/atomic"
	"time"

	"github.com/talostrading/reactor/internal"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Connection states.
const (
	StateConnecting int32 = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

const defaultHighWaterMark = 64 * 1024 * 1024

// TCPConn is one established connection, owned by exactly one loop. It
// owns the descriptor, its channel, and the input/output buffers; all of
// them are touched only on the owning loop's thread. Send, Shutdown and
// ForceClose are safe from any goroutine because they post.
//
// The connection callback fires exactly twice: once on establishment and
// once on teardown. When the connection closes itself the teardown call
// runs before it is dropped from its server's map; TCPServer.Stop drops it
// from the map first.
type TCPConn struct {
	loop      *EventLoop
	name      string
	state     atomic.Int32
	reading   bool
	destroyed atomic.Bool

	socket  *socket
	channel *Channel

	localAddr InetAddress
	peerAddr  InetAddress

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         closeCallback
	highWaterMark         int

	inputBuffer  *Buffer
	outputBuffer *Buffer

	context interface{}
}

func newTCPConn(loop *EventLoop, name string, fd int, localAddr, peerAddr InetAddress) *TCPConn {
	c := &TCPConn{
		loop:          loop,
		name:          name,
		reading:       true,
		socket:        newSocket(fd),
		channel:       newChannel(loop, fd),
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		highWaterMark: defaultHighWaterMark,
		inputBuffer:   NewBuffer(),
		outputBuffer:  NewBuffer(),
	}
	c.state.Store(StateConnecting)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	c.socket.setKeepAlive(true)
	logger.Debug("connection created", zap.String("name", name), zap.Int("fd", fd))
	return c
}

func (c *TCPConn) Loop() *EventLoop {
	return c.loop
}

func (c *TCPConn) Name() string {
	return c.name
}

func (c *TCPConn) LocalAddr() InetAddress {
	return c.localAddr
}

func (c *TCPConn) PeerAddr() InetAddress {
	return c.peerAddr
}

func (c *TCPConn) Connected() bool {
	return c.state.Load() == StateConnected
}

func (c *TCPConn) Disconnected() bool {
	return c.state.Load() == StateDisconnected
}

func (c *TCPConn) InputBuffer() *Buffer {
	return c.inputBuffer
}

func (c *TCPConn) OutputBuffer() *Buffer {
	return c.outputBuffer
}

// SetContext attaches arbitrary user state to the connection.
func (c *TCPConn) SetContext(v interface{}) {
	c.context = v
}

func (c *TCPConn) Context() interface{} {
	return c.context
}

func (c *TCPConn) SetConnectionCallback(cb ConnectionCallback) {
	c.connectionCallback = cb
}

func (c *TCPConn) SetMessageCallback(cb MessageCallback) {
	c.messageCallback = cb
}

func (c *TCPConn) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	c.writeCompleteCallback = cb
}

// SetHighWaterMarkCallback arms the output-buffer backpressure
// notification at the given threshold.
func (c *TCPConn) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}

func (c *TCPConn) setCloseCallback(cb closeCallback) {
	c.closeCallback = cb
}

func (c *TCPConn) SetTCPNoDelay(on bool) {
	c.socket.setNoDelay(on)
}

func (c *TCPConn) StateString() string {
	switch c.state.Load() {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	}
	return "unknown"
}

// Send writes data to the peer, buffering whatever the socket does not
// take immediately. From a goroutine other than the owning loop's the
// bytes are copied through a pooled buffer first; the caller's slice may
// be reused as soon as Send returns.
func (c *TCPConn) Send(data []byte) {
	if c.state.Load() != StateConnected {
		logger.Warn("send on non-connected connection, bytes dropped",
			zap.String("name", c.name), zap.Int("len", len(data)))
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	bb := bytebufferpool.Get()
	bb.Write(data)
	c.loop.QueueInLoop(func() {
		c.sendInLoop(bb.B)
		bytebufferpool.Put(bb)
	})
}

// SendString is Send for string payloads.
func (c *TCPConn) SendString(s string) {
	if c.state.Load() != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop([]byte(s))
		return
	}
	bb := bytebufferpool.Get()
	bb.WriteString(s)
	c.loop.QueueInLoop(func() {
		c.sendInLoop(bb.B)
		bytebufferpool.Put(bb)
	})
}

// SendBuffer sends and drains the readable window of buf.
func (c *TCPConn) SendBuffer(buf *Buffer) {
	if c.state.Load() != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(buf.Peek())
		buf.RetrieveAll()
		return
	}
	bb := bytebufferpool.Get()
	bb.Write(buf.Peek())
	buf.RetrieveAll()
	c.loop.QueueInLoop(func() {
		c.sendInLoop(bb.B)
		bytebufferpool.Put(bb)
	})
}

func (c *TCPConn) sendInLoop(data []byte) {
	c.loop.assertInLoopThread()
	if c.state.Load() == StateDisconnected {
		logger.Warn("send on disconnected connection, bytes dropped",
			zap.String("name", c.name), zap.Int("len", len(data)))
		return
	}

	nwrote := 0
	remaining := len(data)
	faultError := false

	// Try a direct write when nothing is queued; otherwise bytes would
	// arrive out of order.
	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := internal.Write(c.channel.Fd(), data)
		if n >= 0 {
			nwrote = n
			remaining -= n
			if remaining == 0 && c.writeCompleteCallback != nil {
				conn := c
				c.loop.QueueInLoop(func() { conn.writeCompleteCallback(conn) })
			}
		} else {
			nwrote = 0
			if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
				logger.Error("connection: write", zap.String("name", c.name),
					zap.Error(err))
				if err == unix.EPIPE || err == unix.ECONNRESET {
					faultError = true
				}
			}
		}
	}

	if !faultError && remaining > 0 {
		oldLen := c.outputBuffer.ReadableBytes()
		if oldLen+remaining >= c.highWaterMark &&
			oldLen < c.highWaterMark &&
			c.highWaterMarkCallback != nil {
			conn := c
			size := oldLen + remaining
			c.loop.QueueInLoop(func() { conn.highWaterMarkCallback(conn, size) })
		}
		c.outputBuffer.Append(data[nwrote:])
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	}
}

// Shutdown closes the write half once pending output drains.
func (c *TCPConn) Shutdown() {
	if c.state.CompareAndSwap(StateConnected, StateDisconnecting) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TCPConn) shutdownInLoop() {
	c.loop.assertInLoopThread()
	if !c.channel.IsWriting() {
		c.socket.shutdownWrite()
	}
}

// ForceClose tears the connection down without waiting for output to
// drain. No-op on a Disconnected connection.
func (c *TCPConn) ForceClose() {
	s := c.state.Load()
	if s == StateConnected || s == StateDisconnecting {
		c.state.Store(StateDisconnecting)
		conn := c
		c.loop.QueueInLoop(func() { conn.forceCloseInLoop() })
	}
}

// ForceCloseWithDelay schedules a ForceClose. A connection that closes
// normally first makes the delayed close a no-op.
func (c *TCPConn) ForceCloseWithDelay(delay time.Duration) {
	s := c.state.Load()
	if s == StateConnected || s == StateDisconnecting {
		c.state.Store(StateDisconnecting)
		conn := c
		c.loop.RunAfter(delay, func() { conn.ForceClose() })
	}
}

func (c *TCPConn) forceCloseInLoop() {
	c.loop.assertInLoopThread()
	s := c.state.Load()
	if s == StateConnected || s == StateDisconnecting {
		c.handleClose()
	}
}

// StartRead re-enables read interest after StopRead.
func (c *TCPConn) StartRead() {
	c.loop.RunInLoop(func() {
		if !c.reading || !c.channel.IsReading() {
			c.channel.EnableReading()
			c.reading = true
		}
	})
}

// StopRead suspends read interest; bytes accumulate in the kernel and the
// peer eventually blocks, which is the crudest form of backpressure.
func (c *TCPConn) StopRead() {
	c.loop.RunInLoop(func() {
		if c.reading || c.channel.IsReading() {
			c.channel.DisableReading()
			c.reading = false
		}
	})
}

func (c *TCPConn) IsReading() bool {
	return c.reading
}

// connectEstablished completes setup on the owning loop: tie the channel,
// enable reading, report the up-transition. Posted by TCPServer.
func (c *TCPConn) connectEstablished() {
	c.loop.assertInLoopThread()
	if !c.state.CompareAndSwap(StateConnecting, StateConnected) {
		logger.Fatal("connectEstablished on non-connecting connection",
			zap.String("name", c.name), zap.String("state", c.StateString()))
	}
	conn := c
	c.channel.Tie(func() bool { return !conn.destroyed.Load() })
	c.channel.EnableReading()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// connectDestroyed is the final teardown step, posted by TCPServer after
// the connection leaves its map. It reports the down-transition when
// handleClose has not already done so, then removes the channel.
func (c *TCPConn) connectDestroyed() {
	c.loop.assertInLoopThread()
	if c.destroyed.Swap(true) {
		return
	}
	if s := c.state.Load(); s == StateConnected || s == StateDisconnecting {
		c.state.Store(StateDisconnected)
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.Remove()
	c.socket.close()
	logger.Debug("connection destroyed", zap.String("name", c.name))
}

func (c *TCPConn) handleRead(receiveTime time.Time) {
	c.loop.assertInLoopThread()
	n, err := c.inputBuffer.ReadFd(c.channel.Fd())
	switch {
	case n > 0:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, receiveTime)
		}
	case n == 0:
		c.handleClose()
	default:
		logger.Error("connection: read", zap.String("name", c.name),
			zap.Error(err))
		c.handleError()
	}
}

// handleWrite drains the output buffer on writable readiness. Write
// interest is dropped the moment the buffer empties; leaving it armed
// under level-triggered notification would spin the loop.
func (c *TCPConn) handleWrite() {
	c.loop.assertInLoopThread()
	if !c.channel.IsWriting() {
		logger.Debug("connection is down, no more writing",
			zap.String("name", c.name))
		return
	}
	n, err := internal.Write(c.channel.Fd(), c.outputBuffer.Peek())
	if n > 0 {
		c.outputBuffer.Retrieve(n)
		if c.outputBuffer.ReadableBytes() == 0 {
			c.channel.DisableWriting()
			if c.writeCompleteCallback != nil {
				conn := c
				c.loop.QueueInLoop(func() { conn.writeCompleteCallback(conn) })
			}
			if c.state.Load() == StateDisconnecting {
				c.shutdownInLoop()
			}
		}
	} else {
		logger.Error("connection: handleWrite", zap.String("name", c.name),
			zap.Error(err))
	}
}

// handleClose reports the down-transition and hands the connection back
// to its server. A local strong reference outlives both callbacks so the
// object cannot be collected mid-dispatch.
func (c *TCPConn) handleClose() {
	c.loop.assertInLoopThread()
	s := c.state.Load()
	if s != StateConnected && s != StateDisconnecting {
		logger.Fatal("handleClose in unexpected state",
			zap.String("name", c.name), zap.String("state", c.StateString()))
	}
	c.state.Store(StateDisconnected)
	c.channel.DisableAll()

	conn := c
	if conn.connectionCallback != nil {
		conn.connectionCallback(conn)
	}
	if conn.closeCallback != nil {
		conn.closeCallback(conn)
	}
}

func (c *TCPConn) handleError() {
	errno := internal.GetSocketError(c.channel.Fd())
	logger.Error("connection: SO_ERROR", zap.String("name", c.name),
		zap.Uint32("errno", uint32(errno)), zap.String("msg", errno.Error()))
}
