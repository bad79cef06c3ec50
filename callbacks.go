package reactor

import (
	"time"

	"go.uber.org/zap"
)

// ConnectionCallback is invoked twice per connection: once after it is
// established and once when it goes down. Use Connected to tell the two
// apart.
type ConnectionCallback func(*TCPConn)

// MessageCallback is invoked when bytes arrive. The buffer belongs to the
// connection; retrieve what was consumed before returning.
type MessageCallback func(*TCPConn, *Buffer, time.Time)

// WriteCompleteCallback is invoked when the output buffer drains.
type WriteCompleteCallback func(*TCPConn)

// HighWaterMarkCallback is invoked once each time the output buffer grows
// across the high-water mark.
type HighWaterMarkCallback func(*TCPConn, int)

// TimerCallback runs on the loop that owns the timer.
type TimerCallback func()

// closeCallback is internal to TCPServer.
type closeCallback func(*TCPConn)

func defaultConnectionCallback(conn *TCPConn) {
	logger.Debug("connection",
		zap.String("local", conn.LocalAddr().String()),
		zap.String("peer", conn.PeerAddr().String()),
		zap.Bool("up", conn.Connected()))
}

func defaultMessageCallback(conn *TCPConn, buf *Buffer, _ time.Time) {
	buf.RetrieveAll()
}
