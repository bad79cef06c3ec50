package reactor

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	noneEvent  uint32 = 0
	readEvent  uint32 = unix.EPOLLIN | unix.EPOLLPRI
	writeEvent uint32 = unix.EPOLLOUT
)

// Channel is the registration handle binding one descriptor to one loop.
// It carries the interest mask pushed into the poller, the readiness mask
// the poller reported last, and the callbacks dispatch routes to. A
// channel never owns its descriptor; the acceptor, connection, timer
// queue, or loop that created it does.
type Channel struct {
	loop    *EventLoop
	fd      int
	events  uint32 // interest
	revents uint32 // readiness reported by the poller
	index   int    // poller registration state

	readCallback  func(time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()

	// tie suppresses dispatch once the owning object has been torn down
	// between poll return and handleEvent.
	tied bool
	tie  func() bool

	eventHandling bool
	addedToLoop   bool
	logHup        bool
}

func newChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:   loop,
		fd:     fd,
		index:  pollerNew,
		logHup: true,
	}
}

func (c *Channel) Fd() int {
	return c.fd
}

func (c *Channel) OwnerLoop() *EventLoop {
	return c.loop
}

func (c *Channel) SetReadCallback(cb func(time.Time)) {
	c.readCallback = cb
}

func (c *Channel) SetWriteCallback(cb func()) {
	c.writeCallback = cb
}

func (c *Channel) SetCloseCallback(cb func()) {
	c.closeCallback = cb
}

func (c *Channel) SetErrorCallback(cb func()) {
	c.errorCallback = cb
}

// Tie records a liveness probe for the channel's owner. When set, dispatch
// first checks the probe and becomes a no-op if the owner reports torn
// down.
func (c *Channel) Tie(alive func() bool) {
	c.tie = alive
	c.tied = true
}

func (c *Channel) EnableReading() {
	c.events |= readEvent
	c.update()
}

func (c *Channel) DisableReading() {
	c.events &^= readEvent
	c.update()
}

func (c *Channel) EnableWriting() {
	c.events |= writeEvent
	c.update()
}

func (c *Channel) DisableWriting() {
	c.events &^= writeEvent
	c.update()
}

func (c *Channel) DisableAll() {
	c.events = noneEvent
	c.update()
}

func (c *Channel) IsWriting() bool {
	return c.events&writeEvent != 0
}

func (c *Channel) IsReading() bool {
	return c.events&readEvent != 0
}

func (c *Channel) IsNoneEvent() bool {
	return c.events == noneEvent
}

func (c *Channel) update() {
	c.addedToLoop = true
	c.loop.updateChannel(c)
}

// Remove takes the channel out of its poller. The interest mask must be
// empty and no dispatch may be in flight.
func (c *Channel) Remove() {
	if !c.IsNoneEvent() {
		logger.Fatal("channel removed with live interest",
			zap.Int("fd", c.fd))
	}
	c.addedToLoop = false
	c.loop.removeChannel(c)
}

func (c *Channel) setRevents(revents uint32) {
	c.revents = revents
}

// HandleEvent routes the readiness mask reported by the poller to the
// registered callbacks. When tied, dispatch is skipped if the owner has
// been torn down.
func (c *Channel) HandleEvent(receiveTime time.Time) {
	if c.tied && !c.tie() {
		return
	}
	c.handleEventWithGuard(receiveTime)
}

// Dispatch order: hangup-without-read delivers close first, then error,
// then read, then write, so callbacks observe terminal data before
// reacting to writability.
func (c *Channel) handleEventWithGuard(receiveTime time.Time) {
	c.eventHandling = true

	if c.revents&unix.EPOLLHUP != 0 && c.revents&unix.EPOLLIN == 0 {
		if c.logHup {
			logger.Warn("channel hangup", zap.Int("fd", c.fd),
				zap.Uint32("revents", c.revents))
		}
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}

	if c.revents&unix.POLLNVAL != 0 {
		logger.Warn("channel on invalid descriptor", zap.Int("fd", c.fd))
	}

	if c.revents&(unix.EPOLLERR|unix.POLLNVAL) != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}

	if c.revents&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}

	if c.revents&unix.EPOLLOUT != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}

	c.eventHandling = false
}
