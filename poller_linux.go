//go:build linux

package reactor

import (
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Per-channel registration state, stored as the channel's poller index.
const (
	pollerNew     = -1 // never registered, not in the map
	pollerAdded   = 1  // in the map and registered with the kernel
	pollerDeleted = 2  // in the map but unregistered from the kernel
)

const initialEventListSize = 16

// Poller multiplexes descriptor readiness for one loop through epoll. It
// maps descriptors to their channels and is touched only by the owning
// loop's goroutine.
type Poller struct {
	loop     *EventLoop
	epollFd  int
	events   []unix.EpollEvent
	channels map[int]*Channel
}

func newPoller(loop *EventLoop) (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Poller{
		loop:     loop,
		epollFd:  fd,
		events:   make([]unix.EpollEvent, initialEventListSize),
		channels: make(map[int]*Channel),
	}, nil
}

func (p *Poller) close() {
	unix.Close(p.epollFd)
}

// poll blocks in epoll_wait for up to timeoutMs, stashes each ready
// event's mask into its channel and appends the channel to active. The
// return value is the poll-return timestamp.
func (p *Poller) poll(timeoutMs int, active *[]*Channel) time.Time {
	n, err := unix.EpollWait(p.epollFd, p.events, timeoutMs)
	now := time.Now()
	switch {
	case n > 0:
		p.fillActiveChannels(n, active)
		if n == len(p.events) {
			p.events = make([]unix.EpollEvent, 2*len(p.events))
		}
	case n == 0:
		logger.Debug("poller: nothing happened")
	default:
		if err != unix.EINTR {
			logger.Error("poller: epoll_wait", zap.Error(err))
		}
	}
	return now
}

func (p *Poller) fillActiveChannels(n int, active *[]*Channel) {
	for i := 0; i < n; i++ {
		ch, ok := p.channels[int(p.events[i].Fd)]
		if !ok {
			continue
		}
		ch.setRevents(p.events[i].Events)
		*active = append(*active, ch)
	}
}

// updateChannel registers or re-registers a channel's interest with the
// kernel, moving it through the new/added/deleted state machine.
func (p *Poller) updateChannel(ch *Channel) {
	p.loop.assertInLoopThread()
	switch ch.index {
	case pollerNew, pollerDeleted:
		if ch.index == pollerNew {
			p.channels[ch.fd] = ch
		}
		ch.index = pollerAdded
		p.ctl(unix.EPOLL_CTL_ADD, ch)
	case pollerAdded:
		if ch.IsNoneEvent() {
			p.ctl(unix.EPOLL_CTL_DEL, ch)
			ch.index = pollerDeleted
		} else {
			p.ctl(unix.EPOLL_CTL_MOD, ch)
		}
	}
}

// removeChannel erases a channel from the map. The channel must carry no
// interest.
func (p *Poller) removeChannel(ch *Channel) {
	p.loop.assertInLoopThread()
	if !ch.IsNoneEvent() {
		logger.Fatal("poller: removing channel with live interest",
			zap.Int("fd", ch.fd))
	}
	if ch.index == pollerAdded {
		p.ctl(unix.EPOLL_CTL_DEL, ch)
	}
	delete(p.channels, ch.fd)
	ch.index = pollerNew
}

func (p *Poller) hasChannel(ch *Channel) bool {
	found, ok := p.channels[ch.fd]
	return ok && found == ch
}

func (p *Poller) ctl(op int, ch *Channel) {
	ev := unix.EpollEvent{Events: ch.events, Fd: int32(ch.fd)}
	if err := unix.EpollCtl(p.epollFd, op, ch.fd, &ev); err != nil {
		if op == unix.EPOLL_CTL_DEL {
			logger.Error("poller: epoll_ctl del",
				zap.Int("fd", ch.fd), zap.Error(err))
		} else {
			logger.Fatal("poller: epoll_ctl",
				zap.Int("op", op), zap.Int("fd", ch.fd), zap.Error(err))
		}
	}
}
