package reactor

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talostrading/reactor/internal"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const pollTimeMs = 10 * 1000

// loopRegistry maps OS thread id to the loop owning that thread, enforcing
// one loop per thread.
var (
	loopRegistryMu sync.Mutex
	loopRegistry   = make(map[int]*EventLoop)
)

// LoopOfCurrentThread returns the loop owned by the calling thread, or
// nil. Meaningful only from a goroutine locked to its thread.
func LoopOfCurrentThread() *EventLoop {
	loopRegistryMu.Lock()
	defer loopRegistryMu.Unlock()
	return loopRegistry[unix.Gettid()]
}

// EventLoop is a one-loop-per-thread reactor: it owns a poller, a timer
// queue, a wakeup descriptor, and a queue of tasks posted by other
// goroutines. Construction locks the calling goroutine to its OS thread;
// every in-loop operation asserts it runs on that thread.
type EventLoop struct {
	looping       atomic.Bool
	quit          atomic.Bool
	closed        atomic.Bool
	eventHandling bool
	iteration     int64
	threadID      int

	poller         *Poller
	timerQueue     *TimerQueue
	pollReturnTime time.Time

	wakeupFd      *internal.EventFd
	wakeupChannel *Channel

	activeChannels       []*Channel
	currentActiveChannel *Channel

	mu                     sync.Mutex
	pendingFunctors        []func()
	callingPendingFunctors atomic.Bool
}

// NewEventLoop constructs the loop for the calling thread. The goroutine
// is locked to its OS thread for the lifetime of the loop. Constructing a
// second loop on the same thread is fatal.
func NewEventLoop() *EventLoop {
	runtime.LockOSThread()
	tid := unix.Gettid()

	loop := &EventLoop{threadID: tid}

	loopRegistryMu.Lock()
	if other := loopRegistry[tid]; other != nil {
		loopRegistryMu.Unlock()
		logger.Fatal("another EventLoop exists in this thread",
			zap.Int("tid", tid))
	}
	loopRegistry[tid] = loop
	loopRegistryMu.Unlock()

	poller, err := newPoller(loop)
	if err != nil {
		logger.Fatal("event loop: poller", zap.Error(err))
	}
	loop.poller = poller

	efd, err := internal.NewEventFd()
	if err != nil {
		logger.Fatal("event loop: eventfd", zap.Error(err))
	}
	loop.wakeupFd = efd
	loop.wakeupChannel = newChannel(loop, efd.Fd())
	loop.wakeupChannel.SetReadCallback(loop.handleWakeupRead)
	loop.wakeupChannel.EnableReading()

	loop.timerQueue = newTimerQueue(loop)

	logger.Debug("event loop created", zap.Int("tid", tid))
	return loop
}

// Close releases the loop's descriptors and unregisters its thread. The
// loop must not be running.
func (l *EventLoop) Close() {
	if l.looping.Load() {
		logger.Fatal("closing a looping EventLoop", zap.Int("tid", l.threadID))
	}
	if l.closed.Swap(true) {
		return
	}
	l.timerQueue.close()
	l.wakeupChannel.DisableAll()
	l.wakeupChannel.Remove()
	l.wakeupFd.Close()
	l.poller.close()

	loopRegistryMu.Lock()
	if loopRegistry[l.threadID] == l {
		delete(loopRegistry, l.threadID)
	}
	loopRegistryMu.Unlock()
}

// Loop runs the poll/dispatch/pending-task cycle until Quit. It must be
// called from the owning thread and may not be re-entered.
func (l *EventLoop) Loop() {
	if l.looping.Load() {
		logger.Fatal("EventLoop.Loop re-entered", zap.Int("tid", l.threadID))
	}
	l.assertInLoopThread()
	l.looping.Store(true)
	l.quit.Store(false)
	logger.Debug("event loop started", zap.Int("tid", l.threadID))

	for !l.quit.Load() {
		l.activeChannels = l.activeChannels[:0]
		l.pollReturnTime = l.poller.poll(pollTimeMs, &l.activeChannels)
		l.iteration++

		l.eventHandling = true
		for _, ch := range l.activeChannels {
			l.currentActiveChannel = ch
			ch.HandleEvent(l.pollReturnTime)
		}
		l.currentActiveChannel = nil
		l.eventHandling = false

		l.doPendingFunctors()
	}

	logger.Debug("event loop stopped", zap.Int("tid", l.threadID))
	l.looping.Store(false)
}

// Quit stops the loop at the top of its next iteration. Safe to call from
// any goroutine; a cross-thread quit also wakes the loop.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.wakeup()
	}
}

// RunInLoop runs f inline when called from the owning thread, otherwise
// queues it.
func (l *EventLoop) RunInLoop(f func()) {
	if l.IsInLoopThread() {
		f()
	} else {
		l.QueueInLoop(f)
	}
}

// QueueInLoop appends f to the pending-task queue. The loop is woken
// unless the caller is the owning thread outside the functor-drain phase,
// in which case this iteration will drain the queue anyway.
func (l *EventLoop) QueueInLoop(f func()) {
	l.mu.Lock()
	l.pendingFunctors = append(l.pendingFunctors, f)
	l.mu.Unlock()

	if !l.IsInLoopThread() || l.callingPendingFunctors.Load() {
		l.wakeup()
	}
}

// QueueSize returns the number of queued tasks.
func (l *EventLoop) QueueSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pendingFunctors)
}

// RunAt schedules cb at the absolute time when.
func (l *EventLoop) RunAt(when time.Time, cb TimerCallback) TimerID {
	return l.timerQueue.addTimer(cb, when, 0)
}

// RunAfter schedules cb after delay.
func (l *EventLoop) RunAfter(delay time.Duration, cb TimerCallback) TimerID {
	return l.RunAt(time.Now().Add(delay), cb)
}

// RunEvery schedules cb every interval, first firing one interval from
// now.
func (l *EventLoop) RunEvery(interval time.Duration, cb TimerCallback) TimerID {
	return l.timerQueue.addTimer(cb, time.Now().Add(interval), interval)
}

// Cancel removes a scheduled timer.
func (l *EventLoop) Cancel(id TimerID) {
	l.timerQueue.cancel(id)
}

func (l *EventLoop) wakeup() {
	// A task posted during teardown must not write into a descriptor the
	// loop has already closed.
	if l.closed.Load() {
		return
	}
	if _, err := l.wakeupFd.Write(1); err != nil {
		logger.Error("event loop: wakeup write", zap.Error(err))
	}
}

func (l *EventLoop) handleWakeupRead(_ time.Time) {
	if _, err := l.wakeupFd.Read(); err != nil {
		logger.Error("event loop: wakeup read", zap.Error(err))
	}
}

// doPendingFunctors swaps the queue out under the lock and runs the
// snapshot outside it: a functor may queue another functor without
// deadlocking, and the loop's iteration does work bounded by the snapshot.
func (l *EventLoop) doPendingFunctors() {
	l.callingPendingFunctors.Store(true)

	l.mu.Lock()
	functors := l.pendingFunctors
	l.pendingFunctors = nil
	l.mu.Unlock()

	for _, f := range functors {
		f()
	}
	l.callingPendingFunctors.Store(false)
}

func (l *EventLoop) updateChannel(ch *Channel) {
	l.assertInLoopThread()
	l.poller.updateChannel(ch)
}

func (l *EventLoop) removeChannel(ch *Channel) {
	l.assertInLoopThread()
	if l.eventHandling && ch != l.currentActiveChannel {
		for _, active := range l.activeChannels {
			if active == ch {
				logger.Fatal("removing a channel queued for dispatch",
					zap.Int("fd", ch.fd))
			}
		}
	}
	l.poller.removeChannel(ch)
}

func (l *EventLoop) hasChannel(ch *Channel) bool {
	l.assertInLoopThread()
	return l.poller.hasChannel(ch)
}

// IsInLoopThread reports whether the caller runs on the owning thread.
func (l *EventLoop) IsInLoopThread() bool {
	return unix.Gettid() == l.threadID
}

// EventHandling reports whether the loop is inside its dispatch phase.
func (l *EventLoop) EventHandling() bool {
	return l.eventHandling
}

// Iteration returns the number of completed poll cycles.
func (l *EventLoop) Iteration() int64 {
	return l.iteration
}

// PollReturnTime is the timestamp of the latest poll return.
func (l *EventLoop) PollReturnTime() time.Time {
	return l.pollReturnTime
}

func (l *EventLoop) assertInLoopThread() {
	if !l.IsInLoopThread() {
		logger.Fatal("EventLoop used off its owning thread",
			zap.Int("owner", l.threadID),
			zap.Int("caller", unix.Gettid()))
	}
}
