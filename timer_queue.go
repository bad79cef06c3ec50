package reactor

import (
	"sort"
	"time"

	"github.com/talostrading/reactor/internal"
	"go.uber.org/zap"
)

// timerEntry orders timers by (expiration, sequence). The sequence breaks
// ties so two timers sharing an expiration fire in insertion order.
type timerEntry struct {
	when  time.Time
	timer *Timer
}

func entryLess(a, b timerEntry) bool {
	if !a.when.Equal(b.when) {
		return a.when.Before(b.when)
	}
	return a.timer.sequence < b.timer.sequence
}

// TimerQueue schedules callbacks on its owning loop, backed by a single
// kernel timer descriptor armed to the earliest expiration. All mutation
// happens in-loop; addTimer and cancel are safe to call from anywhere
// because they post.
type TimerQueue struct {
	loop           *EventLoop
	timerFd        *internal.TimerFd
	timerFdChannel *Channel

	// timers is kept sorted by (expiration, sequence); activeTimers holds
	// the same set keyed by sequence for cancellation.
	timers       []timerEntry
	activeTimers map[int64]*Timer

	callingExpiredTimers bool
	cancelingTimers      map[int64]struct{}
}

func newTimerQueue(loop *EventLoop) *TimerQueue {
	tfd, err := internal.NewTimerFd()
	if err != nil {
		logger.Fatal("timerfd_create", zap.Error(err))
	}
	q := &TimerQueue{
		loop:            loop,
		timerFd:         tfd,
		timerFdChannel:  newChannel(loop, tfd.Fd()),
		activeTimers:    make(map[int64]*Timer),
		cancelingTimers: make(map[int64]struct{}),
	}
	q.timerFdChannel.SetReadCallback(q.handleRead)
	q.timerFdChannel.EnableReading()
	return q
}

func (q *TimerQueue) close() {
	q.timerFdChannel.DisableAll()
	q.timerFdChannel.Remove()
	q.timerFd.Close()
	q.timers = nil
	q.activeTimers = nil
}

// addTimer schedules cb at when, repeating every interval when interval is
// positive. Safe to call from any goroutine.
func (q *TimerQueue) addTimer(cb TimerCallback, when time.Time, interval time.Duration) TimerID {
	timer := newTimer(cb, when, interval)
	q.loop.RunInLoop(func() { q.addTimerInLoop(timer) })
	return TimerID{timer: timer, sequence: timer.sequence}
}

// cancel removes the timer named by id. Safe to call from any goroutine;
// a cancel racing the timer's own firing is honored before any repeat.
func (q *TimerQueue) cancel(id TimerID) {
	q.loop.RunInLoop(func() { q.cancelInLoop(id) })
}

func (q *TimerQueue) addTimerInLoop(timer *Timer) {
	q.loop.assertInLoopThread()
	if q.insert(timer) {
		q.timerFd.ArmAt(timer.expiration)
	}
}

func (q *TimerQueue) cancelInLoop(id TimerID) {
	q.loop.assertInLoopThread()
	if t, ok := q.activeTimers[id.sequence]; ok && t == id.timer {
		q.eraseEntry(timerEntry{when: t.expiration, timer: t})
		delete(q.activeTimers, id.sequence)
	} else if q.callingExpiredTimers {
		q.cancelingTimers[id.sequence] = struct{}{}
	}
}

// handleRead fires on timerfd readability: quiesce the descriptor, cut the
// expired prefix, run the callbacks in expiration order, then reinsert
// repeats and rearm.
func (q *TimerQueue) handleRead(_ time.Time) {
	q.loop.assertInLoopThread()
	now := time.Now()
	howmany, n, err := q.timerFd.Read()
	if err != nil || n != 8 {
		logger.Error("timer queue: timerfd read",
			zap.Int("n", n), zap.Error(err))
	} else {
		logger.Debug("timer queue fired", zap.Uint64("count", howmany))
	}

	expired := q.getExpired(now)

	q.callingExpiredTimers = true
	q.cancelingTimers = make(map[int64]struct{})
	for _, e := range expired {
		e.timer.run()
	}
	q.callingExpiredTimers = false

	q.reset(expired, now)
}

// getExpired moves every entry with expiration <= now out of both sets and
// returns them in expiration order.
func (q *TimerQueue) getExpired(now time.Time) []timerEntry {
	// First entry strictly after now; everything before it has expired.
	n := sort.Search(len(q.timers), func(i int) bool {
		return q.timers[i].when.After(now)
	})
	expired := make([]timerEntry, n)
	copy(expired, q.timers[:n])
	q.timers = q.timers[:copy(q.timers, q.timers[n:])]

	for _, e := range expired {
		delete(q.activeTimers, e.timer.sequence)
	}
	return expired
}

// reset reinserts repeating timers that were not cancelled mid-fire and
// rearms the descriptor to the new earliest expiration.
func (q *TimerQueue) reset(expired []timerEntry, now time.Time) {
	for _, e := range expired {
		if _, cancelled := q.cancelingTimers[e.timer.sequence]; e.timer.repeat && !cancelled {
			e.timer.restart(now)
			q.insert(e.timer)
		}
	}
	if len(q.timers) > 0 {
		q.timerFd.ArmAt(q.timers[0].when)
	}
}

// insert adds the timer to both sets and reports whether the earliest
// expiration changed.
func (q *TimerQueue) insert(timer *Timer) bool {
	entry := timerEntry{when: timer.expiration, timer: timer}
	i := sort.Search(len(q.timers), func(i int) bool {
		return entryLess(entry, q.timers[i])
	})
	q.timers = append(q.timers, timerEntry{})
	copy(q.timers[i+1:], q.timers[i:])
	q.timers[i] = entry
	q.activeTimers[timer.sequence] = timer
	return i == 0
}

func (q *TimerQueue) eraseEntry(entry timerEntry) {
	i := sort.Search(len(q.timers), func(i int) bool {
		return !entryLess(q.timers[i], entry)
	})
	if i < len(q.timers) && q.timers[i].timer == entry.timer {
		q.timers = append(q.timers[:i], q.timers[i+1:]...)
	}
}
