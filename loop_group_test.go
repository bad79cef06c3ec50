package reactor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopGroupStartsWorkers(t *testing.T) {
	withLoop(t, func(loop *EventLoop) {
		var inits atomic.Int32
		var mu sync.Mutex
		seen := make(map[*EventLoop]bool)

		started := make(chan *EventLoopGroup, 1)
		loop.RunInLoop(func() {
			g := NewEventLoopGroup(loop, "group-test", 3)
			g.SetThreadInitCallback(func(l *EventLoop) {
				inits.Add(1)
				mu.Lock()
				seen[l] = true
				mu.Unlock()
			})
			g.start()
			started <- g
		})
		g := <-started
		defer g.Quit()

		if got := inits.Load(); got != 3 {
			t.Fatalf("init callback ran %d times, want 3", got)
		}
		mu.Lock()
		distinct := len(seen)
		mu.Unlock()
		if distinct != 3 {
			t.Fatalf("init saw %d distinct loops, want 3", distinct)
		}
	})
}

func TestLoopGroupRoundRobin(t *testing.T) {
	withLoop(t, func(loop *EventLoop) {
		picked := make(chan []*EventLoop, 1)
		loop.RunInLoop(func() {
			g := NewEventLoopGroup(loop, "rr-test", 2)
			g.start()
			defer g.Quit()

			var order []*EventLoop
			for i := 0; i < 4; i++ {
				order = append(order, g.NextLoop())
			}
			picked <- order
		})

		order := <-picked
		if order[0] == order[1] {
			t.Fatal("round robin repeated a loop immediately")
		}
		if order[0] != order[2] || order[1] != order[3] {
			t.Fatal("round robin did not cycle")
		}
		for _, l := range order {
			if l == loop {
				t.Fatal("round robin handed out the base loop despite workers")
			}
		}
	})
}

func TestLoopGroupFallsBackToBaseLoop(t *testing.T) {
	withLoop(t, func(loop *EventLoop) {
		res := make(chan *EventLoop, 1)
		loop.RunInLoop(func() {
			g := NewEventLoopGroup(loop, "empty-test", 0)
			g.start()
			res <- g.NextLoop()
		})
		if <-res != loop {
			t.Fatal("empty group must fall back to the base loop")
		}
	})
}

// Worker loops run timers independently of the base loop.
func TestLoopGroupWorkersRunTimers(t *testing.T) {
	withLoop(t, func(loop *EventLoop) {
		fired := make(chan struct{})
		groupCh := make(chan *EventLoopGroup, 1)
		loop.RunInLoop(func() {
			g := NewEventLoopGroup(loop, "timer-test", 1)
			g.start()
			worker := g.NextLoop()
			worker.RunAfter(10*time.Millisecond, func() { close(fired) })
			groupCh <- g
		})
		g := <-groupCh
		defer g.Quit()

		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatal("worker loop never fired its timer")
		}
	})
}
