package reactor

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// loopThread runs one worker loop in a dedicated goroutine locked to its
// own OS thread. The constructing goroutine blocks on a condition until
// the worker has published its loop.
type loopThread struct {
	mu     sync.Mutex
	cond   *sync.Cond
	loop   *EventLoop
	initCb func(*EventLoop)
	name   string
}

func newLoopThread(name string, initCb func(*EventLoop)) *loopThread {
	t := &loopThread{initCb: initCb, name: name}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// start launches the worker and returns its loop once published.
func (t *loopThread) start() *EventLoop {
	go t.run()

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop
}

func (t *loopThread) run() {
	loop := NewEventLoop()
	if t.initCb != nil {
		t.initCb(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	loop.Loop()
	loop.Close()

	t.mu.Lock()
	t.loop = nil
	t.mu.Unlock()
}

// EventLoopGroup owns N worker loops, each on its own thread, and hands
// them out round-robin.
type EventLoopGroup struct {
	baseLoop *EventLoop
	name     string
	started  bool
	numLoops int
	next     int
	threads  []*loopThread
	loops    []*EventLoop
	initCb   func(*EventLoop)
}

// NewEventLoopGroup builds a group of numLoops workers around baseLoop.
// With zero workers every assignment falls back to baseLoop.
func NewEventLoopGroup(baseLoop *EventLoop, name string, numLoops int) *EventLoopGroup {
	if baseLoop == nil {
		logger.Fatal("EventLoopGroup constructed without a base loop")
	}
	return &EventLoopGroup{
		baseLoop: baseLoop,
		name:     name,
		numLoops: numLoops,
	}
}

// SetThreadInitCallback installs a callback each worker runs on its own
// loop before entering the cycle. Must be set before start.
func (g *EventLoopGroup) SetThreadInitCallback(cb func(*EventLoop)) {
	g.initCb = cb
}

func (g *EventLoopGroup) start() {
	g.baseLoop.assertInLoopThread()
	if g.started {
		return
	}
	g.started = true

	for i := 0; i < g.numLoops; i++ {
		t := newLoopThread(fmt.Sprintf("%s%d", g.name, i), g.initCb)
		g.threads = append(g.threads, t)
		g.loops = append(g.loops, t.start())
	}
	if g.numLoops == 0 && g.initCb != nil {
		g.initCb(g.baseLoop)
	}
	logger.Debug("loop group started", zap.String("name", g.name),
		zap.Int("loops", g.numLoops))
}

// NextLoop returns the next worker round-robin, or the base loop when the
// group has no workers. In-loop with respect to the base loop.
func (g *EventLoopGroup) NextLoop() *EventLoop {
	g.baseLoop.assertInLoopThread()
	if !g.started {
		logger.Fatal("NextLoop before start", zap.String("name", g.name))
	}
	if len(g.loops) == 0 {
		return g.baseLoop
	}
	loop := g.loops[g.next]
	g.next++
	if g.next >= len(g.loops) {
		g.next = 0
	}
	return loop
}

// LoopForHash deterministically maps a hash code to a worker, so related
// connections can share a loop.
func (g *EventLoopGroup) LoopForHash(hashCode int) *EventLoop {
	g.baseLoop.assertInLoopThread()
	if !g.started {
		logger.Fatal("LoopForHash before start", zap.String("name", g.name))
	}
	if len(g.loops) == 0 {
		return g.baseLoop
	}
	return g.loops[hashCode%len(g.loops)]
}

// Loops returns every worker loop, or the base loop when there are none.
func (g *EventLoopGroup) Loops() []*EventLoop {
	g.baseLoop.assertInLoopThread()
	if len(g.loops) == 0 {
		return []*EventLoop{g.baseLoop}
	}
	out := make([]*EventLoop, len(g.loops))
	copy(out, g.loops)
	return out
}

// Quit stops every worker loop. The workers close their own loops as
// their goroutines unwind.
func (g *EventLoopGroup) Quit() {
	for _, loop := range g.loops {
		loop.Quit()
	}
}
