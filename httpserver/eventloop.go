package httpserver

import (
	"sync"
	"time"
)

// EventLoop is a single goroutine that owns timer firing for the server.
// Work is moved onto the loop with Events; submodules can use it to queue
// timers or custom callbacks without touching transport internals.
type EventLoop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	quit chan struct{}
	done chan struct{}
}

// NewEventLoop creates a loop. Run must be called before any Event fires.
func NewEventLoop() *EventLoop {
	return &EventLoop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run executes queued callbacks until Stop is called. It is intended to be
// run on a dedicated goroutine, which becomes the loop goroutine.
func (l *EventLoop) Run() {
	defer close(l.done)
	for {
		select {
		case <-l.wake:
			for {
				l.mu.Lock()
				if len(l.queue) == 0 {
					l.mu.Unlock()
					break
				}
				fn := l.queue[0]
				l.queue = l.queue[1:]
				l.mu.Unlock()
				fn()
			}
		case <-l.quit:
			return
		}
	}
}

// Stop terminates the loop and waits for the loop goroutine to exit.
// Callbacks still queued at that point never run.
func (l *EventLoop) Stop() {
	close(l.quit)
	<-l.done
}

// post queues fn for execution on the loop goroutine. It never blocks the
// caller. Posts after Stop are dropped.
func (l *EventLoop) post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Event is a one-shot callback bound to an EventLoop. It can be used
// either as a cross-thread trigger or as a timer: Trigger may be called
// from any goroutine, and the callback runs exactly once, on the loop
// goroutine. Close before firing guarantees the callback never runs.
type Event struct {
	loop *EventLoop
	fn   func()

	mu     sync.Mutex
	timer  *time.Timer
	fired  bool
	closed bool
}

// NewEvent creates an event holding fn. The event does not fire until
// Trigger is called.
func (l *EventLoop) NewEvent(fn func()) *Event {
	return &Event{loop: l, fn: fn}
}

// Trigger schedules the event. With a zero or negative delay it fires on
// the next loop iteration; otherwise it fires after the delay has elapsed.
// Triggering an already armed event re-arms it; triggering a fired or
// closed event is a no-op.
func (e *Event) Trigger(delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fired || e.closed {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if delay <= 0 {
		e.loop.post(e.fire)
		return
	}
	e.timer = time.AfterFunc(delay, func() {
		e.loop.post(e.fire)
	})
}

// fire runs on the loop goroutine.
func (e *Event) fire() {
	e.mu.Lock()
	if e.fired || e.closed {
		e.mu.Unlock()
		return
	}
	e.fired = true
	fn := e.fn
	e.mu.Unlock()
	fn()
}

// Close cancels a pending event. After Close returns the callback will not
// begin executing; a callback already running on the loop goroutine is not
// interrupted.
func (e *Event) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
