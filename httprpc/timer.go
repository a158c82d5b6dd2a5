package httprpc

import (
	"time"

	"github.com/mnehpets/rpcgate/httpserver"
	"github.com/mnehpets/rpcgate/rpcserver"
)

// timerInterface provides one-shot callback timers on the transport's
// event loop, so RPC handlers can schedule deferred work (wallet
// auto-lock style) without depending on transport internals.
type timerInterface struct {
	loop *httpserver.EventLoop
}

func newTimerInterface(loop *httpserver.EventLoop) *timerInterface {
	return &timerInterface{loop: loop}
}

func (i *timerInterface) Name() string { return "http" }

func (i *timerInterface) NewTimer(fn func(), delay time.Duration) rpcserver.TimerHandle {
	ev := i.loop.NewEvent(fn)
	ev.Trigger(delay)
	return &timerHandle{ev: ev}
}

// timerHandle owns one pending callback. Close cancels it if it has not
// fired yet.
type timerHandle struct {
	ev *httpserver.Event
}

func (h *timerHandle) Close() {
	h.ev.Close()
}
