package rpcserver

import (
	"time"
)

// TimerHandle owns exactly one deferred callback. The callback fires at
// most once; Close before firing guarantees it never runs. Handles
// release their resources after firing.
type TimerHandle interface {
	Close()
}

// TimerInterface is a named factory for one-shot timers, registered by
// whichever subsystem owns an active event loop. NewTimer must be safe to
// call from any goroutine and must not block.
type TimerInterface interface {
	Name() string
	NewTimer(fn func(), delay time.Duration) TimerHandle
}

// RegisterTimerInterface adds a timer provider. The first registered
// provider is the one RunLater schedules on.
func (t *Table) RegisterTimerInterface(iface TimerInterface) {
	t.timersMu.Lock()
	defer t.timersMu.Unlock()
	t.timerInterfaces = append(t.timerInterfaces, iface)
}

// UnregisterTimerInterface removes a previously registered provider.
// Removing a provider that was never registered panics.
func (t *Table) UnregisterTimerInterface(iface TimerInterface) {
	t.timersMu.Lock()
	defer t.timersMu.Unlock()
	for i, reg := range t.timerInterfaces {
		if reg == iface {
			t.timerInterfaces = append(t.timerInterfaces[:i], t.timerInterfaces[i+1:]...)
			return
		}
	}
	panic("rpcserver: unregistering unknown timer interface")
}

// RunLater schedules fn to run once after delay, under the given name.
// Scheduling a name with a pending timer cancels the pending one first,
// so at most one timer per name is outstanding. Returns an RPCError with
// CodeInternalError when no timer provider is registered.
func (t *Table) RunLater(name string, fn func(), delay time.Duration) error {
	t.timersMu.Lock()
	defer t.timersMu.Unlock()
	if len(t.timerInterfaces) == 0 {
		return NewError(CodeInternalError, "No timer handler registered for RPC")
	}
	if pending, ok := t.deadlineTimers[name]; ok {
		pending.Close()
		delete(t.deadlineTimers, name)
	}
	iface := t.timerInterfaces[0]
	t.log.Debug("queue timer run", "name", name, "delay", delay, "interface", iface.Name())
	t.deadlineTimers[name] = iface.NewTimer(fn, delay)
	return nil
}
