// Package rpcserver holds the command dispatch table the RPC gateway
// executes against, the warmup/readiness state the gateway consults, and
// the registry of timer providers used to schedule deferred work.
//
// The Table is an explicit object constructed at startup and passed to
// whoever needs it; there is no package-level state.
package rpcserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// HandlerFunc executes one RPC command. params holds the positional
// parameters exactly as they appeared in the request's params array.
// Returning an *RPCError preserves its code on the wire; any other error
// is reported to the client with CodeMiscError.
type HandlerFunc func(params []json.RawMessage) (interface{}, error)

// Command describes one entry of the dispatch table.
type Command struct {
	// Category groups commands in help output ("control", "wallet", ...).
	// Commands in the "hidden" category are omitted from the full listing.
	Category string
	Name     string
	Handler  HandlerFunc
	// Help is the full help text; its first line is used in listings.
	Help string
}

// Table maps method names to commands and executes them. It also owns the
// warmup state and the timer-provider registry. All methods are safe for
// concurrent use.
type Table struct {
	serverName string
	log        *slog.Logger

	mu       sync.RWMutex
	commands map[string]*Command

	running   atomic.Bool
	startedAt time.Time
	onStop    func()

	warmupMu     sync.Mutex
	inWarmup     bool
	warmupStatus string

	timersMu        sync.Mutex
	timerInterfaces []TimerInterface
	deadlineTimers  map[string]TimerHandle
}

// NewTable creates a dispatch table in warmup state, with the built-in
// control commands (help, stop, uptime) registered. serverName appears in
// operator-facing strings such as the stop acknowledgement.
func NewTable(serverName string, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	t := &Table{
		serverName:     serverName,
		log:            log,
		commands:       make(map[string]*Command),
		inWarmup:       true,
		warmupStatus:   "RPC server started",
		deadlineTimers: make(map[string]TimerHandle),
	}
	t.registerControlCommands()
	return t
}

// Register adds a command. Registering a duplicate name panics: the table
// is assembled once at startup and a collision is a programming error.
func (t *Table) Register(cmd Command) {
	if cmd.Name == "" || cmd.Handler == nil {
		panic("rpcserver: command needs a name and a handler")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.commands[cmd.Name]; exists {
		panic("rpcserver: command name collision: " + cmd.Name)
	}
	c := cmd
	t.commands[cmd.Name] = &c
}

// Lookup returns the command registered under name, if any.
func (t *Table) Lookup(name string) (*Command, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cmd, ok := t.commands[name]
	return cmd, ok
}

// Execute runs the named command. Unknown methods yield an RPCError with
// CodeMethodNotFound. Handler panics and plain errors are normalized to
// CodeMiscError so a misbehaving command never takes down the caller.
func (t *Table) Execute(method string, params []json.RawMessage) (result interface{}, err error) {
	cmd, ok := t.Lookup(method)
	if !ok {
		return nil, NewError(CodeMethodNotFound, "Method not found")
	}

	defer func() {
		if r := recover(); r != nil {
			t.log.Error("rpc handler panic", "method", method, "panic", r)
			result = nil
			err = NewError(CodeMiscError, fmt.Sprint(r))
		}
	}()

	result, err = cmd.Handler(params)
	if err != nil {
		if _, ok := err.(*RPCError); ok {
			return nil, err
		}
		return nil, NewError(CodeMiscError, err.Error())
	}
	return result, nil
}

// Start marks the server as running and records the start time used by
// the uptime command.
func (t *Table) Start() {
	t.startedAt = time.Now()
	t.running.Store(true)
	t.log.Info("rpc server started", "commands", t.commandCount())
}

// Interrupt clears the running flag, e.g. to abort long polls.
func (t *Table) Interrupt() {
	t.running.Store(false)
}

// Stop clears the running flag and cancels all named deadline timers.
func (t *Table) Stop() {
	t.running.Store(false)
	t.timersMu.Lock()
	for name, handle := range t.deadlineTimers {
		handle.Close()
		delete(t.deadlineTimers, name)
	}
	t.timersMu.Unlock()
	t.log.Info("rpc server stopped")
}

// IsRunning reports whether the server is accepting command execution.
func (t *Table) IsRunning() bool {
	return t.running.Load()
}

// SetShutdownFunc installs the callback invoked by the stop command.
func (t *Table) SetShutdownFunc(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStop = fn
}

func (t *Table) shutdownFunc() func() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.onStop
}

func (t *Table) commandCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.commands)
}

// SetWarmupStatus updates the status text reported while warming up.
func (t *Table) SetWarmupStatus(status string) {
	t.warmupMu.Lock()
	defer t.warmupMu.Unlock()
	t.warmupStatus = status
}

// SetWarmupFinished leaves the warmup phase. Finishing warmup twice is a
// programming error and panics.
func (t *Table) SetWarmupFinished() {
	t.warmupMu.Lock()
	defer t.warmupMu.Unlock()
	if !t.inWarmup {
		panic("rpcserver: warmup already finished")
	}
	t.inWarmup = false
}

// IsInWarmup reports whether the server is still initializing, along with
// the current status text.
func (t *Table) IsInWarmup() (bool, string) {
	t.warmupMu.Lock()
	defer t.warmupMu.Unlock()
	return t.inWarmup, t.warmupStatus
}
