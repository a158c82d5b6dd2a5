package rpcserver

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Built-in control commands. These are registered by NewTable so that
// every table exposes at least help, stop and uptime.

func (t *Table) registerControlCommands() {
	t.Register(Command{
		Category: "control",
		Name:     "help",
		Handler:  t.helpCommand,
		Help: "help ( \"command\" )\n" +
			"List all commands, or get help for a specified command.",
	})
	t.Register(Command{
		Category: "control",
		Name:     "stop",
		Handler:  t.stopCommand,
		Help:     "stop\nStop the server.",
	})
	t.Register(Command{
		Category: "control",
		Name:     "uptime",
		Handler:  t.uptimeCommand,
		Help:     "uptime\nReturns the server uptime in seconds.",
	})
}

func (t *Table) helpCommand(params []json.RawMessage) (interface{}, error) {
	if len(params) > 1 {
		return nil, NewError(CodeInvalidParameter, "help takes at most one argument")
	}
	var command string
	if len(params) == 1 {
		if err := json.Unmarshal(params[0], &command); err != nil {
			return nil, NewError(CodeTypeError, "command must be a string")
		}
	}
	return t.help(command), nil
}

// help renders either the full help text of one command or a one-line
// listing of all visible commands grouped by category.
func (t *Table) help(command string) string {
	if command != "" {
		if cmd, ok := t.Lookup(command); ok {
			return cmd.Help
		}
		return fmt.Sprintf("help: unknown command: %s", command)
	}

	t.mu.RLock()
	cmds := make([]*Command, 0, len(t.commands))
	for _, cmd := range t.commands {
		cmds = append(cmds, cmd)
	}
	t.mu.RUnlock()

	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].Category != cmds[j].Category {
			return cmds[i].Category < cmds[j].Category
		}
		return cmds[i].Name < cmds[j].Name
	})

	var b strings.Builder
	category := ""
	for _, cmd := range cmds {
		if cmd.Category == "hidden" {
			continue
		}
		if cmd.Category != category {
			if category != "" {
				b.WriteString("\n")
			}
			category = cmd.Category
			b.WriteString("== " + titleCase(category) + " ==\n")
		}
		line := cmd.Help
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		if line == "" {
			line = cmd.Name
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (t *Table) stopCommand(params []json.RawMessage) (interface{}, error) {
	if len(params) > 0 {
		return nil, NewError(CodeInvalidParameter, "stop takes no arguments")
	}
	if fn := t.shutdownFunc(); fn != nil {
		// Shutdown takes long enough that the response gets back first.
		fn()
	}
	return t.serverName + " stopping", nil
}

func (t *Table) uptimeCommand(params []json.RawMessage) (interface{}, error) {
	if len(params) > 0 {
		return nil, NewError(CodeInvalidParameter, "uptime takes no arguments")
	}
	if !t.IsRunning() {
		return int64(0), nil
	}
	return int64(time.Since(t.startedAt) / time.Second), nil
}
