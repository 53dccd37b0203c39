package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/puyokura/chatrelay/model"
)

// Console is the operator's stdin command loop.
type Console struct {
	in     io.Reader
	out    io.Writer
	dir    *Directory
	send   *Dispatcher
	notify Notifier
	hub    *Hub
	events *EventLog // nil when the event log is disabled
	stop   func()
}

func NewConsole(in io.Reader, out io.Writer, dir *Directory, send *Dispatcher, notify Notifier, stop func()) *Console {
	return &Console{in: in, out: out, dir: dir, send: send, notify: notify, stop: stop}
}

// Run reads commands until input ends, "stop" is typed or ctx is cancelled.
func (c *Console) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, "Server console ready. Type 'help' for commands.")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if c.exec(ctx, line) {
				return
			}
		}
	}
}

// exec runs one command line and reports whether the console should exit.
func (c *Console) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "help":
		fmt.Fprintln(c.out, "Available commands: list, kick <user>, broadcast <msg>, history <user>, stop")
	case "stop":
		fmt.Fprintln(c.out, "Stopping server...")
		if c.stop != nil {
			c.stop()
		}
		return true
	case "list":
		sessions := c.dir.Sessions()
		if len(sessions) == 0 {
			fmt.Fprintln(c.out, "No users online.")
			break
		}
		for _, s := range sessions {
			fmt.Fprintf(c.out, "%-16s %-16s %-9s last active %s\n",
				s.Username, s.RemoteAddr, s.Status, model.Timestamp(s.LastActivity))
		}
		if c.hub != nil {
			fmt.Fprintf(c.out, "%d users, %d connections\n", len(sessions), c.hub.Count())
		}
	case "kick":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: kick <user>")
			break
		}
		s, ok := c.dir.FindByUsername(args[0])
		if !ok || s.Conn == nil {
			fmt.Fprintln(c.out, "User not found.")
			break
		}
		c.send.SendTo(s.Conn, c.notify.Error("Has sido expulsado por el administrador."))
		s.Conn.CloseWithReason(websocket.ClosePolicyViolation, "kicked")
		fmt.Fprintln(c.out, "User kicked.")
	case "broadcast":
		if len(args) < 1 {
			fmt.Fprintln(c.out, "Usage: broadcast <message>")
			break
		}
		n := c.send.Broadcast(c.notify.Announcement(strings.Join(args, " ")))
		fmt.Fprintf(c.out, "Broadcast sent to %d users.\n", n)
	case "history":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: history <user>")
			break
		}
		if c.events == nil {
			fmt.Fprintln(c.out, "Event log is disabled.")
			break
		}
		events, err := c.events.History(ctx, args[0], 20)
		if err != nil {
			fmt.Fprintln(c.out, "Error reading history:", err)
			break
		}
		for _, ev := range events {
			fmt.Fprintf(c.out, "%s %-7s %-9s %s\n", model.Timestamp(ev.At), ev.Kind, ev.Status, ev.RemoteAddr)
		}
		if len(events) == 0 {
			fmt.Fprintln(c.out, "No history.")
		}
	default:
		fmt.Fprintln(c.out, "Unknown command.")
	}
	return false
}
