package main

import (
	"strings"
	"time"

	"github.com/puyokura/chatrelay/model"
)

const helpText = `Commands (the slash is optional for the long names):
  <text>                      send to everyone
  /broadcast <text>           send to everyone
  /private <user> <text>      send to one user (alias /msg)
  /list_users                 list connected users (alias /list)
  /user_info <user>           show a user's address and status (alias /info)
  /change_status <status>     ACTIVO, OCUPADO or INACTIVO (alias /status)
  /disconnect                 leave the chat (alias /exit, /quit)
  /help                       show this help`

// command is the result of parsing one input line. Exactly one of out and
// notice is set, unless quit is set.
type command struct {
	out    *model.Message
	notice string
	quit   bool
}

// bareCommands may be typed without the leading slash.
var bareCommands = map[string]bool{
	"broadcast":     true,
	"private":       true,
	"list_users":    true,
	"user_info":     true,
	"change_status": true,
	"disconnect":    true,
	"exit":          true,
	"help":          true,
}

// parseCommand turns an input line into an outbound message or a local
// notice. Lines that start with neither a slash nor a bare command word are
// broadcasts.
func parseCommand(line, username string, now time.Time) command {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}
	}

	msg := model.Message{Sender: username, Timestamp: model.Timestamp(now)}
	var name, rest string
	if strings.HasPrefix(line, "/") {
		name, rest, _ = strings.Cut(line[1:], " ")
	} else {
		name, rest, _ = strings.Cut(line, " ")
		if !bareCommands[strings.ToLower(name)] {
			msg.Kind = model.KindBroadcast
			msg.Content = line
			return command{out: &msg}
		}
	}
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(name) {
	case "broadcast", "b":
		if rest == "" {
			return command{notice: "Usage: /broadcast <text>"}
		}
		msg.Kind = model.KindBroadcast
		msg.Content = rest
	case "private", "msg", "p":
		target, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if target == "" || text == "" {
			return command{notice: "Usage: /private <user> <text>"}
		}
		msg.Kind = model.KindPrivate
		msg.Target = target
		msg.Content = text
	case "list_users", "list", "users":
		msg.Kind = model.KindListUsers
	case "user_info", "info", "whois":
		if rest == "" || strings.Contains(rest, " ") {
			return command{notice: "Usage: /user_info <user>"}
		}
		msg.Kind = model.KindUserInfo
		msg.Target = rest
	case "change_status", "status":
		status, ok := model.ParseStatus(strings.ToUpper(rest))
		if !ok {
			return command{notice: "Usage: /change_status <ACTIVO|OCUPADO|INACTIVO>"}
		}
		msg.Kind = model.KindChangeStatus
		msg.Content = string(status)
	case "disconnect", "exit", "quit":
		msg.Kind = model.KindDisconnect
		return command{out: &msg, quit: true}
	case "help", "?":
		return command{notice: helpText}
	default:
		return command{notice: "Unknown command /" + name + ". Type /help for commands."}
	}
	return command{out: &msg}
}
