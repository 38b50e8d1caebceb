// ABOUTME: Agent commands sent through the messaging gateway
// ABOUTME: start, help, available, busy, end and status; every command gets a reply

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-desk/internal/agent"
	"github.com/2389/coven-desk/internal/store"
)

const notRegisteredReply = "You are not registered as a support agent. Ask an administrator to add you."

// handleCommand runs one agent command. body is the text after the prefix.
func (s *Service) handleCommand(ctx context.Context, handle, body string) {
	fields := strings.Fields(body)
	name := ""
	if len(fields) > 0 {
		name = strings.ToLower(fields[0])
	}

	a, err := s.registry.Get(ctx, handle)
	if errors.Is(err, agent.ErrAgentNotFound) || (err == nil && !a.Active) {
		s.logger.Debug("command from unregistered sender", "sender", handle, "command", name)
		s.reply(ctx, handle, notRegisteredReply)
		return
	}
	if err != nil {
		s.logger.Error("loading agent for command", "agent", handle, "error", err)
		s.reply(ctx, handle, "Something went wrong. Try again in a moment.")
		return
	}
	s.touch(ctx, handle)

	s.logger.Debug("agent command", "agent", handle, "command", name)

	var reply string
	switch name {
	case "start", "help":
		reply = s.helpText(a)
	case "available", "online":
		reply = s.cmdAvailable(ctx, a, true)
	case "busy", "offline":
		reply = s.cmdAvailable(ctx, a, false)
	case "end":
		reply = s.cmdEnd(ctx, a)
	case "status":
		reply = s.cmdStatus(ctx, a)
	default:
		reply = fmt.Sprintf("Unknown command `%s%s`.\n\n%s", s.prefix, name, s.commandList())
	}
	if reply != "" {
		s.reply(ctx, handle, reply)
	}
}

func (s *Service) commandList() string {
	p := s.prefix
	return strings.Join([]string{
		"Commands:",
		fmt.Sprintf("- `%savailable` start taking chats", p),
		fmt.Sprintf("- `%sbusy` stop taking new chats", p),
		fmt.Sprintf("- `%send` close your current chat", p),
		fmt.Sprintf("- `%sstatus` show your availability and stats", p),
		fmt.Sprintf("- `%shelp` show this message", p),
	}, "\n")
}

func (s *Service) helpText(a *store.Agent) string {
	return fmt.Sprintf("Hi %s, you are registered as a support agent.\n\n%s", a.DisplayName, s.commandList())
}

func (s *Service) cmdAvailable(ctx context.Context, a *store.Agent, available bool) string {
	err := s.registry.SetAvailable(ctx, a.Handle, available)
	if errors.Is(err, agent.ErrAgentBusy) {
		return fmt.Sprintf("You are still in session `%s`. End your session first with `%send`.", a.CurrentSession, s.prefix)
	}
	if err != nil {
		s.logger.Error("changing availability", "agent", a.Handle, "error", err)
		return "Could not change your availability. Try again in a moment."
	}
	if available {
		return "You are now available for new chats."
	}
	if a.CurrentSession != "" {
		return "You are now busy. Your current chat stays open; no new chats will be routed to you."
	}
	return "You are now busy. No new chats will be routed to you."
}

func (s *Service) cmdEnd(ctx context.Context, a *store.Agent) string {
	if a.CurrentSession == "" {
		return "You have no active session. Nothing to end."
	}

	res, err := s.lifecycle.End(ctx, a.CurrentSession, store.EndedByAgent)
	if err != nil {
		s.logger.Error("ending session", "agent", a.Handle, "session_id", a.CurrentSession, "error", err)
		return "Could not end the session. Try again in a moment."
	}
	if !res.Transitioned {
		// Lost to a concurrent close; that path already told the agent.
		return fmt.Sprintf("Session `%s` was already closed.", res.Session.ID)
	}
	// The lifecycle sent the closing notice.
	return ""
}

func (s *Service) cmdStatus(ctx context.Context, a *store.Agent) string {
	var b strings.Builder

	// available stays true through a chat; the open session is what makes the agent unreachable
	state := "busy"
	switch {
	case a.CurrentSession != "":
		state = "in session"
	case a.Available:
		state = "available"
	}
	fmt.Fprintf(&b, "Status: %s\n", state)

	if a.CurrentSession != "" {
		fmt.Fprintf(&b, "Current session: `%s`", a.CurrentSession)
		if sess, err := s.store.GetSession(ctx, a.CurrentSession); err == nil {
			name := sess.UserName
			if name == "" {
				name = sess.UserID
			}
			fmt.Fprintf(&b, " with %s", name)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("Current session: none\n")
	}

	fmt.Fprintf(&b, "Chats handled: %d\n", a.TotalHandled)
	if counts, err := s.store.CountSessionsByAgent(ctx, a.Handle); err == nil {
		fmt.Fprintf(&b, "Ended: %d, timed out: %d\n", counts[store.StatusEnded], counts[store.StatusTimeout])
	} else {
		s.logger.Warn("counting sessions for status", "agent", a.Handle, "error", err)
	}

	if a.Rating > 0 {
		fmt.Fprintf(&b, "Average rating: %.1f", a.Rating)
	} else {
		b.WriteString("Average rating: none yet")
	}
	return b.String()
}
