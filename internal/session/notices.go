// ABOUTME: Text of system log entries and agent-facing notices
// ABOUTME: Agent notices are Markdown; the Matrix adapter renders them to HTML

package session

import (
	"fmt"
	"strings"

	"github.com/2389/coven-desk/internal/store"
)

// ConnectedEntry is the system entry that opens every session log.
func ConnectedEntry(agentName string) string {
	return fmt.Sprintf("You are now connected with %s.", agentName)
}

// ClosingEntry is the system entry appended by a terminal transition.
func ClosingEntry(by store.EndedBy) string {
	switch by {
	case store.EndedByUser:
		return "Chat ended by the user."
	case store.EndedByAgent:
		return "Chat ended by the agent."
	case store.EndedByTimeout:
		return "Chat closed after a period of inactivity."
	default:
		return "Chat closed by the system."
	}
}

// displayUser formats the user snapshot taken at assignment time.
func displayUser(sess *store.Session) string {
	name := sess.UserName
	if name == "" {
		name = sess.UserID
	}
	if sess.UserEmail != "" {
		return fmt.Sprintf("%s <%s> (id `%s`)", name, sess.UserEmail, sess.UserID)
	}
	return fmt.Sprintf("%s (id `%s`)", name, sess.UserID)
}

// AgentAssignmentNotice tells an agent a chat was routed to them.
func AgentAssignmentNotice(sess *store.Session, prefix string) string {
	var b strings.Builder
	b.WriteString("**New chat assigned**\n\n")
	fmt.Fprintf(&b, "Session: `%s`\n\n", sess.ID)
	fmt.Fprintf(&b, "User: %s\n\n", displayUser(sess))
	fmt.Fprintf(&b, "Reply here to answer. Send `%send` to close the chat.", prefix)
	return b.String()
}

// AgentUserMessage relays a user message to the agent.
func AgentUserMessage(sess *store.Session, text string) string {
	name := sess.UserName
	if name == "" {
		name = sess.UserID
	}
	return fmt.Sprintf("**%s:** %s", name, text)
}

// AgentClosingNotice tells the agent their session is over.
func AgentClosingNotice(sess *store.Session) string {
	var reason string
	switch sess.EndedBy {
	case store.EndedByUser:
		reason = "The user ended the chat."
	case store.EndedByAgent:
		reason = "You ended the chat."
	case store.EndedByTimeout:
		reason = "The chat was closed for inactivity."
	default:
		reason = "The chat was closed by an administrator."
	}
	return fmt.Sprintf("Session `%s` is closed. %s You are available for new chats.", sess.ID, reason)
}
