package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowpilot/internal/escalation"
)

// ChannelMCP is the notification channel served by Notifier.
const ChannelMCP = "mcp"

// notificationSender is the part of *server.MCPServer the notifier uses.
type notificationSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// Notifier pushes notifications to connected MCP clients as
// notifications/message. Recipients without a live session are skipped.
type Notifier struct {
	sender   notificationSender
	sessions *SessionRegistry
}

// NewNotifier creates a notifier over an MCP server's sessions.
func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *Notifier {
	return &Notifier{sender: mcpServer, sessions: sessions}
}

// Send delivers msg to every connected recipient. It reports Delivered when at
// least one client received it.
func (n *Notifier) Send(_ context.Context, msg escalation.Notification) (escalation.Delivery, error) {
	payload := map[string]any{
		"level":  "info",
		"logger": "flowpilot",
		"data": map[string]any{
			"channel":  msg.Channel,
			"subject":  msg.Subject,
			"message":  msg.Message,
			"metadata": msg.Metadata,
		},
	}

	var sent int
	var errs []error
	for _, rcpt := range msg.Recipients {
		sessionID, ok := n.sessions.SessionFor(rcpt)
		if !ok {
			continue
		}
		err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
		switch {
		case errors.Is(err, server.ErrSessionNotFound):
			// Session expired between lookup and send.
			n.sessions.Remove(sessionID)
		case err != nil:
			errs = append(errs, fmt.Errorf("notify %s: %w", rcpt, err))
		default:
			sent++
		}
	}
	return escalation.Delivery{Delivered: sent > 0, Channel: ChannelMCP}, errors.Join(errs...)
}

var _ escalation.Notifier = (*Notifier)(nil)
