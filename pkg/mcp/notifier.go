package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentchain/internal/streaming"
)

// notificationMethod is the MCP logging notification used for pushes.
const notificationMethod = "notifications/message"

// clientSender is the slice of *server.MCPServer the notifier needs.
type clientSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// SessionNotifier is a hub listener that forwards each workflow update to
// the MCP session that started the workflow.
type SessionNotifier struct {
	sender   clientSender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewSessionNotifier creates a notifier that pushes through sender.
func NewSessionNotifier(sender clientSender, sessions *SessionRegistry, logger *slog.Logger) *SessionNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionNotifier{sender: sender, sessions: sessions, logger: logger}
}

// Send pushes ev to the owning session. Best-effort: it never returns an
// error so the hub keeps the notifier registered.
func (n *SessionNotifier) Send(_ context.Context, ev streaming.Event) error {
	sessionID, ok := n.sessions.SessionFor(ev.WorkflowID)
	if !ok {
		return nil
	}
	if ev.Status.Terminal() {
		n.sessions.Forget(ev.WorkflowID)
	}

	payload := map[string]any{
		"level":  "info",
		"logger": "agentchain",
		"data":   ev,
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, notificationMethod, payload)
	switch {
	case err == nil:
	case errors.Is(err, server.ErrSessionNotFound):
		// Session went away after the workflow started.
		n.sessions.Remove(sessionID)
	default:
		n.logger.Debug("mcp notification failed",
			slog.String("workflow_id", ev.WorkflowID),
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
