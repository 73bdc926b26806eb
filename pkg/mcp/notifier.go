package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/carepath/carepath/internal/streaming"
	"github.com/carepath/carepath/pkg/schema"
)

// MCPNotifier pushes run events to the client session watching the
// event's conversation.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP notifications.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the session watching the conversation.
// Best-effort: returns nil if no client is watching.
func (n *MCPNotifier) Notify(_ context.Context, conversationID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(conversationID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward subscribes to the hub and relays run lifecycle events until the
// context is cancelled.
func (n *MCPNotifier) Forward(ctx context.Context, hub streaming.EventHub) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{schema.EventRunCompleted, schema.EventRunFailed, schema.EventNodeDegraded},
	})
	if err != nil {
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = n.Notify(ctx, event.ConversationID, map[string]any{
				"conversation_id": event.ConversationID,
				"run_id":          event.RunID,
				"event_type":      event.EventType,
				"payload":         event.Payload,
			})
		}
	}
}
