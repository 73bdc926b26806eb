package streaming

import (
	"context"

	"github.com/carepath/carepath/internal/logging"
)

// PublishObserver bridges executor lifecycle events onto the hub so SSE
// subscribers see run progress, not just reply chunks. node_retrying in
// particular doubles as a reset marker: chunks published before it belong
// to an aborted attempt and must be discarded. Publish errors are dropped:
// observability must never fail a run.
func PublishObserver(hub EventHub) func(ctx context.Context, event string, payload map[string]any) {
	return func(ctx context.Context, event string, payload map[string]any) {
		var node string
		if n, ok := payload["node"].(string); ok {
			node = n
		}
		_ = hub.Publish(ctx, StreamEvent{
			ConversationID: logging.ConversationID(ctx),
			RunID:          logging.RunID(ctx),
			Node:           node,
			EventType:      event,
			Payload:        payload,
		})
	}
}
