package streaming

import (
	"context"
	"slices"
)

// StreamEvent is a real-time event emitted during a chat turn run.
type StreamEvent struct {
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id,omitempty"`
	Node           string `json:"node,omitempty"`
	EventType      string `json:"event_type"`
	Payload        any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	RunID          string   `json:"run_id,omitempty"`
	EventTypes     []string `json:"event_types,omitempty"`
}

// matches reports whether the event passes the filter. Empty filter fields
// match everything.
func (f EventFilter) matches(e StreamEvent) bool {
	if f.ConversationID != "" && f.ConversationID != e.ConversationID {
		return false
	}
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	return slices.Contains(f.EventTypes, e.EventType)
}

// EventHub provides pub/sub for real-time run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
