package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Conversations
	EnsureConversation(ctx context.Context, id, senderID string) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// Turns (append-only)
	AppendTurn(ctx context.Context, turn *Turn) error
	RecordExchange(ctx context.Context, turns []*Turn, audit *AuditRecord) error
	ListTurns(ctx context.Context, conversationID string, filter TurnFilter) ([]*Turn, error)
	CountTurns(ctx context.Context, conversationID string) (int64, error)

	// Audit trail
	AppendAudit(ctx context.Context, rec *AuditRecord) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error)
	PruneAudit(ctx context.Context, olderThan time.Time) (int64, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
