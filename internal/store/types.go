package store

import (
	"encoding/json"
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is one chat thread between a sender and the assistant.
type Conversation struct {
	ID        string
	SenderID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is a single message in a conversation. Sequence is assigned on
// insert and is monotonically increasing per conversation.
type Turn struct {
	ID             string
	ConversationID string
	RunID          string
	Role           string
	Content        string

	// ContentJSON carries the structured assistant payload (followups,
	// warnings) alongside the plain reply text. Nil for user turns.
	ContentJSON json.RawMessage

	TriageLevel string
	Degraded    bool
	Sequence    int64
	CreatedAt   time.Time
}

// AuditRecord is one append-only audit trail entry.
type AuditRecord struct {
	ID             int64
	ConversationID string
	RunID          string
	Action         string
	Detail         json.RawMessage
	CreatedAt      time.Time
}

// TurnFilter restricts ListTurns results.
type TurnFilter struct {
	Role     string
	SinceSeq int64
	Limit    int
	Offset   int
}

// AuditFilter restricts ListAudit results.
type AuditFilter struct {
	ConversationID string
	Action         string
	Since          *time.Time
	Limit          int
}
