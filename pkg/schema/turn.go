package schema

import "time"

// TriageLevel is the severity classification assigned to an inbound message.
type TriageLevel string

const (
	TriageUrgent    TriageLevel = "urgent"
	TriageNonUrgent TriageLevel = "non-urgent"
)

// RunStatus represents the terminal state of a flow run.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// TurnRequest is the caller-supplied payload for one inbound chat turn.
type TurnRequest struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	// PrevTurnID optionally marks the prior turn the caller saw, for
	// client-side ordering diagnostics. The engine does not act on it.
	PrevTurnID string `json:"prev_turn_id,omitempty"`
}

// TurnResult is returned to the caller after a completed run.
type TurnResult struct {
	RunID       string         `json:"run_id"`
	Reply       string         `json:"reply"`
	TriageLevel TriageLevel    `json:"triage_level,omitempty"`
	Followups   []string       `json:"followups,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	Degraded    bool           `json:"degraded,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Error       *CarepathError `json:"error,omitempty"`
}
