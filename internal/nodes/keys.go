package nodes

// Shared state keys. Seeded keys are written by the caller before the run
// starts; the rest are owned by the node named in the comment.
const (
	// Seeded by the caller.
	KeyUserText       = "user_text"
	KeyConversationID = "conversation_id"
	KeySenderID       = "sender_id"

	// Written by the triage node.
	KeyTriageLevel   = "triage_level"
	KeyTriageReasons = "triage_reasons"
	KeyTriageNote    = "triage_note"

	// Additive; the triage node seeds the disclaimer, reply extraction
	// merges model warnings in.
	KeyWarnings = "warnings"

	// Written by the history node.
	KeyHasHistory     = "has_history"
	KeyHistorySummary = "history_summary"

	// Written by the chat model node.
	KeyAssistantRaw = "assistant_raw"
	KeyDegraded     = "degraded"

	// Written by reply extraction (or urgent advice on the urgent path).
	KeyAssistantReply = "assistant_reply"
	KeyFollowups      = "followups"

	// Written by the persist node.
	KeyPersistedTurnID = "persisted_turn_id"
)

// Outcome labels returned by node Finalize phases.
const (
	OutcomeOK         = "ok"
	OutcomeUrgent     = "urgent"
	OutcomeHasHistory = "has_history"
	OutcomeNoHistory  = "no_history"
	OutcomeDegraded   = "degraded"
	OutcomeDone       = "done"
)
