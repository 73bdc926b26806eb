package schema

// Event type constants for the streaming hub and the audit log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeRetrying  = "node_retrying"
	EventNodeDegraded  = "node_degraded"

	EventReplyChunk = "reply_chunk"

	AuditTurnAppended  = "chat.append"
	AuditAuditPruned   = "audit.prune"
	AuditRunFailed     = "run.failed"
	AuditRunDegraded   = "run.degraded"
)
