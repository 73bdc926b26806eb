package nodes

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/carepath/carepath/internal/flow"
	"github.com/carepath/carepath/internal/logging"
	"github.com/carepath/carepath/internal/store"
	"github.com/carepath/carepath/pkg/schema"
)

// PersistNode writes the user message, the assistant reply, and the audit
// record in a single transaction. It is the terminal node of both the
// urgent and the normal path.
type PersistNode struct {
	store store.Store
}

// NewPersistNode creates the node.
func NewPersistNode(s store.Store) *PersistNode {
	return &PersistNode{store: s}
}

func (n *PersistNode) Name() string { return "persist" }

func (n *PersistNode) Reads() []string {
	return []string{KeyConversationID, KeyUserText, KeyAssistantReply}
}

func (n *PersistNode) Writes() []string {
	return []string{KeyPersistedTurnID}
}

type persistPlan struct {
	conversationID string
	userText       string
	reply          string
	triageLevel    string
	degraded       bool
	followups      []string
	warnings       []string
}

// Prepare snapshots everything the write needs so that Execute stays
// independent of later state mutation.
func (n *PersistNode) Prepare(s *flow.State) (any, error) {
	for _, key := range []string{KeyConversationID, KeyUserText, KeyAssistantReply} {
		if !s.Has(key) {
			return nil, flow.MissingInput(n.Name(), key)
		}
	}
	return persistPlan{
		conversationID: s.String(KeyConversationID),
		userText:       s.String(KeyUserText),
		reply:          s.String(KeyAssistantReply),
		triageLevel:    s.String(KeyTriageLevel),
		degraded:       s.Bool(KeyDegraded),
		followups:      s.StringSlice(KeyFollowups),
		warnings:       s.StringSlice(KeyWarnings),
	}, nil
}

// Execute performs the transactional write and returns the assistant
// turn ID.
func (n *PersistNode) Execute(ctx context.Context, input any) (any, error) {
	plan := input.(persistPlan)
	runID := logging.RunID(ctx)

	contentJSON, err := json.Marshal(map[string]any{
		"followups": plan.followups,
		"warnings":  plan.warnings,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "marshal reply payload: %s", err.Error()).WithCause(err)
	}

	userTurn := &store.Turn{
		ID:             uuid.New().String(),
		ConversationID: plan.conversationID,
		RunID:          runID,
		Role:           store.RoleUser,
		Content:        plan.userText,
	}
	assistantTurn := &store.Turn{
		ID:             uuid.New().String(),
		ConversationID: plan.conversationID,
		RunID:          runID,
		Role:           store.RoleAssistant,
		Content:        plan.reply,
		ContentJSON:    contentJSON,
		TriageLevel:    plan.triageLevel,
		Degraded:       plan.degraded,
	}

	detail, err := json.Marshal(map[string]any{
		"count":        2,
		"triage_level": plan.triageLevel,
		"degraded":     plan.degraded,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "marshal audit detail: %s", err.Error()).WithCause(err)
	}

	audit := &store.AuditRecord{
		ConversationID: plan.conversationID,
		RunID:          runID,
		Action:         schema.AuditTurnAppended,
		Detail:         detail,
	}

	if err := n.store.RecordExchange(ctx, []*store.Turn{userTurn, assistantTurn}, audit); err != nil {
		return nil, err
	}

	if plan.degraded {
		// Best effort: a failed marker write must not retry the exchange.
		deg, _ := json.Marshal(map[string]any{"triage_level": plan.triageLevel})
		_ = n.store.AppendAudit(ctx, &store.AuditRecord{
			ConversationID: plan.conversationID,
			RunID:          runID,
			Action:         schema.AuditRunDegraded,
			Detail:         deg,
		})
	}
	return assistantTurn.ID, nil
}

func (n *PersistNode) Finalize(s *flow.State, input, result any) (string, error) {
	id, ok := result.(string)
	if !ok {
		return "", schema.NewError(schema.ErrCodeExecution, "unexpected persist result type").WithNode(n.Name())
	}
	s.Set(KeyPersistedTurnID, id)
	return OutcomeDone, nil
}

var _ flow.Node = (*PersistNode)(nil)
var _ flow.Contract = (*PersistNode)(nil)
