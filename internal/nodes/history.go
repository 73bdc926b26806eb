package nodes

import (
	"context"

	"github.com/carepath/carepath/internal/flow"
	"github.com/carepath/carepath/internal/store"
)

// defaultHistoryLimit caps how many prior turns feed the model as context.
const defaultHistoryLimit = 6

// HistoryNode loads the prior conversation transcript and summarizes it for
// the model. Both outcomes lead to the chat model; the label only records
// whether context was found.
type HistoryNode struct {
	log   *store.TurnLog
	limit int
}

// NewHistoryNode creates a HistoryNode reading through the given TurnLog.
// limit <= 0 selects the default window.
func NewHistoryNode(log *store.TurnLog, limit int) *HistoryNode {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &HistoryNode{log: log, limit: limit}
}

func (n *HistoryNode) Name() string { return "history" }

func (n *HistoryNode) Reads() []string { return []string{KeyConversationID} }

func (n *HistoryNode) Writes() []string {
	return []string{KeyHasHistory, KeyHistorySummary}
}

func (n *HistoryNode) Prepare(s *flow.State) (any, error) {
	if !s.Has(KeyConversationID) {
		return nil, flow.MissingInput(n.Name(), KeyConversationID)
	}
	return s.String(KeyConversationID), nil
}

func (n *HistoryNode) Execute(ctx context.Context, input any) (any, error) {
	return n.log.History(ctx, input.(string), n.limit)
}

func (n *HistoryNode) Finalize(s *flow.State, input, result any) (string, error) {
	h, ok := result.(*store.History)
	if !ok {
		// Degraded fallback: proceed without context rather than failing
		// the whole turn over a transcript read.
		s.Set(KeyHasHistory, false)
		s.Set(KeyHistorySummary, "")
		return OutcomeNoHistory, nil
	}

	if h.Empty() {
		s.Set(KeyHasHistory, false)
		s.Set(KeyHistorySummary, "")
		return OutcomeNoHistory, nil
	}

	s.Set(KeyHasHistory, true)
	s.Set(KeyHistorySummary, h.Summary())
	return OutcomeHasHistory, nil
}

var _ flow.Node = (*HistoryNode)(nil)
var _ flow.Contract = (*HistoryNode)(nil)
