package nodes

import (
	"time"

	"github.com/carepath/carepath/internal/expressions"
	"github.com/carepath/carepath/internal/flow"
	"github.com/carepath/carepath/internal/provider"
	"github.com/carepath/carepath/internal/store"
	"github.com/carepath/carepath/internal/streaming"
	"github.com/carepath/carepath/pkg/schema"
)

// FlowName identifies the clinical chat pipeline.
const FlowName = "clinical_chat"

// defaultModelRetry is applied to the chat model node unless overridden:
// three attempts with exponential backoff, capped at five seconds.
var defaultModelRetry = flow.RetryPolicy{
	MaxAttempts: 3,
	Delay:       500 * time.Millisecond,
	Backoff:     "exponential",
	MaxDelay:    5 * time.Second,
}

// Deps bundles everything the clinical flow's nodes need. All fields except
// ModelRetry and HistoryLimit are required.
type Deps struct {
	Store    store.Store
	Provider provider.Provider
	Hub      streaming.EventHub
	Profile  *schema.Profile

	CEL    *expressions.CELEngine
	Expr   *expressions.ExprEngine
	JQ     *expressions.GoJQEngine
	Interp *expressions.Interpolator

	// HistoryLimit caps how many prior turns feed the model context.
	// Zero means the node's default.
	HistoryLimit int

	// ModelRetry overrides the chat model node's retry policy.
	ModelRetry *flow.RetryPolicy
}

// BuildClinicalFlow assembles the chat pipeline: safety triage first, then
// either the urgent short-circuit or the history → model → extraction path,
// always ending in persistence. The model node retries transient provider
// failures and falls back to a degraded canned reply when they exhaust, so
// a provider outage still produces a persisted, clearly-degraded exchange.
func BuildClinicalFlow(deps Deps) (*flow.Flow, error) {
	if deps.Profile == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "clinical flow requires a profile")
	}

	triage, err := NewTriageNode(deps.Profile.Triage, deps.CEL, deps.Expr)
	if err != nil {
		return nil, err
	}

	history := NewHistoryNode(store.NewTurnLog(deps.Store), deps.HistoryLimit)
	model := NewChatModelNode(deps.Provider, deps.Hub, deps.Interp, deps.Profile.Prompt, deps.Profile.Provider.Stream)
	extract := NewReplyExtractNode(deps.JQ, deps.Profile.Extract)
	urgent := NewUrgentAdviceNode(deps.Profile.Triage.UrgentMessage, deps.Interp)
	persist := NewPersistNode(deps.Store)

	retry := defaultModelRetry
	if deps.ModelRetry != nil {
		retry = *deps.ModelRetry
	}

	return flow.NewBuilder(FlowName).
		Seed(KeyUserText, KeyConversationID, KeySenderID).
		Add(triage).
		Add(urgent).
		Add(history).
		Add(model, flow.WithRetry(retry), flow.WithFallback(OutcomeDegraded)).
		Add(extract).
		Add(persist).
		Route(triage.Name(), OutcomeUrgent, urgent.Name()).
		Route(triage.Name(), OutcomeOK, history.Name()).
		Route(urgent.Name(), OutcomeOK, persist.Name()).
		Route(history.Name(), OutcomeHasHistory, model.Name()).
		Route(history.Name(), OutcomeNoHistory, model.Name()).
		Route(model.Name(), OutcomeOK, extract.Name()).
		Route(model.Name(), OutcomeDegraded, extract.Name()).
		Route(extract.Name(), OutcomeOK, persist.Name()).
		Start(triage.Name()).
		Build()
}
