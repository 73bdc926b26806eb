package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/carepath/carepath/internal/expressions"
	"github.com/carepath/carepath/internal/flow"
	"github.com/carepath/carepath/pkg/schema"
)

// defaultUrgentMessage is sent when triage finds red flags and no template
// is configured.
const defaultUrgentMessage = "Based on your message, please seek in-person medical care or contact " +
	"emergency services as soon as possible. If symptoms worsen, call for emergency help immediately."

// maxShownReasons caps how many triage reasons the urgent reply cites.
const maxShownReasons = 3

// UrgentAdviceNode produces the fixed escalation reply on the urgent path.
// It deliberately bypasses the model: red-flag turns must never wait on a
// provider.
type UrgentAdviceNode struct {
	message string
	interp  *expressions.Interpolator
}

// NewUrgentAdviceNode creates the node. message may contain ${{...}}
// references; empty selects the default advice text.
func NewUrgentAdviceNode(message string, interp *expressions.Interpolator) *UrgentAdviceNode {
	if message == "" {
		message = defaultUrgentMessage
	}
	return &UrgentAdviceNode{message: message, interp: interp}
}

func (n *UrgentAdviceNode) Name() string { return "urgent_advice" }

func (n *UrgentAdviceNode) Reads() []string {
	return []string{KeyTriageLevel, KeyTriageReasons}
}

func (n *UrgentAdviceNode) Writes() []string {
	return []string{KeyAssistantReply, KeyFollowups, KeyDegraded}
}

type urgentInput struct {
	level   string
	reasons []string
	message string
}

func (n *UrgentAdviceNode) Prepare(s *flow.State) (any, error) {
	if !s.Has(KeyTriageLevel) {
		return nil, flow.MissingInput(n.Name(), KeyTriageLevel)
	}

	message := n.message
	if expressions.HasInterpolation(message) {
		resolved, err := n.interp.Resolve(message, &expressions.TemplateScope{
			State: s.Snapshot(),
			Turn: map[string]any{
				"conversation_id": s.String(KeyConversationID),
				"sender_id":       s.String(KeySenderID),
			},
		})
		if err != nil {
			return nil, err
		}
		message = resolved
	}

	return urgentInput{
		level:   s.String(KeyTriageLevel),
		reasons: s.StringSlice(KeyTriageReasons),
		message: message,
	}, nil
}

func (n *UrgentAdviceNode) Execute(ctx context.Context, input any) (any, error) {
	in := input.(urgentInput)

	// This node shouldn't normally run on a non-urgent turn, but handle
	// it gracefully rather than failing the run.
	if in.level != string(schema.TriageUrgent) {
		return "No urgent advice necessary.", nil
	}

	reply := in.message
	if len(in.reasons) > 0 {
		shown := in.reasons
		if len(shown) > maxShownReasons {
			shown = shown[:maxShownReasons]
		}
		reply += fmt.Sprintf(" (Reasons: %s.)", strings.Join(shown, "; "))
	}
	return reply, nil
}

func (n *UrgentAdviceNode) Finalize(s *flow.State, input, result any) (string, error) {
	reply, ok := result.(string)
	if !ok {
		return "", schema.NewError(schema.ErrCodeExecution, "unexpected urgent advice result type").WithNode(n.Name())
	}
	s.Set(KeyAssistantReply, reply)
	s.Set(KeyFollowups, []string{})
	s.Set(KeyDegraded, false)
	return OutcomeOK, nil
}

var _ flow.Node = (*UrgentAdviceNode)(nil)
var _ flow.Contract = (*UrgentAdviceNode)(nil)
