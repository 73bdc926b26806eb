package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/carepath/internal/expressions"
	"github.com/carepath/carepath/internal/flow"
	"github.com/carepath/carepath/pkg/schema"
)

func runUrgent(t *testing.T, n *UrgentAdviceNode, st *flow.State) string {
	t.Helper()
	input, err := n.Prepare(st)
	require.NoError(t, err)
	result, err := n.Execute(context.Background(), input)
	require.NoError(t, err)
	outcome, err := n.Finalize(st, input, result)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, outcome)
	return st.String(KeyAssistantReply)
}

func TestUrgentAdvice_DefaultMessageWithReasons(t *testing.T) {
	n := NewUrgentAdviceNode("", expressions.NewInterpolator())
	st := flow.NewState()
	st.Set(KeyTriageLevel, string(schema.TriageUrgent))
	st.Set(KeyTriageReasons, []string{"severe chest pain"})

	reply := runUrgent(t, n, st)

	assert.Contains(t, reply, "seek in-person medical care")
	assert.Contains(t, reply, "(Reasons: severe chest pain.)")
	assert.Equal(t, []string{}, st.StringSlice(KeyFollowups))
	assert.False(t, st.Bool(KeyDegraded))
}

func TestUrgentAdvice_CapsShownReasons(t *testing.T) {
	n := NewUrgentAdviceNode("", expressions.NewInterpolator())
	st := flow.NewState()
	st.Set(KeyTriageLevel, string(schema.TriageUrgent))
	st.Set(KeyTriageReasons, []string{"r1", "r2", "r3", "r4", "r5"})

	reply := runUrgent(t, n, st)

	assert.Contains(t, reply, "r1; r2; r3")
	assert.NotContains(t, reply, "r4")
}

func TestUrgentAdvice_CustomInterpolatedMessage(t *testing.T) {
	n := NewUrgentAdviceNode(
		"Urgent for ${{turn.sender_id}}: call emergency services now.",
		expressions.NewInterpolator())
	st := flow.NewState()
	st.Set(KeySenderID, "sender-7")
	st.Set(KeyTriageLevel, string(schema.TriageUrgent))
	st.Set(KeyTriageReasons, []string{})

	reply := runUrgent(t, n, st)
	assert.Contains(t, reply, "Urgent for sender-7: call emergency services now.")
}

func TestUrgentAdvice_NonUrgentTurn(t *testing.T) {
	n := NewUrgentAdviceNode("", expressions.NewInterpolator())
	st := flow.NewState()
	st.Set(KeyTriageLevel, string(schema.TriageNonUrgent))

	reply := runUrgent(t, n, st)
	assert.Equal(t, "No urgent advice necessary.", reply)
}

func TestUrgentAdvice_MissingTriageLevel(t *testing.T) {
	n := NewUrgentAdviceNode("", expressions.NewInterpolator())
	_, err := n.Prepare(flow.NewState())
	require.Error(t, err)

	var cpErr *schema.CarepathError
	require.ErrorAs(t, err, &cpErr)
	assert.Equal(t, schema.ErrCodeMissingInput, cpErr.Code)
}
