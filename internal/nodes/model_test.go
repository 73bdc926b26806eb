package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/carepath/internal/expressions"
	"github.com/carepath/carepath/internal/flow"
	"github.com/carepath/carepath/internal/logging"
	"github.com/carepath/carepath/internal/provider"
	"github.com/carepath/carepath/internal/streaming"
	"github.com/carepath/carepath/pkg/schema"
)

func modelState() *flow.State {
	st := flow.NewState()
	st.Set(KeyUserText, "I have a sore throat")
	st.Set(KeyConversationID, "conv-1")
	st.Set(KeySenderID, "sender-1")
	st.Set(KeyHistorySummary, "")
	return st
}

func TestChatModel_PrepareDefaultPrompt(t *testing.T) {
	n := NewChatModelNode(provider.NewStaticProvider(), nil, expressions.NewInterpolator(), schema.PromptConfig{}, false)

	input, err := n.Prepare(modelState())
	require.NoError(t, err)

	req := input.(provider.Request)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "medical Q&A assistant")
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "I have a sore throat", req.Messages[1].Content)
}

func TestChatModel_PrepareIncludesHistoryContext(t *testing.T) {
	n := NewChatModelNode(provider.NewStaticProvider(), nil, expressions.NewInterpolator(), schema.PromptConfig{}, false)

	st := modelState()
	st.Set(KeyHistorySummary, "user: earlier question\nassistant: earlier answer")

	input, err := n.Prepare(st)
	require.NoError(t, err)

	req := input.(provider.Request)
	require.Len(t, req.Messages, 3)
	assert.Contains(t, req.Messages[1].Content, "prior conversation")
	assert.Contains(t, req.Messages[1].Content, "earlier question")
}

func TestChatModel_PrepareInterpolatesPromptTemplates(t *testing.T) {
	prompt := schema.PromptConfig{
		System:   "Triage note: ${{state.triage_note}}",
		Template: "Patient ${{turn.sender_id}} says: ${{state.user_text}}",
	}
	n := NewChatModelNode(provider.NewStaticProvider(), nil, expressions.NewInterpolator(), prompt, false)

	st := modelState()
	st.Set(KeyTriageNote, "Triage: non-urgent.")

	input, err := n.Prepare(st)
	require.NoError(t, err)

	req := input.(provider.Request)
	assert.Equal(t, "Triage note: Triage: non-urgent.", req.Messages[0].Content)
	assert.Equal(t, "Patient sender-1 says: I have a sore throat", req.Messages[1].Content)
}

func TestChatModel_ExecuteAndFinalize(t *testing.T) {
	n := NewChatModelNode(provider.NewStaticProvider(), nil, expressions.NewInterpolator(), schema.PromptConfig{}, false)
	st := modelState()

	input, err := n.Prepare(st)
	require.NoError(t, err)
	result, err := n.Execute(context.Background(), input)
	require.NoError(t, err)
	outcome, err := n.Finalize(st, input, result)
	require.NoError(t, err)

	assert.Equal(t, OutcomeOK, outcome)
	assert.Contains(t, st.String(KeyAssistantRaw), `"reply"`)
	assert.False(t, st.Bool(KeyDegraded))
}

func TestChatModel_FinalizeDegraded(t *testing.T) {
	n := NewChatModelNode(provider.NewStaticProvider(), nil, expressions.NewInterpolator(), schema.PromptConfig{}, false)
	st := modelState()

	outcome, err := n.Finalize(st, provider.Request{}, flow.Degraded{Cause: assert.AnError})
	require.NoError(t, err)

	assert.Equal(t, OutcomeDegraded, outcome)
	assert.Equal(t, degradedReply, st.String(KeyAssistantRaw))
	assert.True(t, st.Bool(KeyDegraded))
}

func TestChatModel_StreamingPublishesChunks(t *testing.T) {
	hub := streaming.NewMemoryHub()
	n := NewChatModelNode(provider.NewStaticProvider(), hub, expressions.NewInterpolator(), schema.PromptConfig{}, true)

	ctx := logging.WithIDs(context.Background(), "run-1", "conv-1")
	sub, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{ConversationID: "conv-1"})
	require.NoError(t, err)
	defer cancel()

	st := modelState()
	input, err := n.Prepare(st)
	require.NoError(t, err)
	result, err := n.Execute(ctx, input)
	require.NoError(t, err)

	full := result.(string)
	assert.Contains(t, full, `"reply"`)

	var streamed string
	for len(sub) > 0 {
		ev := <-sub
		assert.Equal(t, schema.EventReplyChunk, ev.EventType)
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, "chat_model", ev.Node)
		streamed += ev.Payload.(string)
	}
	assert.Equal(t, full, streamed)
}

func TestChatModel_MissingUserText(t *testing.T) {
	n := NewChatModelNode(provider.NewStaticProvider(), nil, expressions.NewInterpolator(), schema.PromptConfig{}, false)
	_, err := n.Prepare(flow.NewState())
	require.Error(t, err)

	var cpErr *schema.CarepathError
	require.ErrorAs(t, err, &cpErr)
	assert.Equal(t, schema.ErrCodeMissingInput, cpErr.Code)
}
