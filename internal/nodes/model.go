package nodes

import (
	"context"

	"github.com/carepath/carepath/internal/expressions"
	"github.com/carepath/carepath/internal/flow"
	"github.com/carepath/carepath/internal/logging"
	"github.com/carepath/carepath/internal/provider"
	"github.com/carepath/carepath/internal/streaming"
	"github.com/carepath/carepath/pkg/schema"
)

// defaultSystemPrompt frames every model call unless the profile overrides it.
const defaultSystemPrompt = "You are a medical Q&A assistant for preliminary guidance only. " +
	"You are not a doctor. Always include safety notes and when to seek in-person care. " +
	"Respond with a JSON object containing \"reply\" (string), \"followups\" (array of " +
	"strings), and \"warnings\" (array of strings)."

// degradedReply stands in for the model output when every attempt failed
// and the flow continues on the degraded path.
const degradedReply = "Sorry, I'm having trouble generating a response right now. Please try again soon."

// ChatModelNode invokes the configured model provider with the system
// prompt, prior-visit context, and the current message. When streaming is
// enabled and the provider supports it, reply fragments are forwarded to
// the event hub as they arrive.
type ChatModelNode struct {
	provider provider.Provider
	hub      streaming.EventHub
	interp   *expressions.Interpolator
	prompt   schema.PromptConfig
	stream   bool
}

// NewChatModelNode creates the model invocation node. hub may be nil when
// no live subscribers are possible (CLI, tests).
func NewChatModelNode(p provider.Provider, hub streaming.EventHub, interp *expressions.Interpolator, prompt schema.PromptConfig, stream bool) *ChatModelNode {
	return &ChatModelNode{
		provider: p,
		hub:      hub,
		interp:   interp,
		prompt:   prompt,
		stream:   stream,
	}
}

func (n *ChatModelNode) Name() string { return "chat_model" }

func (n *ChatModelNode) Reads() []string {
	return []string{KeyUserText, KeyConversationID, KeyHistorySummary}
}

func (n *ChatModelNode) Writes() []string {
	return []string{KeyAssistantRaw, KeyDegraded}
}

// Prepare assembles the completion request from the shared state and the
// profile's prompt templates.
func (n *ChatModelNode) Prepare(s *flow.State) (any, error) {
	if !s.Has(KeyUserText) {
		return nil, flow.MissingInput(n.Name(), KeyUserText)
	}

	scope := &expressions.TemplateScope{
		State: s.Snapshot(),
		Turn: map[string]any{
			"conversation_id": s.String(KeyConversationID),
			"sender_id":       s.String(KeySenderID),
		},
	}

	system := defaultSystemPrompt
	if n.prompt.System != "" {
		resolved, err := n.interp.Resolve(n.prompt.System, scope)
		if err != nil {
			return nil, err
		}
		system = resolved
	}

	messages := []provider.Message{{Role: "system", Content: system}}

	if summary := s.String(KeyHistorySummary); summary != "" {
		messages = append(messages, provider.Message{
			Role:    "system",
			Content: "Context: prior conversation (most recent last):\n" + summary,
		})
	}

	userContent := s.String(KeyUserText)
	if n.prompt.Template != "" {
		resolved, err := n.interp.Resolve(n.prompt.Template, scope)
		if err != nil {
			return nil, err
		}
		userContent = resolved
	}
	messages = append(messages, provider.Message{Role: "user", Content: userContent})

	return provider.Request{Messages: messages}, nil
}

// Execute calls the provider. This is the retried phase: transient provider
// failures bubble up and the retry policy decides.
func (n *ChatModelNode) Execute(ctx context.Context, input any) (any, error) {
	req := input.(provider.Request)

	if n.stream {
		if streamer, ok := n.provider.(provider.Streamer); ok {
			return streamer.ChatStream(ctx, req, n.forwardChunk(ctx))
		}
	}
	return n.provider.Chat(ctx, req)
}

// forwardChunk publishes streamed fragments to hub subscribers. Publish
// failures are swallowed: a dead hub must not fail the model call.
// A retried attempt streams from the beginning again; the node_retrying
// event published between attempts tells subscribers to drop text
// accumulated from the aborted attempt.
func (n *ChatModelNode) forwardChunk(ctx context.Context) provider.ChunkFunc {
	if n.hub == nil {
		return nil
	}
	conversationID := logging.ConversationID(ctx)
	runID := logging.RunID(ctx)
	return func(c provider.Chunk) error {
		if c.Done {
			return nil
		}
		_ = n.hub.Publish(ctx, streaming.StreamEvent{
			ConversationID: conversationID,
			RunID:          runID,
			Node:           n.Name(),
			EventType:      schema.EventReplyChunk,
			Payload:        c.Text,
		})
		return nil
	}
}

// Finalize records the raw model output, or the canned degraded reply when
// every attempt failed and the flow continues on the degraded path.
func (n *ChatModelNode) Finalize(s *flow.State, input, result any) (string, error) {
	if _, degraded := result.(flow.Degraded); degraded {
		s.Set(KeyAssistantRaw, degradedReply)
		s.Set(KeyDegraded, true)
		return OutcomeDegraded, nil
	}

	s.Set(KeyAssistantRaw, result.(string))
	s.Set(KeyDegraded, false)
	return OutcomeOK, nil
}

var _ flow.Node = (*ChatModelNode)(nil)
var _ flow.Contract = (*ChatModelNode)(nil)
