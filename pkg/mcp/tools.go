package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/carepath/carepath/internal/flow"
	"github.com/carepath/carepath/internal/logging"
	"github.com/carepath/carepath/internal/nodes"
	"github.com/carepath/carepath/internal/store"
	"github.com/carepath/carepath/pkg/schema"
)

// handleChat runs one chat turn through the pipeline.
func (s *CarepathServer) handleChat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, err := req.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError("conversation_id is required"), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("text is required"), nil
	}
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("text is empty"), nil
	}
	senderID := req.GetString("sender_id", "")

	if ensureErr := s.store.EnsureConversation(ctx, conversationID, senderID); ensureErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ensure conversation: %v", ensureErr)), nil
	}

	// Capture session mapping so run events reach this client.
	s.captureSession(ctx, conversationID)

	runID := uuid.New().String()
	runCtx := logging.WithIDs(ctx, runID, conversationID)

	st := flow.NewState()
	st.Set(nodes.KeyUserText, text)
	st.Set(nodes.KeyConversationID, conversationID)
	st.Set(nodes.KeySenderID, senderID)

	res := s.executor.Run(runCtx, s.flow, st)
	if res.Err != nil {
		detail, _ := json.Marshal(map[string]any{"code": res.Err.Code, "node": res.Err.Node})
		if auditErr := s.store.AppendAudit(ctx, &store.AuditRecord{
			ConversationID: conversationID,
			RunID:          res.RunID,
			Action:         schema.AuditRunFailed,
			Detail:         detail,
		}); auditErr != nil {
			s.logger.Warn("run failure audit write failed", "error", auditErr)
		}
		return mcp.NewToolResultError(fmt.Sprintf("run failed at %s: %s", res.LastNode, res.Err.Message)), nil
	}

	return marshalResult(schema.TurnResult{
		RunID:       res.RunID,
		Reply:       stateString(res.State, nodes.KeyAssistantReply),
		TriageLevel: schema.TriageLevel(stateString(res.State, nodes.KeyTriageLevel)),
		Followups:   stateStrings(res.State, nodes.KeyFollowups),
		Warnings:    stateStrings(res.State, nodes.KeyWarnings),
		Degraded:    stateBool(res.State, nodes.KeyDegraded),
		CreatedAt:   res.CompletedAt,
	})
}

// handleHistory reads the transcript for a conversation.
func (s *CarepathServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, err := req.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError("conversation_id is required"), nil
	}
	lastN := req.GetInt("last_n", 0)

	history, histErr := store.NewTurnLog(s.store).History(ctx, conversationID, lastN)
	if histErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history lookup failed: %v", histErr)), nil
	}

	type line struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		Sequence  int64  `json:"sequence"`
		CreatedAt string `json:"created_at"`
	}
	lines := make([]line, 0, len(history.Turns))
	for _, t := range history.Turns {
		lines = append(lines, line{
			Role:      t.Role,
			Content:   t.Content,
			Sequence:  t.Sequence,
			CreatedAt: t.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	return marshalResult(map[string]any{
		"conversation_id": conversationID,
		"total":           history.Total,
		"turns":           lines,
	})
}

// handleTriage screens a message without touching the store or provider.
func (s *CarepathServer) handleTriage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("text is required"), nil
	}

	st := flow.NewState()
	st.Set(nodes.KeyUserText, text)

	input, prepErr := s.triage.Prepare(st)
	if prepErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("triage failed: %v", prepErr)), nil
	}
	result, execErr := s.triage.Execute(ctx, input)
	if execErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("triage failed: %v", execErr)), nil
	}
	if _, finErr := s.triage.Finalize(st, input, result); finErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("triage failed: %v", finErr)), nil
	}

	return marshalResult(map[string]any{
		"level":   stateString(st.Snapshot(), nodes.KeyTriageLevel),
		"reasons": stateStrings(st.Snapshot(), nodes.KeyTriageReasons),
		"note":    stateString(st.Snapshot(), nodes.KeyTriageNote),
	})
}

// handleAudit lists audit trail entries.
func (s *CarepathServer) handleAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.AuditFilter{
		ConversationID: req.GetString("conversation_id", ""),
		Action:         req.GetString("action", ""),
		Limit:          req.GetInt("limit", 0),
	}

	records, err := s.store.ListAudit(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("audit query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"audit": records})
}

// captureSession maps the conversation to the calling client's session.
func (s *CarepathServer) captureSession(ctx context.Context, conversationID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(conversationID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

func stateString(state map[string]any, key string) string {
	if s, ok := state[key].(string); ok {
		return s
	}
	return ""
}

func stateStrings(state map[string]any, key string) []string {
	if xs, ok := state[key].([]string); ok {
		return xs
	}
	return nil
}

func stateBool(state map[string]any, key string) bool {
	if b, ok := state[key].(bool); ok {
		return b
	}
	return false
}
