package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carepath/carepath/internal/flow"
	"github.com/carepath/carepath/internal/logging"
	"github.com/carepath/carepath/internal/nodes"
	"github.com/carepath/carepath/internal/store"
	"github.com/carepath/carepath/pkg/schema"
)

// handleChat runs one chat turn through the pipeline and returns the
// structured result. The conversation is created on first contact.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	var body schema.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	body.ConversationID = conversationID

	if err := s.deps.Store.EnsureConversation(r.Context(), conversationID, body.SenderID); err != nil {
		writeCarepathError(w, err)
		return
	}

	runID := uuid.New().String()
	ctx := logging.WithIDs(r.Context(), runID, conversationID)
	ctx, cancel := context.WithTimeout(ctx, s.deps.RunTimeout)
	defer cancel()

	st := flow.NewState()
	st.Set(nodes.KeyUserText, body.Text)
	st.Set(nodes.KeyConversationID, conversationID)
	st.Set(nodes.KeySenderID, body.SenderID)

	res := s.deps.Executor.Run(ctx, s.deps.Flow, st)
	if res.Err != nil {
		// Audit on the request context: the run context may already be done.
		detail, _ := json.Marshal(map[string]any{"code": res.Err.Code, "node": res.Err.Node})
		if auditErr := s.deps.Store.AppendAudit(r.Context(), &store.AuditRecord{
			ConversationID: conversationID,
			RunID:          res.RunID,
			Action:         schema.AuditRunFailed,
			Detail:         detail,
		}); auditErr != nil {
			s.deps.Logger.Warn("run failure audit write failed", "error", auditErr)
		}

		writeJSON(w, statusForCode(res.Err.Code), schema.TurnResult{
			RunID:     res.RunID,
			CreatedAt: res.CompletedAt,
			Error:     res.Err,
		})
		return
	}

	writeJSON(w, http.StatusOK, turnResultFromRun(res))
}

// turnResultFromRun projects the final run state onto the API result.
func turnResultFromRun(res *flow.Result) schema.TurnResult {
	return schema.TurnResult{
		RunID:       res.RunID,
		Reply:       stateString(res.State, nodes.KeyAssistantReply),
		TriageLevel: schema.TriageLevel(stateString(res.State, nodes.KeyTriageLevel)),
		Followups:   stateStrings(res.State, nodes.KeyFollowups),
		Warnings:    stateStrings(res.State, nodes.KeyWarnings),
		Degraded:    stateBool(res.State, nodes.KeyDegraded),
		CreatedAt:   res.CompletedAt,
	}
}

// handleConversation returns conversation metadata plus the turn count.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := r.PathValue("id")

	conv, err := s.deps.Store.GetConversation(ctx, conversationID)
	if err != nil {
		writeCarepathError(w, err)
		return
	}
	count, err := s.deps.Store.CountTurns(ctx, conversationID)
	if err != nil {
		writeCarepathError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"turn_count":   count,
	})
}

// handleTurns lists the conversation transcript, oldest first.
func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := r.PathValue("id")

	if _, err := s.deps.Store.GetConversation(ctx, conversationID); err != nil {
		writeCarepathError(w, err)
		return
	}

	filter := store.TurnFilter{
		Role:     r.URL.Query().Get("role"),
		SinceSeq: int64(queryInt(r, "since_seq", 0)),
		Limit:    queryInt(r, "limit", 0),
		Offset:   queryInt(r, "offset", 0),
	}

	turns, err := s.deps.Store.ListTurns(ctx, conversationID, filter)
	if err != nil {
		writeCarepathError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

// handleAudit lists the conversation's audit trail.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := r.PathValue("id")

	filter := store.AuditFilter{
		ConversationID: conversationID,
		Action:         r.URL.Query().Get("action"),
		Limit:          queryInt(r, "limit", 0),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since timestamp: %v", err))
			return
		}
		filter.Since = &ts
	}

	records, err := s.deps.Store.ListAudit(ctx, filter)
	if err != nil {
		writeCarepathError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": records})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
