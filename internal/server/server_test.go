package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/carepath/internal/expressions"
	"github.com/carepath/carepath/internal/flow"
	"github.com/carepath/carepath/internal/nodes"
	"github.com/carepath/carepath/internal/provider"
	"github.com/carepath/carepath/internal/store"
	"github.com/carepath/carepath/internal/streaming"
	"github.com/carepath/carepath/pkg/schema"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.LibSQLStore, *streaming.MemoryHub) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "server.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)

	hub := streaming.NewMemoryHub()
	f, err := nodes.BuildClinicalFlow(nodes.Deps{
		Store:    s,
		Provider: provider.NewStaticProvider(),
		Hub:      hub,
		Profile:  &schema.Profile{Provider: schema.ProviderConfig{Name: "static", Stream: true}},
		CEL:      cel,
		Expr:     expressions.NewExprEngine(),
		JQ:       expressions.NewGoJQEngine(),
		Interp:   expressions.NewInterpolator(),
	})
	require.NoError(t, err)

	srv := NewServer(Deps{
		Store:    s,
		Flow:     f,
		Executor: flow.NewExecutor(flow.WithObserver(streaming.PublishObserver(hub))),
		Hub:      hub,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, s, hub
}

func postChat(t *testing.T, ts *httptest.Server, conversationID, text string) (*http.Response, schema.TurnResult) {
	t.Helper()
	body, err := json.Marshal(map[string]string{"sender_id": "sender-1", "text": text})
	require.NoError(t, err)

	resp, err := http.Post(
		fmt.Sprintf("%s/api/conversations/%s/chat", ts.URL, conversationID),
		"application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var result schema.TurnResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return resp, result
}

func TestServer_ChatTurn(t *testing.T) {
	ts, s, _ := newTestServer(t)

	resp, result := postChat(t, ts, "conv-1", "I have a mild sore throat")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NotEmpty(t, result.RunID)
	assert.Contains(t, result.Reply, "Thank you for your message")
	assert.Equal(t, schema.TriageNonUrgent, result.TriageLevel)
	assert.NotEmpty(t, result.Followups)
	assert.NotEmpty(t, result.Warnings)
	assert.False(t, result.Degraded)
	assert.Nil(t, result.Error)

	// First contact created the conversation.
	conv, err := s.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "sender-1", conv.SenderID)
}

func TestServer_ChatUrgentTurn(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, result := postChat(t, ts, "conv-1", "sudden severe chest pain")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, schema.TriageUrgent, result.TriageLevel)
	assert.Contains(t, result.Reply, "seek in-person medical care")
}

func TestServer_ChatRejectsEmptyText(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/conversations/conv-1/chat",
		"application/json", bytes.NewReader([]byte(`{"sender_id":"s1","text":"  "}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ChatRejectsInvalidJSON(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/conversations/conv-1/chat",
		"application/json", bytes.NewReader([]byte(`{not json`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_ListTurns(t *testing.T) {
	ts, _, _ := newTestServer(t)
	_, _ = postChat(t, ts, "conv-1", "first question")

	resp, err := http.Get(ts.URL + "/api/conversations/conv-1/turns")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Turns []*store.Turn `json:"turns"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Turns, 2)
	assert.Equal(t, store.RoleUser, body.Turns[0].Role)
	assert.Equal(t, "first question", body.Turns[0].Content)
	assert.Equal(t, store.RoleAssistant, body.Turns[1].Role)
}

func TestServer_ListTurnsUnknownConversation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/conversations/ghost/turns")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ConversationSummary(t *testing.T) {
	ts, _, _ := newTestServer(t)
	_, _ = postChat(t, ts, "conv-1", "hello there")

	resp, err := http.Get(ts.URL + "/api/conversations/conv-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		TurnCount int64 `json:"turn_count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 2, body.TurnCount)
}

func TestServer_AuditTrail(t *testing.T) {
	ts, _, _ := newTestServer(t)
	_, _ = postChat(t, ts, "conv-1", "hello there")

	resp, err := http.Get(ts.URL + "/api/conversations/conv-1/audit")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Audit []*store.AuditRecord `json:"audit"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Audit, 1)
	assert.Equal(t, schema.AuditTurnAppended, body.Audit[0].Action)
}

type slowProvider struct{ delay time.Duration }

func (p *slowProvider) Name() string { return "slow" }

func (p *slowProvider) Chat(ctx context.Context, req provider.Request) (string, error) {
	select {
	case <-time.After(p.delay):
		return `{"reply":"late"}`, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestServer_FailedRunWritesAudit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "server.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	f, err := nodes.BuildClinicalFlow(nodes.Deps{
		Store:    s,
		Provider: &slowProvider{delay: time.Second},
		Hub:      streaming.NewMemoryHub(),
		Profile:  &schema.Profile{Provider: schema.ProviderConfig{Name: "static"}},
		CEL:      cel,
		Expr:     expressions.NewExprEngine(),
		JQ:       expressions.NewGoJQEngine(),
		Interp:   expressions.NewInterpolator(),
	})
	require.NoError(t, err)

	srv := NewServer(Deps{
		Store:      s,
		Flow:       f,
		Executor:   flow.NewExecutor(),
		Hub:        streaming.NewMemoryHub(),
		RunTimeout: 10 * time.Millisecond,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, result := postChat(t, ts, "conv-1", "I have a mild sore throat")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeRunTimeout, result.Error.Code)

	records, err := s.ListAudit(context.Background(), store.AuditFilter{Action: schema.AuditRunFailed})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, result.RunID, records[0].RunID)
	assert.Equal(t, "conv-1", records[0].ConversationID)
}

func TestServer_Health(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_SSEDeliversRunEvents(t *testing.T) {
	ts, _, hub := newTestServer(t)

	srv := NewServer(Deps{Hub: hub})
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/conversations/conv-1/events", nil).WithContext(ctx)
	req.SetPathValue("id", "conv-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handleSSEConversation(rec, req)
	}()

	// Let the subscription register, then run a turn that emits events.
	time.Sleep(100 * time.Millisecond)
	_, _ = postChat(t, ts, "conv-1", "I have a mild sore throat")
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	out := rec.Body.String()
	assert.Contains(t, out, "event: "+schema.EventRunStarted)
	assert.Contains(t, out, "event: "+schema.EventReplyChunk)
	assert.Contains(t, out, "event: "+schema.EventRunCompleted)
	assert.Contains(t, out, `"conversation_id":"conv-1"`)
}

func TestServer_StatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusForCode(schema.ErrCodeValidation))
	assert.Equal(t, http.StatusNotFound, statusForCode(schema.ErrCodeNotFound))
	assert.Equal(t, http.StatusGatewayTimeout, statusForCode(schema.ErrCodeRunTimeout))
	assert.Equal(t, http.StatusBadGateway, statusForCode(schema.ErrCodeProvider))
	assert.Equal(t, http.StatusInternalServerError, statusForCode(schema.ErrCodeExecution))
}
