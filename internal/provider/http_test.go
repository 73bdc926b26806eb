package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/carepath/pkg/schema"
)

func testConfig(baseURL string) schema.ProviderConfig {
	return schema.ProviderConfig{
		Name:        "deepseek",
		BaseURL:     baseURL,
		Model:       "deepseek-chat",
		Temperature: 0.2,
	}
}

func TestHTTPProvider_Chat(t *testing.T) {
	var gotAuth string
	var gotPayload chatPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "drink fluids and rest"}},
			},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(testConfig(srv.URL), "test-key")
	reply, err := p.Chat(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "I have a cold"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "drink fluids and rest", reply)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "deepseek-chat", gotPayload.Model)
	assert.InDelta(t, 0.2, gotPayload.Temperature, 1e-9)
	assert.False(t, gotPayload.Stream)
}

func TestHTTPProvider_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload chatPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.True(t, payload.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, fragment := range []string{"drink ", "fluids ", "and rest"} {
			data, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{
					{"delta": map[string]any{"content": fragment}},
				},
			})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		}
		_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewHTTPProvider(testConfig(srv.URL), "test-key")

	var chunks []Chunk
	reply, err := p.ChatStream(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "I have a cold"}},
	}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "drink fluids and rest", reply)
	require.Len(t, chunks, 4)
	assert.Equal(t, "drink ", chunks[0].Text)
	assert.True(t, chunks[3].Done)
}

func TestHTTPProvider_TransientStatusIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProvider(testConfig(srv.URL), "test-key")
	_, err := p.Chat(context.Background(), Request{})
	var cerr *schema.CarepathError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeProvider, cerr.Code)
	assert.True(t, cerr.IsRetryable())
}

func TestHTTPProvider_AuthFailureIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewHTTPProvider(testConfig(srv.URL), "bad-key")
	_, err := p.Chat(context.Background(), Request{})
	var cerr *schema.CarepathError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeValidation, cerr.Code)
	assert.False(t, cerr.IsRetryable())
}

func TestHTTPProvider_OversizedResponseRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		huge := strings.Repeat("a", maxResponseBody+4096)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": huge}},
			},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(testConfig(srv.URL), "test-key")
	_, err := p.Chat(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	var cerr *schema.CarepathError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeProvider, cerr.Code)
}

func TestHTTPProvider_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	p := NewHTTPProvider(testConfig(srv.URL), "test-key")
	_, err := p.Chat(context.Background(), Request{})
	var cerr *schema.CarepathError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeProvider, cerr.Code)
}

func TestFromConfig_Presets(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "dk")
	p, err := FromConfig(schema.ProviderConfig{Name: "deepseek"})
	require.NoError(t, err)
	hp, ok := p.(*HTTPProvider)
	require.True(t, ok)
	assert.Equal(t, deepseekDefaultBase, hp.baseURL)
	assert.Equal(t, deepseekDefaultModel, hp.model)

	t.Setenv("QWEN_API_KEY", "qk")
	p, err = FromConfig(schema.ProviderConfig{Name: "qwen", Model: "qwen2.5:7b"})
	require.NoError(t, err)
	hp = p.(*HTTPProvider)
	assert.Equal(t, qwenDefaultBase, hp.baseURL)
	assert.Equal(t, "qwen2.5:7b", hp.model)
}

func TestFromConfig_MissingKey(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "")
	_, err := FromConfig(schema.ProviderConfig{Name: "deepseek"})
	var cerr *schema.CarepathError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeValidation, cerr.Code)
}

func TestFromConfig_Unknown(t *testing.T) {
	_, err := FromConfig(schema.ProviderConfig{Name: "gpt9000"})
	var cerr *schema.CarepathError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, schema.ErrCodeValidation, cerr.Code)
}

func TestFromConfig_Static(t *testing.T) {
	p, err := FromConfig(schema.ProviderConfig{Name: "static"})
	require.NoError(t, err)
	assert.Equal(t, "static", p.Name())
}
