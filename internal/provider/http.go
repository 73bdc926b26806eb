package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/carepath/carepath/pkg/schema"
)

const (
	defaultTimeout = 60 * time.Second

	// maxErrorBody bounds how much of an error response is kept for diagnostics.
	maxErrorBody = 2048

	// maxResponseBody bounds a completion response, matching the per-line
	// cap on the streaming path.
	maxResponseBody = 1024 * 1024
)

// HTTPProvider talks to an OpenAI-compatible chat completions endpoint.
type HTTPProvider struct {
	name        string
	baseURL     string
	model       string
	apiKey      string
	temperature float64
	client      *http.Client
}

// NewHTTPProvider creates a provider for the given configuration. The base
// URL is the API root; "/chat/completions" is appended per request.
func NewHTTPProvider(cfg schema.ProviderConfig, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		name:        cfg.Name,
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		model:       cfg.Model,
		apiKey:      apiKey,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: defaultTimeout},
	}
}

// Name returns the configured provider name.
func (p *HTTPProvider) Name() string { return p.name }

type chatPayload struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Chat performs a non-streaming completion and returns the assistant text.
func (p *HTTPProvider) Chat(ctx context.Context, req Request) (string, error) {
	resp, err := p.post(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&out); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeProvider,
			"%s: decode response: %s", p.name, err.Error()).WithCause(err)
	}
	if len(out.Choices) == 0 {
		return "", schema.NewErrorf(schema.ErrCodeProvider, "%s: empty choices", p.name)
	}
	content := out.Choices[0].Message.Content
	if content == "" {
		return "", schema.NewErrorf(schema.ErrCodeProvider, "%s: empty message content", p.name)
	}
	return content, nil
}

// ChatStream performs a streaming completion, forwarding each fragment to
// onChunk, and returns the accumulated assistant text.
func (p *HTTPProvider) ChatStream(ctx context.Context, req Request, onChunk ChunkFunc) (string, error) {
	resp, err := p.post(ctx, req, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var ev chatStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Tolerate non-JSON keepalive lines.
			continue
		}
		if len(ev.Choices) == 0 {
			continue
		}
		text := ev.Choices[0].Delta.Content
		if text == "" {
			continue
		}
		full.WriteString(text)
		if onChunk != nil {
			if err := onChunk(Chunk{Text: text}); err != nil {
				return "", schema.NewErrorf(schema.ErrCodeExecution,
					"%s: stream consumer: %s", p.name, err.Error()).WithCause(err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeProvider,
			"%s: read stream: %s", p.name, err.Error()).WithCause(err)
	}

	if onChunk != nil {
		if err := onChunk(Chunk{Done: true}); err != nil {
			return "", schema.NewErrorf(schema.ErrCodeExecution,
				"%s: stream consumer: %s", p.name, err.Error()).WithCause(err)
		}
	}

	if full.Len() == 0 {
		return "", schema.NewErrorf(schema.ErrCodeProvider, "%s: empty streamed reply", p.name)
	}
	return full.String(), nil
}

func (p *HTTPProvider) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}
	payload := chatPayload{
		Model:       p.model,
		Messages:    req.Messages,
		Temperature: temperature,
		Stream:      stream,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProvider,
			"%s: marshal request: %s", p.name, err.Error()).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProvider,
			"%s: build request: %s", p.name, err.Error()).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProvider,
			"%s: request failed: %s", p.name, err.Error()).WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		code := schema.ErrCodeProvider
		// 429 and 5xx are transient; other 4xx indicate a configuration bug
		// (bad key, unknown model) and must not be retried.
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			code = schema.ErrCodeValidation
		}
		return nil, schema.NewErrorf(code,
			"%s: HTTP %d: %s", p.name, resp.StatusCode, string(snippet)).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}
	return resp, nil
}

var _ Provider = (*HTTPProvider)(nil)
var _ Streamer = (*HTTPProvider)(nil)

// String implements fmt.Stringer for log output without leaking the key.
func (p *HTTPProvider) String() string {
	return fmt.Sprintf("%s(%s, model=%s)", p.name, p.baseURL, p.model)
}
