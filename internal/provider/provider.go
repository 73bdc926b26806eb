package provider

import (
	"context"
	"os"

	"github.com/carepath/carepath/pkg/schema"
)

// Message is one chat message in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request.
type Request struct {
	Messages    []Message
	Temperature float64
}

// Chunk is one streamed fragment of the assistant reply.
type Chunk struct {
	Text string
	Done bool
}

// ChunkFunc receives streamed reply fragments. Returning an error aborts
// the stream.
type ChunkFunc func(Chunk) error

// Provider is a conversational model backend.
type Provider interface {
	Name() string
	// Chat performs a completion and returns the full assistant text.
	Chat(ctx context.Context, req Request) (string, error)
}

// Streamer is implemented by providers that can deliver the reply
// incrementally. The full text is still returned at the end.
type Streamer interface {
	ChatStream(ctx context.Context, req Request, onChunk ChunkFunc) (string, error)
}

// Preset defaults per provider name, matching the upstream service endpoints.
const (
	deepseekDefaultBase  = "https://api.deepseek.com"
	deepseekDefaultModel = "deepseek-chat"
	deepseekKeyEnv       = "DEEPSEEK_API_KEY"

	qwenDefaultBase  = "http://127.0.0.1:11434/v1"
	qwenDefaultModel = "qwen3:0.6b-q4_K_M"
	qwenKeyEnv       = "QWEN_API_KEY"
)

// FromConfig builds a Provider from profile configuration. The deepseek and
// qwen presets fill in base URL, model, and API key env var when the profile
// leaves them empty; "static" returns the canned offline provider.
func FromConfig(cfg schema.ProviderConfig) (Provider, error) {
	switch cfg.Name {
	case "static":
		return NewStaticProvider(), nil

	case "deepseek":
		applyPreset(&cfg, deepseekDefaultBase, deepseekDefaultModel, deepseekKeyEnv)

	case "qwen":
		applyPreset(&cfg, qwenDefaultBase, qwenDefaultModel, qwenKeyEnv)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown provider %q", cfg.Name)
	}

	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"provider %s: %s is not set", cfg.Name, cfg.APIKeyEnv)
	}

	return NewHTTPProvider(cfg, apiKey), nil
}

func applyPreset(cfg *schema.ProviderConfig, baseURL, model, keyEnv string) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = baseURL
	}
	if cfg.Model == "" {
		cfg.Model = model
	}
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = keyEnv
	}
}
