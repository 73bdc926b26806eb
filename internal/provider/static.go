package provider

import (
	"context"
	"encoding/json"
	"strings"
)

// StaticProvider returns a canned structured reply without any network
// access. It backs offline development and tests, and echoes the last user
// message so replies stay distinguishable.
type StaticProvider struct{}

// NewStaticProvider creates a StaticProvider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

// Name returns the provider identifier.
func (p *StaticProvider) Name() string { return "static" }

// Chat returns a fixed JSON reply referencing the last user message.
func (p *StaticProvider) Chat(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUser = req.Messages[i].Content
			break
		}
	}

	var b strings.Builder
	b.WriteString(`{"reply":"Thank you for your message. `)
	b.WriteString(`Based on what you described, rest, fluids, and monitoring your symptoms are reasonable first steps.",`)
	b.WriteString(`"followups":["How long have you had these symptoms?","Have you taken any medication?"],`)
	b.WriteString(`"warnings":["If symptoms worsen suddenly, seek medical care."]`)
	if lastUser != "" {
		b.WriteString(`,"echo":` + jsonQuote(lastUser))
	}
	b.WriteString(`}`)
	return b.String(), nil
}

// ChatStream emits the canned reply in a few fragments.
func (p *StaticProvider) ChatStream(ctx context.Context, req Request, onChunk ChunkFunc) (string, error) {
	full, err := p.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	if onChunk == nil {
		return full, nil
	}

	const fragment = 48
	for i := 0; i < len(full); i += fragment {
		end := i + fragment
		if end > len(full) {
			end = len(full)
		}
		if err := onChunk(Chunk{Text: full[i:end]}); err != nil {
			return "", err
		}
	}
	if err := onChunk(Chunk{Done: true}); err != nil {
		return "", err
	}
	return full, nil
}

func jsonQuote(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

var _ Provider = (*StaticProvider)(nil)
var _ Streamer = (*StaticProvider)(nil)
