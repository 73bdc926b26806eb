package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/carepath/carepath/pkg/schema"
)

// maxSummaryLineRunes bounds each transcript line in History.Summary.
const maxSummaryLineRunes = 240

// TurnLog provides transcript reconstruction on top of a Store.
type TurnLog struct {
	store Store
}

// NewTurnLog wraps a Store to provide transcript operations.
func NewTurnLog(s Store) *TurnLog {
	return &TurnLog{store: s}
}

// History holds a validated slice of the most recent turns in a conversation.
type History struct {
	Turns []*Turn
	Total int64
}

// Empty reports whether the conversation has no recorded turns.
func (h *History) Empty() bool {
	return h.Total == 0
}

// Summary renders the held turns as a compact transcript, one line per
// turn, with long messages truncated. Used as model context.
func (h *History) Summary() string {
	if len(h.Turns) == 0 {
		return ""
	}
	var b strings.Builder
	for i, t := range h.Turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		content := t.Content
		if runes := []rune(content); len(runes) > maxSummaryLineRunes {
			content = string(runes[:maxSummaryLineRunes]) + "…"
		}
		fmt.Fprintf(&b, "%s: %s", t.Role, content)
	}
	return b.String()
}

// History loads the conversation transcript, validates sequence contiguity,
// and returns the last lastN turns (all turns when lastN <= 0).
// Returns a STORE_ERROR if the sequence has gaps.
func (tl *TurnLog) History(ctx context.Context, conversationID string, lastN int) (*History, error) {
	turns, err := tl.store.ListTurns(ctx, conversationID, TurnFilter{})
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}

	for i, t := range turns {
		expected := int64(i + 1)
		if t.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in conversation %s: expected %d, got %d", conversationID, expected, t.Sequence)
		}
	}

	h := &History{Turns: turns, Total: int64(len(turns))}
	if lastN > 0 && len(turns) > lastN {
		h.Turns = turns[len(turns)-lastN:]
	}
	return h, nil
}
