package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_SetGet(t *testing.T) {
	s := NewState()
	assert.False(t, s.Has("user_text"))

	s.Set("user_text", "hello")
	v, ok := s.Get("user_text")
	assert.True(t, ok)
	assert.Equal(t, "hello", v)
	assert.Equal(t, "hello", s.String("user_text"))
}

func TestState_TypedAccessors(t *testing.T) {
	s := NewState()
	s.Set("degraded", true)
	s.Set("count", 3)
	s.Set("followups", []string{"a", "b"})

	assert.True(t, s.Bool("degraded"))
	assert.Equal(t, 3, s.Int("count"))
	assert.Equal(t, []string{"a", "b"}, s.StringSlice("followups"))

	// Wrong-type and absent keys yield zero values.
	assert.Equal(t, "", s.String("degraded"))
	assert.False(t, s.Bool("missing"))
	assert.Nil(t, s.StringSlice("missing"))
}

func TestState_SetOverwrites(t *testing.T) {
	s := NewState()
	s.Set("assistant_reply", "first")
	s.Set("assistant_reply", "second")
	assert.Equal(t, "second", s.String("assistant_reply"))
}

func TestState_AppendIsAdditive(t *testing.T) {
	s := NewState()
	s.Append("warnings", "w1")
	s.Append("warnings", "w2", "w3")
	assert.Equal(t, []string{"w1", "w2", "w3"}, s.StringSlice("warnings"))
}

func TestState_Snapshot(t *testing.T) {
	s := NewState()
	s.Set("a", 1)
	snap := s.Snapshot()
	s.Set("b", 2)

	assert.Equal(t, map[string]any{"a": 1}, snap)
	assert.Equal(t, []string{"a", "b"}, s.Keys())
}
