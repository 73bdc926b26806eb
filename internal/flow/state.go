package flow

import "sort"

// State is the shared key/value store passed through one flow run. It is
// owned exclusively by that run, created when the run starts and discarded
// when it ends, so it is not safe (and never needs to be safe)
// for concurrent use.
type State struct {
	values map[string]any
}

// NewState creates an empty State.
func NewState() *State {
	return &State{values: make(map[string]any)}
}

// Set stores a value, overwriting any previous value for the key.
func (s *State) Set(key string, v any) {
	s.values[key] = v
}

// Get returns the raw value for a key.
func (s *State) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether the key has been written.
func (s *State) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// String returns the value for key as a string, or "" if absent or not a string.
func (s *State) String(key string) string {
	v, _ := s.values[key].(string)
	return v
}

// Bool returns the value for key as a bool, or false if absent or not a bool.
func (s *State) Bool(key string) bool {
	v, _ := s.values[key].(bool)
	return v
}

// Int returns the value for key as an int, or 0 if absent or not an int.
func (s *State) Int(key string) int {
	v, _ := s.values[key].(int)
	return v
}

// StringSlice returns the value for key as a []string, or nil if absent.
func (s *State) StringSlice(key string) []string {
	v, _ := s.values[key].([]string)
	return v
}

// Append appends items to a documented-additive string-slice key.
// Keys not declared additive by their owning node must use Set instead.
func (s *State) Append(key string, items ...string) {
	existing, _ := s.values[key].([]string)
	s.values[key] = append(existing, items...)
}

// Keys returns all written keys in sorted order.
func (s *State) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a shallow copy of the state for failure reporting.
// The caller may inspect how far execution progressed without holding a
// reference to the live map.
func (s *State) Snapshot() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
