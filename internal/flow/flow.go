package flow

import (
	"sort"

	"github.com/carepath/carepath/pkg/schema"
)

// loopGuardFactor bounds a run to nodeCount × loopGuardFactor steps.
const loopGuardFactor = 4

// nodeEntry pairs a node with its per-node execution configuration.
type nodeEntry struct {
	node     Node
	retry    *RetryPolicy
	fallback string
}

// Flow is an immutable, named, directed graph of nodes with one designated
// start node. Built once at process startup and reused for every run; safe
// for unlimited concurrent runs because nothing mutates it after Build.
type Flow struct {
	name        string
	start       string
	entries     map[string]*nodeEntry
	transitions map[string]map[string]string
	defaults    map[string]string
	seeds       []string
	maxSteps    int
}

// Name returns the flow's name.
func (f *Flow) Name() string { return f.name }

// Start returns the start node's name.
func (f *Flow) Start() string { return f.start }

// NodeCount returns the number of nodes in the flow.
func (f *Flow) NodeCount() int { return len(f.entries) }

// Nodes returns all node names in sorted order, for introspection.
func (f *Flow) Nodes() []string {
	names := make([]string, 0, len(f.entries))
	for name := range f.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// successor resolves the next node for (node, label). The second return
// distinguishes "no successor at all" (terminal) from a resolved edge.
func (f *Flow) successor(node, label string) (string, bool) {
	if next, ok := f.transitions[node][label]; ok {
		return next, true
	}
	if next, ok := f.defaults[node]; ok {
		return next, true
	}
	return "", false
}

// isTerminal reports whether a node has no outgoing edges of any kind.
func (f *Flow) isTerminal(node string) bool {
	if _, ok := f.defaults[node]; ok {
		return false
	}
	return len(f.transitions[node]) == 0
}

// NodeOption configures a node added to a Builder.
type NodeOption func(*nodeEntry)

// WithRetry sets the retry policy for the node's Execute phase.
func WithRetry(p RetryPolicy) NodeOption {
	return func(e *nodeEntry) {
		policy := p
		e.retry = &policy
	}
}

// WithFallback sets the outcome label taken when Execute exhausts its
// retries. Finalize still runs with a Degraded sentinel result before the
// fallback edge is followed.
func WithFallback(label string) NodeOption {
	return func(e *nodeEntry) {
		e.fallback = label
	}
}

// Builder assembles a Flow. Route endpoints and the key contract of every
// node are validated when Build is called, so a mis-wired flow fails at
// process startup rather than mid-run.
type Builder struct {
	name        string
	start       string
	entries     map[string]*nodeEntry
	transitions map[string]map[string]string
	defaults    map[string]string
	seeds       []string
	errs        []error
}

// NewBuilder creates a Builder for a named flow.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:        name,
		entries:     make(map[string]*nodeEntry),
		transitions: make(map[string]map[string]string),
		defaults:    make(map[string]string),
	}
}

// Seed declares the State keys the caller writes before every run starts.
// They count as guaranteed inputs in the Build-time contract check.
func (b *Builder) Seed(keys ...string) *Builder {
	b.seeds = append(b.seeds, keys...)
	return b
}

// Add registers a node. Node names must be unique within the flow.
func (b *Builder) Add(n Node, opts ...NodeOption) *Builder {
	name := n.Name()
	if name == "" {
		b.errs = append(b.errs, schema.NewError(schema.ErrCodeValidation, "node has empty name"))
		return b
	}
	if _, exists := b.entries[name]; exists {
		b.errs = append(b.errs, schema.NewErrorf(schema.ErrCodeConflict, "node %q added twice", name))
		return b
	}
	entry := &nodeEntry{node: n}
	for _, opt := range opts {
		opt(entry)
	}
	b.entries[name] = entry
	return b
}

// Route wires (from, label) → to. Labels are matched exactly,
// case-sensitively, at run time.
func (b *Builder) Route(from, label, to string) *Builder {
	if b.transitions[from] == nil {
		b.transitions[from] = make(map[string]string)
	}
	if prev, exists := b.transitions[from][label]; exists && prev != to {
		b.errs = append(b.errs, schema.NewErrorf(schema.ErrCodeConflict,
			"route (%s, %q) wired to both %q and %q", from, label, prev, to))
		return b
	}
	b.transitions[from][label] = to
	return b
}

// Default wires the wildcard successor taken when a returned label has no
// explicit entry.
func (b *Builder) Default(from, to string) *Builder {
	if prev, exists := b.defaults[from]; exists && prev != to {
		b.errs = append(b.errs, schema.NewErrorf(schema.ErrCodeConflict,
			"default successor of %s wired to both %q and %q", from, prev, to))
		return b
	}
	b.defaults[from] = to
	return b
}

// Start designates the start node.
func (b *Builder) Start(name string) *Builder {
	b.start = name
	return b
}

// Build validates the assembled graph and freezes it into a Flow.
func (b *Builder) Build() (*Flow, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if b.start == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow has no start node")
	}
	if _, ok := b.entries[b.start]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "start node %q not added", b.start)
	}

	// Every route endpoint must be a registered node.
	for from, byLabel := range b.transitions {
		if _, ok := b.entries[from]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "route source %q not added", from)
		}
		for label, to := range byLabel {
			if _, ok := b.entries[to]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"route (%s, %q) targets unknown node %q", from, label, to)
			}
		}
	}
	for from, to := range b.defaults {
		if _, ok := b.entries[from]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "default source %q not added", from)
		}
		if _, ok := b.entries[to]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"default successor of %s targets unknown node %q", from, to)
		}
	}

	f := &Flow{
		name:        b.name,
		start:       b.start,
		entries:     b.entries,
		transitions: b.transitions,
		defaults:    b.defaults,
		seeds:       append([]string(nil), b.seeds...),
		maxSteps:    len(b.entries) * loopGuardFactor,
	}

	if err := f.checkContracts(); err != nil {
		return nil, err
	}
	return f, nil
}

// checkContracts verifies that every reachable node's declared Reads are
// written on every path leading to it. This is a forward dataflow fixpoint
// over the transition table: in(n) = ∩ over predecessor edges p→n of
// (in(p) ∪ writes(p)), with in(start) = the caller-seeded keys. Cycles are
// tolerated; the iteration converges because guaranteed-key sets only
// shrink from the full universe.
func (f *Flow) checkContracts() error {
	succs := func(name string) []string {
		seen := make(map[string]bool)
		var out []string
		for _, to := range f.transitions[name] {
			if !seen[to] {
				seen[to] = true
				out = append(out, to)
			}
		}
		if to, ok := f.defaults[name]; ok && !seen[to] {
			out = append(out, to)
		}
		return out
	}

	writes := func(name string) []string {
		if c, ok := f.entries[name].node.(Contract); ok {
			return c.Writes()
		}
		return nil
	}

	// in == nil means "not yet reached" (top element of the lattice).
	in := make(map[string]map[string]bool, len(f.entries))
	in[f.start] = toSet(f.seeds)

	work := []string{f.start}
	for len(work) > 0 {
		cur := work[0]
		work = work[1:]

		out := union(in[cur], writes(cur))
		for _, next := range succs(cur) {
			prev, reached := in[next]
			merged := out
			if reached {
				merged = intersect(prev, out)
			}
			if !reached || !sameSet(prev, merged) {
				in[next] = merged
				work = append(work, next)
			}
		}
	}

	// Deterministic error reporting.
	names := f.Nodes()
	for _, name := range names {
		guaranteed, reachable := in[name]
		if !reachable {
			continue
		}
		c, ok := f.entries[name].node.(Contract)
		if !ok {
			continue
		}
		for _, key := range c.Reads() {
			if !guaranteed[key] {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"node %q reads key %q which is not written on every path to it", name, key).WithNode(name)
			}
		}
	}
	return nil
}

func toSet(keys []string) map[string]bool {
	s := make(map[string]bool, len(keys))
	for _, k := range keys {
		s[k] = true
	}
	return s
}

func union(s map[string]bool, keys []string) map[string]bool {
	out := make(map[string]bool, len(s)+len(keys))
	for k := range s {
		out[k] = true
	}
	for _, k := range keys {
		out[k] = true
	}
	return out
}

func intersect(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range a {
		if b[k] {
			out[k] = true
		}
	}
	return out
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
