package flow

import (
	"context"

	"github.com/carepath/carepath/pkg/schema"
)

// Node is a single processing stage in a flow. The executor invokes the
// three phases in order on every visit:
//
//  1. Prepare extracts the node's input from the shared State. It must be
//     pure and synchronous; a missing required key is a wiring bug and is
//     reported via MissingInput, never retried.
//  2. Execute performs the node's actual work. It is the only phase
//     allowed to do I/O and the only phase the retry policy applies to.
//  3. Finalize writes results back into the State and returns the outcome
//     label the executor routes on. Finalize must overwrite (not append
//     to) the keys it owns, unless a key is documented as additive.
type Node interface {
	Name() string
	Prepare(s *State) (any, error)
	Execute(ctx context.Context, input any) (any, error)
	Finalize(s *State, input, result any) (string, error)
}

// Contract is optionally implemented by nodes to declare the State keys
// they read and write. Declared contracts are validated at Build time:
// a node is never wired as a successor of nodes that cannot have produced
// its required inputs.
type Contract interface {
	Reads() []string
	Writes() []string
}

// Degraded is the sentinel result passed to Finalize when Execute
// exhausted its retries and the node has a fallback outcome configured.
// Finalize implementations should write their documented degraded markers
// when they receive it.
type Degraded struct {
	Cause error
}

// MissingInput builds the fatal Prepare-phase error for an absent
// required key.
func MissingInput(node, key string) error {
	return schema.NewErrorf(schema.ErrCodeMissingInput, "required key %q absent from state", key).WithNode(node)
}
