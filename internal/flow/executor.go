package flow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/carepath/carepath/internal/logging"
	"github.com/carepath/carepath/pkg/schema"
)

// ObserverFunc receives run lifecycle events (run_started, node_completed,
// run_completed, run_failed, node_retrying, node_degraded). The executor
// itself performs no I/O; observers bridge events to transports.
type ObserverFunc func(ctx context.Context, event string, payload map[string]any)

// StepTrace records one node visit within a run.
type StepTrace struct {
	Node       string `json:"node"`
	Outcome    string `json:"outcome"`
	Attempts   int    `json:"attempts"`
	Degraded   bool   `json:"degraded,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Result is the structured outcome of one run, including a snapshot of
// the shared state at the end. A failed run additionally carries the
// typed error plus the last node reached, so the caller can see how far
// execution progressed without re-running the turn.
type Result struct {
	RunID       string                `json:"run_id"`
	Status      schema.RunStatus      `json:"status"`
	LastNode    string                `json:"last_node,omitempty"`
	Outcome     string                `json:"outcome,omitempty"`
	Steps       []StepTrace           `json:"steps,omitempty"`
	Err         *schema.CarepathError `json:"error,omitempty"`
	State       map[string]any        `json:"state,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt time.Time             `json:"completed_at"`
}

// Executor drives runs of a Flow. It holds no cross-run mutable state, so
// one Executor serves unlimited concurrent runs.
type Executor struct {
	logger   *slog.Logger
	observer ObserverFunc
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithObserver registers a run lifecycle observer.
func WithObserver(fn ObserverFunc) Option {
	return func(e *Executor) { e.observer = fn }
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the flow against the given state until a terminal node
// completes, a fatal error occurs, or the context deadline passes. The
// overall run deadline is the caller's: set it with context.WithTimeout.
func (e *Executor) Run(ctx context.Context, f *Flow, st *State) *Result {
	runID := logging.RunID(ctx)
	if runID == "" {
		runID = uuid.New().String()
		ctx = logging.WithRunID(ctx, runID)
	}

	result := &Result{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
	}

	if f == nil || st == nil {
		return e.fail(ctx, result, st,
			schema.NewError(schema.ErrCodeValidation, "nil flow or state"))
	}

	e.emit(ctx, schema.EventRunStarted, map[string]any{"flow": f.Name(), "start": f.Start()})

	current := f.start
	for steps := 0; ; steps++ {
		if steps >= f.maxSteps {
			return e.fail(ctx, result, st, schema.NewErrorf(schema.ErrCodeFlowLoop,
				"step bound %d exceeded; cyclic flow misconfiguration", f.maxSteps).WithNode(current))
		}
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, result, st, runContextError(err, current))
		}

		nodeCtx := logging.WithNode(ctx, current)
		log := logging.LogWith(nodeCtx, e.logger)
		entry := f.entries[current]
		result.LastNode = current
		visitStart := time.Now()
		e.emit(nodeCtx, schema.EventNodeStarted, map[string]any{"node": current})

		input, err := entry.node.Prepare(st)
		if err != nil {
			return e.fail(nodeCtx, result, st, asPrepareError(err, current))
		}

		execResult, attempts, execErr := e.executeWithRetry(nodeCtx, log, entry, input)

		degraded := false
		if execErr != nil {
			// A run-level deadline or cancellation is fatal regardless of
			// fallback: the timed-out node gets no partial Finalize.
			if cerr := ctx.Err(); cerr != nil {
				return e.fail(nodeCtx, result, st, runContextError(cerr, current))
			}
			if entry.fallback == "" {
				return e.fail(nodeCtx, result, st, exhaustedError(execErr, entry, attempts, current))
			}
			degraded = true
			execResult = Degraded{Cause: execErr}
			e.emit(nodeCtx, schema.EventNodeDegraded, map[string]any{
				"node": current, "attempts": attempts, "error": execErr.Error(),
			})
			log.Warn("execute exhausted retries, taking fallback outcome",
				"attempts", attempts, "fallback", entry.fallback, "error", execErr)
		}

		label, err := entry.node.Finalize(st, input, execResult)
		if err != nil {
			return e.fail(nodeCtx, result, st,
				schema.NewErrorf(schema.ErrCodeExecution, "finalize: %s", err.Error()).
					WithNode(current).WithCause(err))
		}
		if degraded {
			// Finalize wrote its degraded markers; the edge taken is the
			// flow-assembly decision, not the node's.
			label = entry.fallback
		}

		result.Steps = append(result.Steps, StepTrace{
			Node:       current,
			Outcome:    label,
			Attempts:   attempts,
			Degraded:   degraded,
			DurationMs: time.Since(visitStart).Milliseconds(),
		})
		result.Outcome = label
		e.emit(nodeCtx, schema.EventNodeCompleted, map[string]any{
			"node": current, "outcome": label, "attempts": attempts, "degraded": degraded,
		})
		log.Debug("node completed", "outcome", label, "attempts", attempts)

		next, routed := f.successor(current, label)
		if !routed {
			if f.isTerminal(current) {
				// No outgoing edges at all: the run completes here.
				result.Status = schema.RunStatusCompleted
				result.State = st.Snapshot()
				result.CompletedAt = time.Now().UTC()
				e.emit(ctx, schema.EventRunCompleted, map[string]any{
					"last_node": current, "outcome": label, "steps": len(result.Steps),
				})
				return result
			}
			// The node has successors but none matched: configuration bug.
			return e.fail(nodeCtx, result, st, schema.NewErrorf(schema.ErrCodeUnroutableOutcome,
				"outcome %q has no explicit or default successor", label).WithNode(current))
		}
		current = next
	}
}

// executeWithRetry runs the Execute phase under the node's retry policy.
// Returns the result, the attempt count, and the last error if all
// attempts failed.
func (e *Executor) executeWithRetry(ctx context.Context, log *slog.Logger, entry *nodeEntry, input any) (any, int, error) {
	maxAttempts := 1
	if entry.retry != nil && entry.retry.MaxAttempts > 1 {
		maxAttempts = entry.retry.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := entry.node.Execute(ctx, input)
		if err == nil {
			return result, attempt + 1, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, attempt + 1, err
		}
		if !IsRetryableError(err) || attempt+1 >= maxAttempts {
			return nil, attempt + 1, err
		}

		delay := ComputeBackoff(entry.retry, attempt)
		e.emit(ctx, schema.EventNodeRetrying, map[string]any{
			"node": entry.node.Name(), "attempt": attempt + 1,
			"max_attempts": maxAttempts, "delay_ms": delay.Milliseconds(),
			"error": err.Error(),
		})
		log.Warn("execute failed, retrying", "attempt", attempt+1, "max_attempts", maxAttempts,
			"delay", delay, "error", err)

		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return nil, attempt + 1, werr
		}
	}
	return nil, maxAttempts, lastErr
}

func (e *Executor) fail(ctx context.Context, result *Result, st *State, err *schema.CarepathError) *Result {
	result.Status = schema.RunStatusFailed
	result.Err = err
	result.CompletedAt = time.Now().UTC()
	if st != nil {
		result.State = st.Snapshot()
	}
	e.emit(ctx, schema.EventRunFailed, map[string]any{
		"last_node": result.LastNode, "code": err.Code, "error": err.Message,
	})
	logging.LogWith(ctx, e.logger).Error("run failed", "code", err.Code, "error", err.Message)
	return result
}

func (e *Executor) emit(ctx context.Context, event string, payload map[string]any) {
	if e.observer == nil {
		return
	}
	e.observer(ctx, event, payload)
}

// runContextError maps a context error to the run-level error taxonomy.
func runContextError(err error, node string) *schema.CarepathError {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeRunTimeout, "run deadline exceeded").WithNode(node).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithNode(node).WithCause(err)
}

// asPrepareError normalizes a Prepare-phase failure to MISSING_INPUT
// unless the node already produced a typed error.
func asPrepareError(err error, node string) *schema.CarepathError {
	var cpErr *schema.CarepathError
	if errors.As(err, &cpErr) {
		if cpErr.Node == "" {
			cpErr.Node = node
		}
		return cpErr
	}
	return schema.NewErrorf(schema.ErrCodeMissingInput, "prepare: %s", err.Error()).
		WithNode(node).WithCause(err)
}

// exhaustedError wraps the terminal Execute error for a node without a
// fallback outcome.
func exhaustedError(err error, entry *nodeEntry, attempts int, node string) *schema.CarepathError {
	var cpErr *schema.CarepathError
	if entry.retry != nil && attempts >= entry.retry.MaxAttempts && IsRetryableError(err) {
		return schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"retries exhausted after %d attempts: %s", attempts, err.Error()).
			WithNode(node).WithCause(err)
	}
	if errors.As(err, &cpErr) {
		if cpErr.Node == "" {
			cpErr.Node = node
		}
		return cpErr
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "execute: %s", err.Error()).
		WithNode(node).WithCause(err)
}
