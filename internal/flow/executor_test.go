package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/carepath/pkg/schema"
)

func buildLinear(t *testing.T, nodes ...*stubNode) *Flow {
	t.Helper()
	b := NewBuilder("test")
	for _, n := range nodes {
		b.Add(n)
	}
	for i := 0; i < len(nodes)-1; i++ {
		b.Route(nodes[i].name, "ok", nodes[i+1].name)
	}
	b.Start(nodes[0].name)
	f, err := b.Build()
	require.NoError(t, err)
	return f
}

func TestRun_LinearFlowCompletes(t *testing.T) {
	var order []string
	mk := func(name string) *stubNode {
		return &stubNode{
			name: name,
			finalize: func(s *State, _, _ any) (string, error) {
				order = append(order, name)
				return "ok", nil
			},
		}
	}
	f := buildLinear(t, mk("a"), mk("b"), mk("c"))

	res := NewExecutor().Run(context.Background(), f, NewState())
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, "c", res.LastNode)
	assert.Len(t, res.Steps, 3)
	assert.NotEmpty(t, res.RunID)
}

func TestRun_BranchingOnLabel(t *testing.T) {
	triage := &stubNode{
		name: "triage",
		finalize: func(s *State, _, _ any) (string, error) {
			return "urgent", nil
		},
	}
	urgent := &stubNode{name: "urgent_advice"}
	normal := &stubNode{name: "history"}

	f, err := NewBuilder("test").
		Add(triage).Add(urgent).Add(normal).
		Route("triage", "urgent", "urgent_advice").
		Route("triage", "ok", "history").
		Start("triage").
		Build()
	require.NoError(t, err)

	res := NewExecutor().Run(context.Background(), f, NewState())
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, "urgent_advice", res.LastNode)
}

func TestRun_DefaultSuccessor(t *testing.T) {
	a := &stubNode{
		name: "a",
		finalize: func(s *State, _, _ any) (string, error) {
			return "unanticipated_label", nil
		},
	}
	b := &stubNode{name: "b"}

	f, err := NewBuilder("test").
		Add(a).Add(b).
		Default("a", "b").
		Start("a").
		Build()
	require.NoError(t, err)

	res := NewExecutor().Run(context.Background(), f, NewState())
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, "b", res.LastNode)
}

func TestRun_UnroutableOutcome(t *testing.T) {
	a := &stubNode{
		name: "a",
		finalize: func(s *State, _, _ any) (string, error) {
			s.Set("progress", "a ran")
			return "mystery", nil
		},
	}
	b := &stubNode{name: "b"}

	f, err := NewBuilder("test").
		Add(a).Add(b).
		Route("a", "ok", "b").
		Start("a").
		Build()
	require.NoError(t, err)

	res := NewExecutor().Run(context.Background(), f, NewState())
	require.Equal(t, schema.RunStatusFailed, res.Status)
	require.NotNil(t, res.Err)
	assert.Equal(t, schema.ErrCodeUnroutableOutcome, res.Err.Code)
	// State written before the failure is retained for diagnosis.
	assert.Equal(t, "a ran", res.State["progress"])
}

func TestRun_PrepareFailureIsFatalAndNeverRetried(t *testing.T) {
	calls := 0
	a := &stubNode{
		name: "a",
		prepare: func(s *State) (any, error) {
			calls++
			return nil, MissingInput("a", "user_text")
		},
	}
	b := NewBuilder("test").Add(a, WithRetry(RetryPolicy{MaxAttempts: 5}))
	f, err := b.Start("a").Build()
	require.NoError(t, err)

	res := NewExecutor().Run(context.Background(), f, NewState())
	require.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeMissingInput, res.Err.Code)
	assert.Equal(t, 1, calls)
}

func TestRun_RetryThenSuccess(t *testing.T) {
	attempts := 0
	a := &stubNode{
		name: "a",
		execute: func(ctx context.Context, _ any) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient: connection refused")
			}
			return "result", nil
		},
		finalize: func(s *State, _, result any) (string, error) {
			s.Set("out", result)
			return "ok", nil
		},
	}
	f, err := NewBuilder("test").
		Add(a, WithRetry(RetryPolicy{MaxAttempts: 3, Delay: 5 * time.Millisecond, Backoff: "exponential"})).
		Start("a").
		Build()
	require.NoError(t, err)

	start := time.Now()
	st := NewState()
	res := NewExecutor().Run(context.Background(), f, st)
	elapsed := time.Since(start)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, res.Steps[0].Attempts)
	assert.Equal(t, "result", st.String("out"))
	// Backoff delays 5ms + 10ms must have elapsed.
	assert.GreaterOrEqual(t, elapsed, 15*time.Millisecond)
}

func TestRun_RetriesExhaustedWithoutFallbackFails(t *testing.T) {
	attempts := 0
	a := &stubNode{
		name: "a",
		execute: func(ctx context.Context, _ any) (any, error) {
			attempts++
			return nil, errors.New("provider down: service unavailable")
		},
	}
	f, err := NewBuilder("test").
		Add(a, WithRetry(RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond})).
		Start("a").
		Build()
	require.NoError(t, err)

	res := NewExecutor().Run(context.Background(), f, NewState())
	require.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeRetryExhausted, res.Err.Code)
	assert.Equal(t, 3, attempts)
}

func TestRun_NonRetryableErrorStopsEarly(t *testing.T) {
	attempts := 0
	a := &stubNode{
		name: "a",
		execute: func(ctx context.Context, _ any) (any, error) {
			attempts++
			return nil, schema.NewError(schema.ErrCodeValidation, "malformed request")
		},
	}
	f, err := NewBuilder("test").
		Add(a, WithRetry(RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond})).
		Start("a").
		Build()
	require.NoError(t, err)

	res := NewExecutor().Run(context.Background(), f, NewState())
	require.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, 1, attempts)
}

func TestRun_FallbackRunsFinalizeWithDegradedSentinel(t *testing.T) {
	var got any
	a := &stubNode{
		name: "a",
		execute: func(ctx context.Context, _ any) (any, error) {
			return nil, errors.New("provider down: service unavailable")
		},
		finalize: func(s *State, _, result any) (string, error) {
			got = result
			s.Set("degraded", true)
			return "ok", nil
		},
	}
	safety := &stubNode{name: "safety"}
	f, err := NewBuilder("test").
		Add(a, WithRetry(RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond}), WithFallback("degraded")).
		Add(safety).
		Route("a", "degraded", "safety").
		Start("a").
		Build()
	require.NoError(t, err)

	st := NewState()
	res := NewExecutor().Run(context.Background(), f, st)

	require.Equal(t, schema.RunStatusCompleted, res.Status)
	deg, ok := got.(Degraded)
	require.True(t, ok, "finalize should receive the Degraded sentinel")
	assert.Error(t, deg.Cause)
	assert.True(t, st.Bool("degraded"))
	assert.True(t, res.Steps[0].Degraded)
	assert.Equal(t, "degraded", res.Steps[0].Outcome)
	assert.Equal(t, "safety", res.LastNode)
}

func TestRun_LoopGuard(t *testing.T) {
	a := &stubNode{name: "a", finalize: func(*State, any, any) (string, error) { return "again", nil }}
	b := &stubNode{name: "b", finalize: func(*State, any, any) (string, error) { return "back", nil }}
	f, err := NewBuilder("test").
		Add(a).Add(b).
		Route("a", "again", "b").
		Route("b", "back", "a").
		Start("a").
		Build()
	require.NoError(t, err)

	res := NewExecutor().Run(context.Background(), f, NewState())
	require.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeFlowLoop, res.Err.Code)
	assert.Len(t, res.Steps, f.maxSteps)
}

func TestRun_DeadlineFailsWithRunTimeout(t *testing.T) {
	finalized := false
	slow := &stubNode{
		name: "slow",
		execute: func(ctx context.Context, _ any) (any, error) {
			select {
			case <-time.After(time.Second):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		finalize: func(*State, any, any) (string, error) {
			finalized = true
			return "ok", nil
		},
	}
	// A fallback must not rescue a run-level timeout.
	f, err := NewBuilder("test").
		Add(slow, WithFallback("degraded")).
		Start("slow").
		Build()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := NewExecutor().Run(ctx, f, NewState())
	require.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeRunTimeout, res.Err.Code)
	assert.False(t, finalized, "no partial Finalize for the timed-out node")
}

func TestRun_EarlierFinalizesSurviveTimeout(t *testing.T) {
	first := &stubNode{
		name: "first",
		finalize: func(s *State, _, _ any) (string, error) {
			s.Set("first_done", true)
			return "ok", nil
		},
	}
	slow := &stubNode{
		name: "slow",
		execute: func(ctx context.Context, _ any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	f := buildLinear(t, first, slow)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	st := NewState()
	res := NewExecutor().Run(ctx, f, st)
	require.Equal(t, schema.RunStatusFailed, res.Status)
	assert.True(t, st.Bool("first_done"))
	assert.Equal(t, true, res.State["first_done"])
}

func TestRun_ObserverSeesLifecycle(t *testing.T) {
	var events []string
	obs := func(ctx context.Context, event string, payload map[string]any) {
		events = append(events, event)
	}
	f := buildLinear(t, &stubNode{name: "only"})

	res := NewExecutor(WithObserver(obs)).Run(context.Background(), f, NewState())
	require.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, []string{
		schema.EventRunStarted,
		schema.EventNodeStarted,
		schema.EventNodeCompleted,
		schema.EventRunCompleted,
	}, events)
}

func TestRun_ConcurrentRunsShareOneFlow(t *testing.T) {
	echo := &stubNode{
		name: "echo",
		prepare: func(s *State) (any, error) {
			return s.String("user_text"), nil
		},
		finalize: func(s *State, input, _ any) (string, error) {
			s.Set("reply", "echo: "+input.(string))
			return "ok", nil
		},
	}
	f := buildLinear(t, echo)
	exec := NewExecutor()

	done := make(chan string, 16)
	for i := 0; i < 16; i++ {
		go func(i int) {
			st := NewState()
			st.Set("user_text", string(rune('a'+i)))
			exec.Run(context.Background(), f, st)
			done <- st.String("reply")
		}(i)
	}

	seen := make(map[string]bool)
	for i := 0; i < 16; i++ {
		seen[<-done] = true
	}
	assert.Len(t, seen, 16, "each run owns its state exclusively")
}
