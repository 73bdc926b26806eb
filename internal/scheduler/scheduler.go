package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/carepath/carepath/internal/store"
	"github.com/carepath/carepath/pkg/schema"
)

// defaultMaxAgeDays is the retention horizon when the profile leaves it unset.
const defaultMaxAgeDays = 90

// Sweeper prunes aged audit records on a cron schedule and reclaims the
// freed pages. Transcript turns are never pruned: the audit trail is the
// only table with a retention horizon.
type Sweeper struct {
	store    store.Store
	schedule cron.Schedule
	maxAge   time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Sweeper from the profile's retention settings. A nil
// return with nil error means retention is disabled (empty schedule).
func New(s store.Store, cfg schema.RetentionConfig, logger *slog.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		return nil, nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"parse retention schedule %q: %s", cfg.Schedule, err.Error()).WithCause(err)
	}

	maxAgeDays := cfg.MaxAgeDays
	if maxAgeDays <= 0 {
		maxAgeDays = defaultMaxAgeDays
	}

	return &Sweeper{
		store:    s,
		schedule: schedule,
		maxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
		logger:   logger,
	}, nil
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("retention sweeper started", "max_age", s.maxAge)
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	for {
		next := s.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep prunes audit records older than the retention horizon, records the
// prune itself in the audit trail, and vacuums when anything was removed.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.maxAge)

	pruned, err := s.store.PruneAudit(ctx, cutoff)
	if err != nil {
		return err
	}
	if pruned == 0 {
		return nil
	}

	detail, err := json.Marshal(map[string]any{
		"pruned": pruned,
		"cutoff": cutoff.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal prune detail: %w", err)
	}
	if err := s.store.AppendAudit(ctx, &store.AuditRecord{
		Action: schema.AuditAuditPruned,
		Detail: detail,
	}); err != nil {
		return err
	}

	s.logger.Info("pruned aged audit records", "pruned", pruned, "cutoff", cutoff)
	return s.store.Vacuum(ctx)
}

// Stop gracefully shuts down the sweeper.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("retention sweeper stopped")
	return nil
}
