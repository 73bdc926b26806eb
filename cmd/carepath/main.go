package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/carepath/carepath/internal/expressions"
	"github.com/carepath/carepath/internal/flow"
	"github.com/carepath/carepath/internal/logging"
	"github.com/carepath/carepath/internal/nodes"
	"github.com/carepath/carepath/internal/provider"
	"github.com/carepath/carepath/internal/scheduler"
	"github.com/carepath/carepath/internal/server"
	"github.com/carepath/carepath/internal/store"
	"github.com/carepath/carepath/internal/streaming"
	"github.com/carepath/carepath/pkg/mcp"
	"github.com/carepath/carepath/pkg/schema"
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	var err error
	switch cmd {
	case "serve":
		err = runServe(cfg, logger)
	case "mcp":
		err = runMCP(cfg, logger)
	case "sweep":
		err = runSweep(cfg, logger)
	default:
		err = fmt.Errorf("unknown command %q (expected serve, mcp, or sweep)", cmd)
	}
	if err != nil {
		logger.Error("carepath exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// components is everything the transports share.
type components struct {
	store    *store.LibSQLStore
	profile  *schema.Profile
	flow     *flow.Flow
	executor *flow.Executor
	triage   *nodes.TriageNode
	hub      *streaming.MemoryHub
}

func buildComponents(ctx context.Context, cfg Config, logger *slog.Logger) (*components, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	profile, err := loadProfile(cfg.ProfilePath)
	if err != nil {
		st.Close()
		return nil, err
	}

	prov, err := provider.FromConfig(profile.Provider)
	if err != nil {
		st.Close()
		return nil, err
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		st.Close()
		return nil, err
	}
	ex := expressions.NewExprEngine()

	triage, err := nodes.NewTriageNode(profile.Triage, cel, ex)
	if err != nil {
		st.Close()
		return nil, err
	}

	hub := streaming.NewMemoryHub()
	f, err := nodes.BuildClinicalFlow(nodes.Deps{
		Store:        st,
		Provider:     prov,
		Hub:          hub,
		Profile:      profile,
		CEL:          cel,
		Expr:         ex,
		JQ:           expressions.NewGoJQEngine(),
		Interp:       expressions.NewInterpolator(),
		HistoryLimit: cfg.HistoryLimit,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	executor := flow.NewExecutor(
		flow.WithLogger(logger),
		flow.WithObserver(streaming.PublishObserver(hub)),
	)

	logger.Info("carepath components ready",
		slog.String("db", cfg.DBPath),
		slog.String("provider", prov.Name()),
		slog.Int("nodes", f.NodeCount()),
	)

	return &components{
		store:    st,
		profile:  profile,
		flow:     f,
		executor: executor,
		triage:   triage,
		hub:      hub,
	}, nil
}

// loadProfile reads and validates the profile file. A missing file selects
// the offline static preset so a fresh install works without setup.
func loadProfile(path string) (*schema.Profile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &schema.Profile{Provider: schema.ProviderConfig{Name: "static"}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return schema.ParseProfile(data)
}

func runServe(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.store.Close()

	sweeper, err := scheduler.New(comps.store, comps.profile.Retention, logger)
	if err != nil {
		return err
	}
	if sweeper != nil {
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	srv := server.NewServer(server.Deps{
		Store:      comps.store,
		Flow:       comps.flow,
		Executor:   comps.executor,
		Hub:        comps.hub,
		Logger:     logger,
		RunTimeout: time.Duration(cfg.RunTimeoutSecs) * time.Second,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("carepath listening", slog.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return httpSrv.Shutdown(shutdownCtx)
}

func runMCP(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.store.Close()

	mcpSrv := mcp.NewCarepathServer(mcp.CarepathServerDeps{
		Store:    comps.store,
		Flow:     comps.flow,
		Executor: comps.executor,
		Triage:   comps.triage,
		Hub:      comps.hub,
		Logger:   logger,
	})
	return mcpSrv.Serve(ctx)
}

// runSweep performs one retention sweep and exits, for external cron.
func runSweep(cfg Config, logger *slog.Logger) error {
	ctx := context.Background()

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.store.Close()

	retention := comps.profile.Retention
	if retention.Schedule == "" {
		// One-shot sweeps don't need the cron schedule, only the horizon.
		retention.Schedule = "0 0 * * *"
	}
	sweeper, err := scheduler.New(comps.store, retention, logger)
	if err != nil {
		return err
	}
	return sweeper.Sweep(ctx)
}
