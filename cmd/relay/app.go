package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "modernc.org/sqlite"

	"github.com/petrijr/relay/internal/config"
	"github.com/petrijr/relay/internal/engine"
	"github.com/petrijr/relay/internal/messaging"
	"github.com/petrijr/relay/internal/persistence"
	"github.com/petrijr/relay/internal/pipeline"
	"github.com/petrijr/relay/internal/taskqueue"
	"github.com/petrijr/relay/pkg/api"
	"github.com/petrijr/relay/pkg/metrics"
	"github.com/petrijr/relay/pkg/worker"
)

// app is everything a command needs, built from one Config.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	queue    taskqueue.Queue
	engine   api.Engine
	registry *prometheus.Registry
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newApp opens the database, builds the engine on it and applies the
// definitions file.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite takes one writer at a time.
	db.SetMaxOpenConns(1)

	a := &app{cfg: cfg, logger: logger, db: db}
	if err := a.build(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	p, err := persistence.NewSQLitePersistence(a.db)
	if err != nil {
		return fmt.Errorf("init persistence: %w", err)
	}
	q, err := taskqueue.NewSQLiteQueue(a.db)
	if err != nil {
		return fmt.Errorf("init task queue: %w", err)
	}
	a.queue = q

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ec := a.cfg.Engine
	a.engine = engine.NewEngine(engine.Config{
		Persistence: p,
		Messenger:   messaging.NewLogMessenger(a.logger),
		Phases:      pipeline.New(a.cfg.Phases),
		Scheduler:   worker.NewQueueScheduler(q),
		Observer: api.NewCompositeObserver(
			api.NewLoggingObserver(a.logger),
			metrics.NewObserver(a.registry),
		),
		Logger: a.logger,
		Options: engine.Options{
			InitialPhase:       ec.InitialPhase,
			DedupWindow:        ec.DedupWindow,
			MaxWait:            ec.MaxWait,
			DeliveryTimeout:    ec.DeliveryTimeout,
			BatchInterval:      ec.BatchInterval,
			EnrollPresenceOnly: ec.EnrollPresenceOnly,
		},
	})

	if a.cfg.DefinitionsPath == "" {
		a.logger.Warn("no definitions file configured; engine starts without rules")
		return nil
	}
	defs, err := config.LoadDefinitions(a.cfg.DefinitionsPath)
	if err != nil {
		return err
	}
	if err := defs.Apply(ctx, a.engine); err != nil {
		return fmt.Errorf("apply definitions: %w", err)
	}
	a.logger.Info("definitions loaded",
		"path", a.cfg.DefinitionsPath,
		"rules", len(defs.Rules),
		"sequences", len(defs.Sequences),
		"api_keys", len(defs.APIKeys))
	return nil
}

func (a *app) close() {
	a.engine.Wait()
	if err := a.db.Close(); err != nil {
		a.logger.Error("close database", "error", err)
	}
}
