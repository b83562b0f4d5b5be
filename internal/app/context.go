package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"complyline/internal/config"
	"complyline/internal/db"
	"complyline/internal/engine"
	"complyline/internal/events"
	"complyline/internal/migrate"
	"complyline/internal/orchestrator"
	"complyline/internal/repo"
	"complyline/internal/telemetry"
)

// ResolveConfig returns the active config. The database copy wins; otherwise
// complyline.yml in the workspace is imported, and failing that the default
// config for operatorID is seeded.
func ResolveConfig(ctx context.Context, workspace, operatorID string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	cfg, err = config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		if operatorID == "" {
			operatorID = "local-operator"
		}
		cfg = config.Default(operatorID)
	}
	if err := r.PutConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return cfg, nil
}

// Runtime bundles the wired components of one process.
type Runtime struct {
	DB           *sql.DB
	Config       *config.Config
	Logger       zerolog.Logger
	Metrics      *telemetry.Metrics
	Bus          *events.Bus
	Engine       engine.Engine
	Orchestrator *orchestrator.Orchestrator
}

type Options struct {
	Workspace  string
	OperatorID string
	Parser     orchestrator.Parser
	Impact     orchestrator.ImpactAnalyzer
}

// Bootstrap opens the workspace database, applies migrations and wires the
// orchestrator over a fresh event bus.
func Bootstrap(ctx context.Context, opts Options) (*Runtime, error) {
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := ResolveConfig(ctx, opts.Workspace, opts.OperatorID, repo.Repo{DB: conn})
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("logger: %w", err)
	}
	metrics := telemetry.NewMetrics()
	bus := events.NewBus()
	eng := engine.New(conn, cfg, bus)
	orch := orchestrator.New(eng, orchestrator.Options{
		Parser:  opts.Parser,
		Impact:  opts.Impact,
		Logger:  &logger,
		Metrics: metrics,
	})
	return &Runtime{
		DB:           conn,
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Bus:          bus,
		Engine:       eng,
		Orchestrator: orch,
	}, nil
}

// Close waits for background work and closes the database.
func (r *Runtime) Close() error {
	r.Orchestrator.Close()
	return r.DB.Close()
}
