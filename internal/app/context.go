package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"taskdeck/internal/config"
	"taskdeck/internal/db"
	"taskdeck/internal/engine"
	"taskdeck/internal/engine/auth"
	"taskdeck/internal/events"
	"taskdeck/internal/kv"
	"taskdeck/internal/migrate"
	"taskdeck/internal/repo"
)

// Runtime wires the storage backend, task store and login gate for one workspace.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	KV        kv.Store
	Repo      repo.Repo
	Events    events.Writer
	EventLog  repo.EventLog
	Engine    engine.Engine
	Gate      *auth.Gate
	Logger    *log.Logger

	closers []func() error
}

// ResolveConfig loads taskdeck.yml from workspace, falling back to defaults when it does not exist.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// Open prepares the workspace database, picks the configured key/value backend,
// seeds the task collection on first use and restores the session user.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *log.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	rt := &Runtime{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Logger:    logger,
		closers:   []func() error{conn.Close},
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	store, err := openStore(ctx, cfg, conn)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if c, ok := store.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, c.Close)
	}
	rt.KV = store
	rt.Repo = repo.Repo{KV: store}
	rt.Events = events.Writer{DB: conn}
	rt.EventLog = repo.EventLog{DB: conn}

	rt.Engine = engine.New(rt.Repo, rt.Events, cfg)
	rt.Engine.Logger = logger
	if cfg.Seed.Enabled {
		n, err := rt.Engine.Seed(ctx)
		if err != nil {
			rt.Close()
			return nil, err
		}
		if n > 0 {
			logger.Printf("[app] seeded %d example tasks", n)
		}
	}

	opts := auth.OptionsFromConfig(cfg)
	opts.Events = rt.Events
	opts.Logger = logger
	gate, err := auth.New(ctx, rt.Repo, opts)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Gate = gate
	return rt, nil
}

func openStore(ctx context.Context, cfg *config.Config, conn *sql.DB) (kv.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return kv.NewMemory(), nil
	case "redis":
		r := cfg.Storage.Redis
		store, err := kv.NewRedis(ctx, r.Addr, r.DB, r.Prefix)
		if err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", r.Addr, err)
		}
		return store, nil
	default:
		return kv.SQLite{DB: conn}, nil
	}
}

// Close releases the backend connections in reverse order of opening.
func (rt *Runtime) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}
