// Package app opens a reflowline workspace and assembles its engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"reflowline/internal/archive"
	"reflowline/internal/cache"
	"reflowline/internal/config"
	"reflowline/internal/db"
	"reflowline/internal/engine"
	"reflowline/internal/migrate"
	"reflowline/internal/telemetry"
)

// Options control how a workspace is opened.
type Options struct {
	Workspace string
	Logger    *slog.Logger
	// Live, when set, is seeded with the loaded config and handed to the engine.
	Live *config.Live
}

// Workspace is an opened workspace. Close releases the database and any
// external backends.
type Workspace struct {
	Dir        string
	ConfigPath string
	DB         *sql.DB
	Config     *config.Config
	Engine     engine.Engine

	closers []func() error
}

// LoadEnv reads <workspace>/.env into the process environment. Existing
// variables win. A missing file is not an error.
func LoadEnv(workspace string) error {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, ".env")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// Open loads reflowline.yml, migrates the workspace database and builds the
// engine. Previews are kept in Redis when cache.redis_url is set and in the
// workspace database otherwise; applied runs are archived to Postgres when
// archive.postgres_url is set.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	w := &Workspace{
		Dir:        opts.Workspace,
		ConfigPath: config.Path(opts.Workspace),
		DB:         conn,
		Config:     cfg,
		closers:    []func() error{conn.Close},
	}
	if err := migrate.Migrate(ctx, conn, logger); err != nil {
		w.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(conn, cfg)
	e.Logger = logger
	e.Cache = cache.NewSQLite(conn)
	if opts.Live != nil {
		opts.Live.Store(cfg)
		e.Live = opts.Live
	}
	if m, err := telemetry.NewMetrics(); err == nil {
		e.Metrics = m
	} else {
		logger.Warn("metrics disabled", "err", err)
	}
	if cfg.Cache.RedisURL != "" {
		rc, err := cache.NewRedis(ctx, cfg.Cache.RedisURL, cfg.Project.ID)
		if err != nil {
			w.Close()
			return nil, err
		}
		e.Cache = rc
		w.closers = append(w.closers, rc.Close)
	}
	if cfg.Archive.PostgresURL != "" {
		store, err := archive.Connect(ctx, cfg.Archive.PostgresURL, cfg.Project.ID)
		if err != nil {
			w.Close()
			return nil, err
		}
		e.Archive = store
		w.closers = append(w.closers, func() error {
			store.Close()
			return nil
		})
	}
	w.Engine = e
	return w, nil
}

// Close releases resources in reverse order of acquisition.
func (w *Workspace) Close() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}

// Init writes a default reflowline.yml (unless one exists), creates the
// database and registers actorID.
func Init(ctx context.Context, workspace, projectID, actorID string, logger *slog.Logger) (*Workspace, bool, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, false, err
	}
	path := config.Path(workspace)
	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(defaultConfigFor(projectID, actorID)), 0o644); err != nil {
			return nil, false, err
		}
		created = true
	} else if err != nil {
		return nil, false, err
	}
	w, err := Open(ctx, Options{Workspace: workspace, Logger: logger})
	if err != nil {
		return nil, false, err
	}
	if err := w.Engine.Init(ctx, actorID); err != nil {
		w.Close()
		return nil, false, err
	}
	return w, created, nil
}

// defaultConfigFor makes the initializing actor the workspace owner.
func defaultConfigFor(projectID, actorID string) string {
	out := config.GenerateDefault(projectID)
	if strings.TrimSpace(actorID) == "" {
		return out
	}
	return strings.Replace(out, "  actors: {}", fmt.Sprintf("  actors:\n    %q: [owner]", actorID), 1)
}
