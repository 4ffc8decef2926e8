// Package app wires the planner from configuration. It is shared by the HTTP
// server and the operator CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Simplici0/lpbf-planner/internal/catalog"
	"github.com/Simplici0/lpbf-planner/internal/config"
	"github.com/Simplici0/lpbf-planner/internal/db"
	"github.com/Simplici0/lpbf-planner/internal/estimator"
	"github.com/Simplici0/lpbf-planner/internal/metrics"
	"github.com/Simplici0/lpbf-planner/internal/migrations"
	"github.com/Simplici0/lpbf-planner/internal/modelstore"
	"github.com/Simplici0/lpbf-planner/internal/nesting"
	"github.com/Simplici0/lpbf-planner/internal/planner"
	"github.com/Simplici0/lpbf-planner/internal/seed"
	"github.com/Simplici0/lpbf-planner/internal/store"
)

// App owns every long-lived resource of a planner process.
type App struct {
	DB       *sql.DB
	Catalog  *catalog.Catalog
	Models   *modelstore.BlobStore
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Planner  *planner.Service

	closers []io.Closer
}

// Open connects the database, the model store and the batch locker. In dev
// mode it also migrates the schema and seeds the catalog.
func Open(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	cat := catalog.Default()
	if cfg.CatalogFile != "" {
		var err error
		if cat, err = catalog.LoadFile(cfg.CatalogFile); err != nil {
			return nil, err
		}
	}
	a.Catalog = cat

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.DB = database
	a.closers = append(a.closers, database)

	if cfg.IsDev() {
		if err := a.Migrate(); err != nil {
			a.Close()
			return nil, err
		}
	}

	models, err := modelstore.Open(ctx, cfg.ModelStoreURL, cfg.ModelDir)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Models = models
	a.closers = append(a.closers, models)

	var locker nesting.Locker = nesting.NewLocalLocker()
	if cfg.RedisURL != "" {
		rl, err := nesting.NewRedisLocker(cfg.RedisURL, cfg.LockTTL)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := rl.Ping(ctx); err != nil {
			rl.Close()
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		rl.OnLost = func(batchID int64, err error) {
			slog.Warn("batch lock lost", "batch_id", batchID, "error", err)
		}
		a.closers = append(a.closers, rl)
		locker = rl
		slog.Info("batch locking via redis", "ttl", cfg.LockTTL)
	}

	a.Planner = planner.New(
		store.New(database),
		cat,
		estimator.New(models, a.Metrics),
		planner.Options{
			Locker:           locker,
			Metrics:          a.Metrics,
			DecisionLogLimit: cfg.DecisionLogLimit,
		},
	)
	return a, nil
}

// Migrate applies pending schema migrations and seeds the machine catalog.
func (a *App) Migrate() error {
	if err := migrations.Up(a.DB); err != nil {
		return fmt.Errorf("run database migrations: %w", err)
	}
	stats, err := seed.Run(a.DB, a.Catalog)
	if err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	slog.Info("catalog seeded", "inserts", stats.Inserts, "updates", stats.Updates)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
