package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/subcommands"

	"github.com/jask/clarify/internal/config"
	"github.com/jask/clarify/internal/database"
	"github.com/jask/clarify/internal/logger"
	"github.com/jask/clarify/internal/scraper"
	"github.com/jask/clarify/internal/secrets"
	"github.com/jask/clarify/internal/service"
)

// env is everything a command needs, opened once per invocation.
type env struct {
	cfg         config.Config
	log         *slog.Logger
	db          *sql.DB
	vault       *secrets.Vault
	sync        *service.SyncService
	reconcile   *service.ReconcileService
	maintenance *service.MaintenanceService
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log := logger.Init(cfg.Log.Level)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	if err := database.RunMigrations(cfg.Database.Path); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.SeedDefaults(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	adapter := &scraper.CommandAdapter{
		Command: cfg.Scraper.Command,
		Args:    cfg.Scraper.Args,
		Timeout: cfg.Scraper.Timeout,
		Logger:  log,
	}
	vault := secrets.Open(cfg.Secrets.Path, "")
	syncSvc := service.NewSyncService(db, cfg, adapter, log)
	syncSvc.Vault = vault

	return &env{
		cfg:   cfg,
		log:   log,
		db:    db,
		vault: vault,
		sync:  syncSvc,
		reconcile: &service.ReconcileService{
			DB:     db,
			Config: cfg.Reconciliation,
			Cache:  syncSvc.Writer.Cache,
			Logger: log,
		},
		maintenance: &service.MaintenanceService{DB: db, Cache: syncSvc.Writer.Cache},
	}, nil
}

func (e *env) Close() { _ = e.db.Close() }

// run opens the environment, calls fn and maps its error to an exit status.
func run(ctx context.Context, fn func(e *env) error) subcommands.ExitStatus {
	e, err := openEnv(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		return subcommands.ExitFailure
	}
	defer e.Close()

	if err := fn(e); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		if errors.Is(err, service.ErrInvalidInput) {
			return subcommands.ExitUsageError
		}
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
