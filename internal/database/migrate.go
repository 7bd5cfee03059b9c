package database

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/aiox-platform/usagegate/internal/config"
)

// RunMigrations applies the usage_records, usage_archive and usage_alerts
// migrations from cfg.MigrationsPath.
func RunMigrations(cfg config.DBConfig) error {
	return Migrate(cfg.DSN(), cfg.MigrationsPath)
}

// Migrate applies all pending up-migrations in dir against dsn. A database
// left dirty by an interrupted run is reported instead of migrated.
func Migrate(dsn, dir string) error {
	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if ver, dirty, err := m.Version(); err == nil && dirty {
		return fmt.Errorf("database is dirty at migration %d, fix it manually", ver)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}

	ver, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("reading migration version: %w", err)
	}
	slog.Info("database migrations applied", "version", ver)
	return nil
}
