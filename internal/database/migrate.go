package database

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// source driver

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/logger"
)

// DefaultMigrationsDir is resolved relative to the working directory.
const DefaultMigrationsDir = "migrations"

// Migrator applies the schema in the migrations directory.
type Migrator struct {
	m    *migrate.Migrate
	path string
	log  logger.Logger
}

// NewMigrator wraps db in a golang-migrate instance. db is not closed by Close.
func NewMigrator(db *sql.DB, dir string, log logger.Logger) (*Migrator, error) {
	if dir == "" {
		dir = DefaultMigrationsDir
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &Migrator{m: m, path: dir, log: log}, nil
}

// Up applies all pending migrations.
func (g *Migrator) Up() error {
	if err := g.m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			g.log.Info("No pending migrations", logger.String("migrations_path", g.path))
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}
	g.log.Info("Migrations applied", logger.String("migrations_path", g.path))
	return nil
}

// Down rolls back steps migrations.
func (g *Migrator) Down(steps int) error {
	if steps < 1 {
		steps = 1
	}
	if err := g.m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("roll back migrations: %w", err)
	}
	g.log.Info("Migrations rolled back", logger.Int("steps", steps))
	return nil
}

// Version reports the current schema version.
func (g *Migrator) Version() (version uint, dirty bool, err error) {
	version, dirty, err = g.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
