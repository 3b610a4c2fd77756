// Package migration embeds the schema and applies it with golang-migrate.
package migration

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var files embed.FS

// Migrator wraps a migrate instance bound to the embedded schema.
type Migrator struct {
	m   *migrate.Migrate
	log *slog.Logger
}

// New opens databaseURL (pgx5://...) against the embedded migrations.
func New(databaseURL string, log *slog.Logger) (*Migrator, error) {
	src, err := iofs.New(files, "sql")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("migration init: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Migrator{m: m, log: log}, nil
}

func (g *Migrator) Close() error {
	srcErr, dbErr := g.m.Close()
	return errors.Join(srcErr, dbErr)
}

// Up applies all pending migrations. No pending migrations is not an error.
func (g *Migrator) Up() error {
	err := g.m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		g.log.Info("schema up to date")
		return nil
	}
	if err != nil {
		return err
	}
	g.log.Info("migrations applied")
	return nil
}

// Down rolls back the most recent migration.
func (g *Migrator) Down() error {
	if err := g.m.Steps(-1); err != nil {
		return err
	}
	g.log.Info("last migration rolled back")
	return nil
}

func (g *Migrator) Goto(version uint) error {
	err := g.m.Migrate(version)
	if errors.Is(err, migrate.ErrNoChange) {
		g.log.Info("schema already at version", "version", version)
		return nil
	}
	if err != nil {
		return err
	}
	g.log.Info("migrated", "version", version)
	return nil
}

// Version reports the applied version; ok is false when nothing ran yet.
func (g *Migrator) Version() (version uint, dirty, ok bool, err error) {
	version, dirty, err = g.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, err
	}
	return version, dirty, true, nil
}
