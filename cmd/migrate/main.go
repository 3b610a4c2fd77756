package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"practice-dialer/internal/config"
	"practice-dialer/internal/migration"
	"practice-dialer/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logger.New(cfg.App.Env)

	log.Info("connecting for migrations", "host", cfg.DB.Host, "port", cfg.DB.Port, "db", cfg.DB.Name)
	m, err := migration.New(cfg.MigrateURL(), log)
	if err != nil {
		log.Error("migration init failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("migration close failed", "err", err)
		}
	}()

	if err := run(m, os.Args[1:], log); err != nil {
		log.Error("migration failed", "command", os.Args[1], "err", err)
		os.Exit(1)
	}
}

func run(m *migration.Migrator, args []string, log *slog.Logger) error {
	switch args[0] {
	case "up":
		return m.Up()
	case "down":
		return m.Down()
	case "goto":
		if len(args) < 2 {
			return fmt.Errorf("goto needs a version")
		}
		v, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		return m.Goto(uint(v))
	case "status":
		v, dirty, ok, err := m.Version()
		if err != nil {
			return err
		}
		if !ok {
			log.Info("no migrations applied yet")
			return nil
		}
		log.Info("schema version", "version", v, "dirty", dirty)
		return nil
	default:
		printUsage()
		os.Exit(1)
	}
	return nil
}

func printUsage() {
	fmt.Println("usage: migrate <command>")
	fmt.Println("  up     apply all pending migrations")
	fmt.Println("  down   roll back the last migration")
	fmt.Println("  goto N migrate to version N")
	fmt.Println("  status show the applied version")
}
