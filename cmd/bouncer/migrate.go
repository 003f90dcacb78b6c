package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/migadu/bouncer/db"
	"github.com/migadu/bouncer/logger"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

Migrations run under a database lock, so two migrations never overlap.

Usage:
  bouncer migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  bouncer migrate up
  bouncer migrate down --limit 2
  bouncer migrate down --all
  bouncer migrate version
  bouncer migrate force 1
`)
}

// openMigrator loads the configuration and returns a migrator bound to the
// write endpoint, with a context limited by the migration timeout.
func openMigrator(ctx context.Context, fs *flag.FlagSet, configPath string) (context.Context, context.CancelFunc, *migrate.Migrate, *sql.DB) {
	cfg := loadConfig(fs, configPath)
	closeLog := initLogging(cfg)

	timeout, err := cfg.Database.GetMigrationTimeout()
	if err != nil {
		logger.Fatalf("Invalid migration_timeout: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	m, sqlDB, err := db.NewMigrator(ctx, cfg.Database.Write)
	if err != nil {
		cancel()
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	return ctx, func() {
		cancel()
		closeLog()
	}, m, sqlDB
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: bouncer migrate up [--config config.toml]")
		fmt.Println("Applies all pending upwards migrations.")
	}
	fs.Parse(os.Args[3:])

	ctx, done, m, sqlDB := openMigrator(ctx, fs, *configPath)
	defer done()
	defer sqlDB.Close()

	defer lockMigrations(ctx, sqlDB)()

	logger.Info("Applying UP migrations...")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatalf("Failed to apply UP migrations: %v", err)
	}
	logger.Info("Migrations applied successfully.")
	showVersion(m)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Usage = func() {
		fmt.Println("Usage: bouncer migrate down [--config config.toml] [--limit N | --all]")
		fmt.Println("Reverts migrations. Defaults to reverting one migration.")
	}
	fs.Parse(os.Args[3:])

	ctx, done, m, sqlDB := openMigrator(ctx, fs, *configPath)
	defer done()
	defer sqlDB.Close()

	defer lockMigrations(ctx, sqlDB)()

	if *all {
		version, dirty, err := m.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				logger.Info("No migrations to revert.")
				showVersion(m)
				return
			}
			logger.Fatalf("Failed to get current migration version: %v", err)
		}
		if dirty {
			logger.Fatalf("Database is in a dirty state (version %d). Please fix manually with 'force' command.", version)
		}

		logger.Infof("Reverting all %d migration(s)...", version)
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatalf("Failed to revert all migrations: %v", err)
		}
	} else {
		logger.Infof("Reverting %d migration(s)...", *limit)
		if err := m.Steps(-(*limit)); err != nil {
			logger.Fatalf("Failed to revert migrations: %v", err)
		}
	}
	logger.Info("Migrations reverted successfully.")
	showVersion(m)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: bouncer migrate version [--config config.toml]")
		fmt.Println("Shows the current migration version and dirty state.")
	}
	fs.Parse(os.Args[3:])

	_, done, m, sqlDB := openMigrator(ctx, fs, *configPath)
	defer done()
	defer sqlDB.Close()

	showVersion(m)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: bouncer migrate force [--config config.toml] <version>")
		fmt.Println("Forcibly sets the database migration version. USE WITH CAUTION.")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		fmt.Printf("ERROR: invalid version number %q\n\n", fs.Arg(0))
		fs.Usage()
		os.Exit(1)
	}

	ctx, done, m, sqlDB := openMigrator(ctx, fs, *configPath)
	defer done()
	defer sqlDB.Close()

	defer lockMigrations(ctx, sqlDB)()

	logger.Infof("Forcing database version to %d...", version)
	if err := m.Force(version); err != nil {
		logger.Fatalf("Failed to force version: %v", err)
	}
	logger.Info("Version forced successfully.")
	showVersion(m)
}

// lockMigrations takes the advisory lock and returns its release.
func lockMigrations(ctx context.Context, sqlDB *sql.DB) func() {
	if err := db.AcquireMigrationLock(ctx, sqlDB); err != nil {
		logger.Fatalf("Failed to acquire exclusive lock: %v", err)
	}
	return func() { db.ReleaseMigrationLock(context.Background(), sqlDB) }
}

func showVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("Current version: none (no migrations applied)")
			return
		}
		logger.Fatalf("Failed to get migration version: %v", err)
	}
	fmt.Printf("Current version: %d", version)
	if dirty {
		fmt.Printf(" (dirty)")
	}
	fmt.Println()
}
