package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/bouncer/config"
	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// NewMigrator opens a database/sql connection to the write endpoint and
// returns a migrate instance over the embedded migrations. The caller
// closes the returned *sql.DB.
func NewMigrator(ctx context.Context, endpoint *config.DatabaseEndpointConfig) (*migrate.Migrate, *sql.DB, error) {
	if endpoint == nil || len(endpoint.Hosts) == 0 {
		return nil, nil, errors.New("write database configuration is missing or has no hosts")
	}

	connString, err := ConnString(endpoint, endpoint.Hosts[0])
	if err != nil {
		return nil, nil, err
	}

	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}

	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrationLogger{}
	return m, sqlDB, nil
}

// AcquireMigrationLock takes the advisory lock that keeps concurrent
// migrations apart.
func AcquireMigrationLock(ctx context.Context, db *sql.DB) error {
	var lockAcquired bool
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := db.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.BouncerAdvisoryLockID).Scan(&lockAcquired)
	if err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !lockAcquired {
		return fmt.Errorf("could not acquire exclusive database lock. Is another migration running?")
	}

	logger.Info("DB: acquired exclusive lock for migration")
	return nil
}

func ReleaseMigrationLock(ctx context.Context, db *sql.DB) {
	var unlocked bool
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := db.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.BouncerAdvisoryLockID).Scan(&unlocked)
	switch {
	case err != nil:
		logger.Warn("DB: failed to release advisory lock after migration", "error", err)
	case unlocked:
		logger.Info("DB: released exclusive lock")
	default:
		logger.Warn("DB: pg_advisory_unlock reported lock was not held at time of release")
	}
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Infof("[MIGRATE] "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}
