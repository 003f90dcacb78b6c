package testutils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/migadu/bouncer/config"
	"github.com/migadu/bouncer/db"
	"github.com/stretchr/testify/require"
)

// TestDatabase wraps a migrated, emptied database for integration tests.
type TestDatabase struct {
	*db.Database
	Config *config.Config
}

// SetupTestDatabase connects to the PostgreSQL described by config-test.toml,
// applies migrations and truncates every table. The test is skipped in short
// mode or when no config-test.toml exists.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skip("config-test.toml not found, skipping database integration test")
	}

	cfg := config.NewDefaultConfig()
	require.NoError(t, config.LoadConfigFromFile(configPath, &cfg, nil), "Failed to load test config. Please check config-test.toml syntax")

	ctx := context.Background()
	require.NoError(t, migrateUp(ctx, cfg.Database.Write), "Failed to migrate test database")

	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	require.NoError(t, err, "Failed to connect to test database. Please ensure PostgreSQL is running and %s database exists", cfg.Database.Write.Name)

	td := &TestDatabase{Database: database, Config: &cfg}
	td.TruncateAllTables(t)
	t.Cleanup(td.Close)
	return td
}

func migrateUp(ctx context.Context, endpoint *config.DatabaseEndpointConfig) error {
	m, conn, err := db.NewMigrator(ctx, endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.AcquireMigrationLock(ctx, conn); err != nil {
		return err
	}
	defer db.ReleaseMigrationLock(ctx, conn)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

// TruncateAllTables cleans all data from test database tables
func (td *TestDatabase) TruncateAllTables(t *testing.T) {
	t.Helper()
	tables := []string{
		"bounce_regex_bounces",
		"user_message_bounces",
		"bounce_regexes",
		"bounces",
		"campaigns",
		"email_blacklist",
		"subscriber_history",
		"subscribers",
	}

	for _, table := range tables {
		_, err := td.WritePool.Exec(context.Background(), fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", table))
		require.NoError(t, err)
	}
}

// CreateTestSubscriber inserts a subscriber and returns its id.
func (td *TestDatabase) CreateTestSubscriber(t *testing.T, email string, confirmed bool) int64 {
	t.Helper()
	var id int64
	err := td.WritePool.QueryRow(context.Background(),
		`INSERT INTO subscribers (email, confirmed) VALUES (lower($1), $2) RETURNING id`, email, confirmed).Scan(&id)
	require.NoError(t, err)
	return id
}

// CreateTestCampaign inserts a campaign and returns its id.
func (td *TestDatabase) CreateTestCampaign(t *testing.T, subject string) int64 {
	t.Helper()
	var id int64
	err := td.WritePool.QueryRow(context.Background(),
		`INSERT INTO campaigns (subject) VALUES ($1) RETURNING id`, subject).Scan(&id)
	require.NoError(t, err)
	return id
}

// CountRows runs a count query and returns its result.
func (td *TestDatabase) CountRows(t *testing.T, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, td.WritePool.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}
