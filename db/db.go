package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/bouncer/config"
	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/logger"
	"github.com/migadu/bouncer/pkg/metrics"
)

type Database struct {
	WritePool    *pgxpool.Pool // Write operations pool
	ReadPool     *pgxpool.Pool // Read operations pool
	QueryTimeout time.Duration
}

// querier is satisfied by both pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// NewDatabaseFromConfig creates a new database connection with read/write split configuration
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	queryTimeout, err := dbConfig.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, dbConfig.Debug, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	var readPool *pgxpool.Pool
	if dbConfig.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, dbConfig.Debug, "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Debug("DB: no read configuration specified, using write pool for read operations")
		readPool = writePool
	}

	return &Database{
		WritePool:    writePool,
		ReadPool:     readPool,
		QueryTimeout: queryTimeout,
	}, nil
}

// ConnString builds a postgres URL for one host of endpoint.
func ConnString(endpoint *config.DatabaseEndpointConfig, host string) (string, error) {
	if !strings.Contains(host, ":") {
		port, err := endpoint.GetPort()
		if err != nil {
			return "", err
		}
		host = host + ":" + port
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(endpoint.User, endpoint.Password),
		Host:     host,
		Path:     "/" + endpoint.Name,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String(), nil
}

// createPoolFromEndpoint creates a connection pool from an endpoint configuration
func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool, poolType string) (*pgxpool.Pool, error) {
	if len(endpoint.Hosts) == 0 {
		return nil, fmt.Errorf("at least one host must be specified")
	}

	selectedHost := endpoint.Hosts[rand.Intn(len(endpoint.Hosts))]
	connString, err := ConnString(endpoint, selectedHost)
	if err != nil {
		return nil, err
	}

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if logQueries {
		config.ConnConfig.Tracer = &CustomTracer{}
	}

	if endpoint.MaxConns > 0 {
		config.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		config.MinConns = int32(endpoint.MinConns)
	}

	lifetime, err := endpoint.GetMaxConnLifetime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	config.MaxConnLifetime = lifetime

	idleTime, err := endpoint.GetMaxConnIdleTime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	config.MaxConnIdleTime = idleTime

	dbPool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("DB: pool created", "pool", poolType, "host", selectedHost, "database", endpoint.Name,
		"max_conns", dbPool.Config().MaxConns, "min_conns", dbPool.Config().MinConns)

	return dbPool, nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// GetReadPoolWithContext returns the appropriate pool for read operations, considering session pinning
func (db *Database) GetReadPoolWithContext(ctx context.Context) *pgxpool.Pool {
	if useMaster, ok := ctx.Value(consts.UseMasterDBKey).(bool); ok && useMaster {
		return db.WritePool
	}
	return db.ReadPool
}

// reader returns the transaction carried by ctx or the read pool.
func (db *Database) reader(ctx context.Context) (querier, string) {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx, "write"
	}
	pool := db.GetReadPoolWithContext(ctx)
	if pool == db.WritePool {
		return pool, "write"
	}
	return pool, "read"
}

// writer returns the transaction carried by ctx or the write pool.
func (db *Database) writer(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return db.WritePool
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	start time.Time
}

// BeginTx starts a new transaction and wraps it for metric collection.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.WritePool.Begin(ctx)
	if err != nil {
		return nil, err
	}

	return &measuredTx{
		Tx:    tx,
		start: time.Now(),
	}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	if err == nil {
		metrics.DBTransactionsTotal.WithLabelValues("commit").Inc()
	}
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}

func (mtx *measuredTx) Rollback(ctx context.Context) error {
	err := mtx.Tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	metrics.DBTransactionsTotal.WithLabelValues("rollback").Inc()
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}

// InTx runs fn inside a transaction. Store calls made with the context fn
// receives join the transaction. A nested InTx joins the outer one.
func (db *Database) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(context.Background())

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return nil
}

func (db *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.QueryTimeout)
}

func observe(operation, role string, start time.Time, err error) {
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status, role).Inc()
}

// timedRow is a pgx.Row whose Scan records the query metrics.
type timedRow struct {
	row       pgx.Row
	operation string
	role      string
	start     time.Time
	cancel    context.CancelFunc
}

func (r *timedRow) Scan(dest ...any) error {
	defer r.cancel()
	err := r.row.Scan(dest...)
	observe(r.operation, r.role, r.start, err)
	return err
}

// TimedQueryRow runs a single-row read.
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...any) pgx.Row {
	q, role := db.reader(ctx)
	ctx, cancel := db.withTimeout(ctx)
	return &timedRow{
		row:       q.QueryRow(ctx, sql, args...),
		operation: operation,
		role:      role,
		start:     time.Now(),
		cancel:    cancel,
	}
}

// TimedWriteRow runs a single-row write such as INSERT ... RETURNING.
func (db *Database) TimedWriteRow(ctx context.Context, operation string, sql string, args ...any) pgx.Row {
	ctx, cancel := db.withTimeout(ctx)
	return &timedRow{
		row:       db.writer(ctx).QueryRow(ctx, sql, args...),
		operation: operation,
		role:      "write",
		start:     time.Now(),
		cancel:    cancel,
	}
}

// TimedQuery runs a multi-row read. The caller closes rows.
func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	q, role := db.reader(ctx)
	rows, err := q.Query(ctx, sql, args...)
	observe(operation, role, start, err)
	return rows, err
}

// TimedExec runs a write and returns the number of affected rows.
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...any) (int64, error) {
	start := time.Now()
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.writer(ctx).Exec(ctx, sql, args...)
	observe(operation, "write", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
