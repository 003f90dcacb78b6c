package db

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/bouncer/logger"
)

type traceKey struct{}

type traceData struct {
	sql   string
	start time.Time
}

// CustomTracer logs every query at debug level when [database] debug is set.
type CustomTracer struct{}

func (t *CustomTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, &traceData{sql: data.SQL, start: time.Now()})
}

func (t *CustomTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	td, ok := ctx.Value(traceKey{}).(*traceData)
	if !ok {
		return
	}

	query := strings.Join(strings.Fields(td.sql), " ")
	if data.Err != nil {
		logger.Debug("DB: query failed", "sql", query, "duration", time.Since(td.start), "error", data.Err)
		return
	}
	logger.Debug("DB: query", "sql", query, "duration", time.Since(td.start), "rows", data.CommandTag.RowsAffected())
}
