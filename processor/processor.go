// Package processor drives the batch operations: mailbox ingestion, the
// rule sweep over attributed bounces, reprocessing of unidentified bounces
// and the consecutive-bounce threshold sweep.
//
// Every operation runs sequentially, one record at a time, and walks the
// store with an increasing id cursor instead of holding a result set open.
package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/bouncer/bounce"
	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/logger"
	"github.com/migadu/bouncer/mailbox"
	"github.com/migadu/bouncer/pkg/metrics"
	"github.com/migadu/bouncer/rules"
)

// Store is everything the processor reads and writes.
type Store interface {
	bounce.BounceStore
	bounce.SubscriberStore
	bounce.CampaignStore
	bounce.HistoryStore
	bounce.Transactor
	rules.Store
	rules.EmailBlacklister

	GetBounce(ctx context.Context, id int64) (*bounce.Bounce, error)
	ListActiveRules(ctx context.Context) ([]rules.Rule, error)
	ListUserMessageBounces(ctx context.Context, afterID int64, limit int) ([]bounce.UserMessageBounce, error)
	ListBouncesByStatus(ctx context.Context, status string, afterID int64, limit int) ([]bounce.Bounce, error)
	ListSubscribersByBounceCount(ctx context.Context, minCount int, afterID int64, limit int) ([]bounce.Subscriber, error)
}

// Archiver keeps a copy of a raw message before it is purged.
type Archiver interface {
	Archive(ctx context.Context, raw []byte, date time.Time) (string, error)
}

// Options configure a Processor.
type Options struct {
	Sentinel             string
	VERPPrefix           string
	Mailbox              mailbox.Options
	BatchSize            int
	ProgressInterval     int
	UnsubscribeThreshold int
	BlacklistThreshold   int
}

func (o *Options) batchSize() int {
	if o.BatchSize <= 0 {
		return consts.DefaultSweepBatchSize
	}
	return o.BatchSize
}

func (o *Options) progressInterval() int {
	if o.ProgressInterval <= 0 {
		return consts.DefaultProgressInterval
	}
	return o.ProgressInterval
}

type Processor struct {
	store      Store
	parser     *bounce.Parser
	classifier *bounce.Classifier
	dispatcher *rules.Dispatcher
	archive    Archiver
	opts       Options
}

// New creates a processor over store.
func New(store Store, opts Options) *Processor {
	parser := bounce.NewParser(opts.Sentinel, opts.VERPPrefix)

	return &Processor{
		store:  store,
		parser: parser,
		classifier: bounce.NewClassifier(parser, bounce.Stores{
			Bounces:     store,
			Subscribers: store,
			Campaigns:   store,
			History:     store,
			Tx:          store,
		}),
		dispatcher: rules.NewDispatcher(rules.Dependencies{
			Rules:       store,
			Subscribers: store,
			History:     store,
			Blacklist:   store,
			Tx:          store,
		}),
		opts: opts,
	}
}

// SetArchiver makes ingestion archive every message before purging it.
func (p *Processor) SetArchiver(a Archiver) {
	p.archive = a
}

// startRun tags ctx and the logger with a fresh run id. Reads go to the
// write pool so that a run sees its own writes.
func startRun(ctx context.Context, operation string) (context.Context, *slog.Logger, func()) {
	runID := uuid.NewString()
	ctx = context.WithValue(ctx, consts.RunIDKey, runID)
	ctx = context.WithValue(ctx, consts.UseMasterDBKey, true)

	log := logger.With("run_id", runID, "operation", operation)
	start := time.Now()
	log.Info("Processor: run started")

	return ctx, log, func() {
		metrics.RunDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// progress logs running totals every interval records.
type progress struct {
	log      *slog.Logger
	interval int
	start    time.Time
}

func newProgress(log *slog.Logger, interval int) *progress {
	return &progress{log: log, interval: interval, start: time.Now()}
}

func (p *progress) tick(n int, totals ...any) {
	if p.interval <= 0 || n == 0 || n%p.interval != 0 {
		return
	}
	p.log.Info("Processor: progress", append([]any{"done", n, "elapsed", time.Since(p.start).Round(time.Millisecond)}, totals...)...)
}
