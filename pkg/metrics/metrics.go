package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Mailbox ingestion metrics
var (
	MessagesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_messages_read_total",
			Help: "Total number of raw messages read from bounce mailboxes",
		},
		[]string{"source"},
	)

	MessageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_message_errors_total",
			Help: "Total number of mailbox messages skipped because they could not be parsed",
		},
		[]string{"source"},
	)

	MessagesPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_messages_purged_total",
			Help: "Total number of mailbox messages deleted after processing",
		},
		[]string{"source", "reason"},
	)

	BouncesClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_bounces_classified_total",
			Help: "Total number of bounces by structural classification outcome",
		},
		[]string{"outcome"},
	)
)

// Rule engine and sweep metrics
var (
	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_rule_matches_total",
			Help: "Total number of bounce rule matches by action",
		},
		[]string{"action"},
	)

	RuleSweepResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_rule_sweep_total",
			Help: "Total number of bounces examined by the rule sweep",
		},
		[]string{"result"},
	)

	Reprocessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_reprocessed_total",
			Help: "Total number of unidentified bounces reprocessed by result",
		},
		[]string{"result"},
	)

	ThresholdActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_threshold_actions_total",
			Help: "Total number of subscriber changes made by the consecutive bounce sweep",
		},
		[]string{"action"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bouncer_run_duration_seconds",
			Help:    "Duration of batch runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"operation"},
	)
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bouncer_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)

	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_db_transactions_total",
			Help: "Total number of database transactions",
		},
		[]string{"status"},
	)

	DBTransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bouncer_db_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)
)

// Archive metrics
var (
	ArchiveOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_archive_operations_total",
			Help: "Total number of raw bounce archive uploads",
		},
		[]string{"status"},
	)

	ArchiveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bouncer_archive_duration_seconds",
			Help:    "Duration of raw bounce archive uploads in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)
