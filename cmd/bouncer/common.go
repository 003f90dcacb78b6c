package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/migadu/bouncer/config"
	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/db"
	"github.com/migadu/bouncer/logger"
	"github.com/migadu/bouncer/mailbox"
	"github.com/migadu/bouncer/pkg/metrics"
	"github.com/migadu/bouncer/pkg/retry"
	"github.com/migadu/bouncer/processor"
	"github.com/migadu/bouncer/storage"
)

func isFlagSet(fs *flag.FlagSet, name string) bool {
	isSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}

// loadConfig reads configPath on top of the defaults. A missing default
// file only warns; a missing file named with --config is fatal.
func loadConfig(fs *flag.FlagSet, configPath string) config.Config {
	cfg := config.NewDefaultConfig()

	warn := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, "WARNING: "+format+"\n", args...)
	}
	if err := config.LoadConfigFromFile(configPath, &cfg, warn); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if isFlagSet(fs, "config") {
				fmt.Fprintf(os.Stderr, "ERROR: specified configuration file '%s' not found: %v\n", configPath, err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "WARNING: default configuration file '%s' not found. Using defaults and command-line flags.\n", configPath)
		} else {
			fmt.Fprintf(os.Stderr, "ERROR: failed to parse configuration file '%s': %v\n", configPath, err)
			os.Exit(1)
		}
	}
	return cfg
}

// initLogging sets up the global logger and returns its cleanup.
func initLogging(cfg config.Config) func() {
	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	return func() {
		if logFile != nil {
			logFile.Close()
		}
	}
}

func connectBackoff(cfg config.DatabaseConfig) retry.BackoffConfig {
	backoff := retry.DefaultBackoffConfig()
	backoff.MaxRetries = cfg.GetConnectRetries()
	return backoff
}

// openDatabase connects both pools. A failed connection aborts the run
// unless database.connect_retries allows more attempts.
func openDatabase(ctx context.Context, cfg config.Config) *db.Database {
	var database *db.Database
	err := retry.WithRetry(ctx, func() error {
		var err error
		database, err = db.NewDatabaseFromConfig(ctx, &cfg.Database)
		if err != nil {
			logger.Warn("Database: connection attempt failed", "error", err)
		}
		return err
	}, connectBackoff(cfg.Database))
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	return database
}

// newProcessor builds the processor with the archive attached when enabled.
func newProcessor(cfg config.Config, database *db.Database, mbOpts mailbox.Options) *processor.Processor {
	p := processor.New(database, processor.Options{
		Sentinel:             cfg.Bounce.GetSentinel(),
		VERPPrefix:           cfg.Bounce.GetVERPPrefix(),
		Mailbox:              mbOpts,
		BatchSize:            cfg.Bounce.GetSweepBatchSize(),
		ProgressInterval:     cfg.Bounce.GetProgressInterval(),
		UnsubscribeThreshold: cfg.Bounce.UnsubscribeThreshold,
		BlacklistThreshold:   cfg.Bounce.BlacklistThreshold,
	})

	if cfg.Archive.Enabled {
		archive, err := storage.New(cfg.Archive)
		if err != nil {
			logger.Fatalf("Failed to initialize archive: %v", err)
		}
		p.SetArchiver(archive)
		logger.Info("Archive: enabled", "endpoint", cfg.Archive.Endpoint, "bucket", cfg.Archive.Bucket)
	}
	return p
}

// pushMetrics reports the run to the pushgateway when one is configured.
func pushMetrics(cfg config.Config, operation string) {
	if err := metrics.Push(cfg.Metrics.Pushgateway, cfg.Metrics.GetJob(), operation); err != nil {
		logger.Warn("Metrics: push failed", "error", err)
	}
}

// parameterFlags maps configuration parameters to the flag that sets them.
var parameterFlags = map[string]string{
	"host":         "host",
	"user":         "user",
	"password":     "password",
	"mailbox path": "mailbox",
}

// exitMissingParameter reports a configuration error before any I/O and exits.
func exitMissingParameter(fs *flag.FlagSet, err error) {
	param := strings.TrimPrefix(err.Error(), consts.ErrMissingParameter.Error()+": ")
	if name, ok := parameterFlags[param]; ok {
		fmt.Printf("ERROR: --%s is required\n\n", name)
	} else {
		fmt.Printf("ERROR: %v\n\n", err)
	}
	fs.Usage()
	os.Exit(1)
}

func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
