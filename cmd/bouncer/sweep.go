package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/migadu/bouncer/logger"
	"github.com/migadu/bouncer/mailbox"
)

func handleSweepRules(ctx context.Context) {
	fs := flag.NewFlagSet("sweep-rules", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	batchSize := fs.Int("batch-size", 0, "Attribution rows read per page (default from config)")

	fs.Usage = func() {
		fmt.Printf(`Match attributed bounces against the active bounce rules

Usage:
  bouncer sweep-rules [options]

Options:
  --config string         Path to TOML configuration file (default: config.toml)
  --batch-size int        Attribution rows read per page (default: 1000)

Examples:
  bouncer sweep-rules
  bouncer sweep-rules --batch-size 500
`)
	}
	fs.Parse(os.Args[2:])

	cfg := loadConfig(fs, *configPath)
	if isFlagSet(fs, "batch-size") {
		if *batchSize <= 0 {
			fmt.Printf("ERROR: --batch-size must be positive\n\n")
			fs.Usage()
			os.Exit(1)
		}
		cfg.Bounce.SweepBatchSize = *batchSize
	}

	closeLog := initLogging(cfg)
	defer closeLog()

	database := openDatabase(ctx, cfg)
	defer database.Close()

	stats, err := newProcessor(cfg, database, mailbox.Options{}).SweepRules(ctx)
	pushMetrics(cfg, "sweep_rules")
	if err != nil {
		logger.Fatalf("Rule sweep failed: %v", err)
	}

	fmt.Printf("Attributions examined: %d\n", stats.Examined)
	fmt.Printf("Matched:               %d\n", stats.Matched)
	fmt.Printf("Unmatched:             %d\n", stats.Unmatched)
	fmt.Printf("Skipped:               %d\n", stats.Skipped)
	fmt.Printf("Bounces deleted:       %d\n", stats.Deleted)
}

func handleReprocess(ctx context.Context) {
	fs := flag.NewFlagSet("reprocess", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")

	fs.Usage = func() {
		fmt.Printf(`Classify unidentified bounces again

Usage:
  bouncer reprocess [options]

Options:
  --config string         Path to TOML configuration file (default: config.toml)
`)
	}
	fs.Parse(os.Args[2:])

	cfg := loadConfig(fs, *configPath)
	closeLog := initLogging(cfg)
	defer closeLog()

	database := openDatabase(ctx, cfg)
	defer database.Close()

	stats, err := newProcessor(cfg, database, mailbox.Options{}).ReprocessUnidentified(ctx)
	pushMetrics(cfg, "reprocess")
	if err != nil {
		logger.Fatalf("Reprocessing failed: %v", err)
	}

	fmt.Printf("Unidentified bounces: %d\n", stats.Total)
	fmt.Printf("Identifiers found:    %d\n", stats.Reparsed)
	fmt.Printf("Reidentified:         %d\n", stats.Reidentified)
}

func handleConsecutive(ctx context.Context) {
	fs := flag.NewFlagSet("consecutive", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	unsubscribe := fs.Int("unsubscribe-threshold", 0, "Bounce count at which subscribers are unconfirmed (0: off)")
	blacklist := fs.Int("blacklist-threshold", 0, "Bounce count at which subscribers are blacklisted (0: off)")

	fs.Usage = func() {
		fmt.Printf(`Unconfirm or blacklist subscribers over the bounce thresholds

Usage:
  bouncer consecutive [options]

Options:
  --config string                 Path to TOML configuration file (default: config.toml)
  --unsubscribe-threshold int     Bounce count at which subscribers are unconfirmed (0: off)
  --blacklist-threshold int       Bounce count at which subscribers are blacklisted (0: off)

Examples:
  bouncer consecutive --unsubscribe-threshold 3 --blacklist-threshold 5
`)
	}
	fs.Parse(os.Args[2:])

	cfg := loadConfig(fs, *configPath)
	if isFlagSet(fs, "unsubscribe-threshold") {
		cfg.Bounce.UnsubscribeThreshold = *unsubscribe
	}
	if isFlagSet(fs, "blacklist-threshold") {
		cfg.Bounce.BlacklistThreshold = *blacklist
	}
	if cfg.Bounce.UnsubscribeThreshold <= 0 && cfg.Bounce.BlacklistThreshold <= 0 {
		fmt.Printf("ERROR: --unsubscribe-threshold or --blacklist-threshold is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	closeLog := initLogging(cfg)
	defer closeLog()

	database := openDatabase(ctx, cfg)
	defer database.Close()

	stats, err := newProcessor(cfg, database, mailbox.Options{}).SweepConsecutive(ctx)
	pushMetrics(cfg, "consecutive")
	if err != nil {
		logger.Fatalf("Threshold sweep failed: %v", err)
	}

	fmt.Printf("Subscribers examined: %d\n", stats.Examined)
	fmt.Printf("Unconfirmed:          %d\n", stats.Unconfirmed)
	fmt.Printf("Blacklisted:          %d\n", stats.Blacklisted)
}
