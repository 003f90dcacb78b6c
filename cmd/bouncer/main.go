package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/bouncer/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, stopping after the current message...", sig)
		cancel()
	}()

	command := os.Args[1]

	switch command {
	case "process-mbox":
		handleProcessMbox(ctx)
	case "process-pop3":
		handleProcessPOP3(ctx)
	case "process-imap":
		handleProcessIMAP(ctx)
	case "sweep-rules":
		handleSweepRules(ctx)
	case "reprocess":
		handleReprocess(ctx)
	case "consecutive":
		handleConsecutive(ctx)
	case "rules":
		handleRulesCommand(ctx)
	case "migrate":
		handleMigrateCommand(ctx)
	case "version", "--version", "-v":
		fmt.Printf("bouncer %s (commit: %s, built: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Bouncer - bounce ingestion and classification

Usage:
  bouncer <command> [options]

Commands:
  process-mbox       Read bounces from local mailbox files
  process-pop3       Read bounces from a POP3 mailbox
  process-imap       Read bounces from IMAP folders
  sweep-rules        Match attributed bounces against the active bounce rules
  reprocess          Classify unidentified bounces again
  consecutive        Unconfirm or blacklist subscribers over the bounce thresholds
  rules              Manage bounce rules (list, add, activate, deactivate, delete)
  migrate            Manage the database schema
  version            Show version information
  help               Show this help message

Examples:
  bouncer process-mbox --mailbox /var/mail/bounces --purge
  bouncer process-pop3 --host pop.example.com --user bounces --password secret --test
  bouncer process-imap --host imap.example.com --user bounces --password secret --mailbox INBOX,Junk
  bouncer sweep-rules --config /etc/bouncer/config.toml
  bouncer rules add --regex "user unknown" --action deleteuser
  bouncer migrate up

Use 'bouncer <command> --help' for more information about a command.
`)
}
