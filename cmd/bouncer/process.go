package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/migadu/bouncer/config"
	"github.com/migadu/bouncer/logger"
	"github.com/migadu/bouncer/mailbox"
	"github.com/migadu/bouncer/processor"
)

// ingestFlags are shared by the process-* commands.
type ingestFlags struct {
	configPath       *string
	test             *bool
	maximum          *int
	purge            *bool
	purgeUnprocessed *bool
}

func addIngestFlags(fs *flag.FlagSet) *ingestFlags {
	return &ingestFlags{
		configPath:       fs.String("config", "config.toml", "Path to TOML configuration file"),
		test:             fs.Bool("test", false, "Read and classify only, never purge messages"),
		maximum:          fs.Int("maximum", 0, "Stop after this many messages (0: no cap)"),
		purge:            fs.Bool("purge", false, "Delete attributed messages from the mailbox"),
		purgeUnprocessed: fs.Bool("purge-unprocessed", false, "Delete unidentified messages from the mailbox"),
	}
}

// options merges the command line over the configuration file.
func (f *ingestFlags) options(fs *flag.FlagSet, cfg config.BounceConfig) mailbox.Options {
	opts := mailbox.Options{
		Test:             *f.test,
		Maximum:          cfg.Maximum,
		Purge:            cfg.Purge,
		PurgeUnprocessed: cfg.PurgeUnprocessed,
	}
	if isFlagSet(fs, "maximum") {
		opts.Maximum = *f.maximum
	}
	if isFlagSet(fs, "purge") {
		opts.Purge = *f.purge
	}
	if isFlagSet(fs, "purge-unprocessed") {
		opts.PurgeUnprocessed = *f.purgeUnprocessed
	}
	return opts
}

const ingestOptionsHelp = `  --config string         Path to TOML configuration file (default: config.toml)
  --test                  Read and classify only, never purge messages
  --maximum int           Stop after this many messages (0: no cap)
  --purge                 Delete attributed messages from the mailbox
  --purge-unprocessed     Delete unidentified messages from the mailbox`

func handleProcessMbox(ctx context.Context) {
	fs := flag.NewFlagSet("process-mbox", flag.ExitOnError)
	paths := fs.String("mailbox", "", "Comma-separated mbox file paths (required unless set in config)")
	common := addIngestFlags(fs)

	fs.Usage = func() {
		fmt.Printf(`Read bounces from local mbox files

Usage:
  bouncer process-mbox --mailbox PATH[,PATH...] [options]

Options:
  --mailbox string        Comma-separated mbox file paths
%s

Examples:
  bouncer process-mbox --mailbox /var/mail/bounces
  bouncer process-mbox --mailbox /var/mail/bounces,/var/mail/returns --purge
`, ingestOptionsHelp)
	}
	fs.Parse(os.Args[2:])

	cfg := loadConfig(fs, *common.configPath)
	mboxCfg := cfg.Mailbox.Mbox
	if isFlagSet(fs, "mailbox") {
		mboxCfg.Paths = splitList(*paths)
	}
	if err := mboxCfg.Validate(); err != nil {
		exitMissingParameter(fs, err)
	}

	opts := common.options(fs, cfg.Bounce)
	runIngest(ctx, cfg, opts, mailbox.NewMboxReader(opts), mboxCfg.Paths)
}

// remoteFlags are shared by process-pop3 and process-imap.
type remoteFlags struct {
	host     *string
	port     *int
	user     *string
	password *string
	tls      *bool
}

func addRemoteFlags(fs *flag.FlagSet) *remoteFlags {
	return &remoteFlags{
		host:     fs.String("host", "", "Mail server host"),
		port:     fs.Int("port", 0, "Mail server port (default depends on --tls)"),
		user:     fs.String("user", "", "Mailbox user name"),
		password: fs.String("password", "", "Mailbox password"),
		tls:      fs.Bool("tls", true, "Connect with implicit TLS"),
	}
}

// apply overrides cfg with the flags given on the command line.
func (f *remoteFlags) apply(fs *flag.FlagSet, cfg config.RemoteMailboxConfig) config.RemoteMailboxConfig {
	if isFlagSet(fs, "host") {
		cfg.Host = *f.host
	}
	if isFlagSet(fs, "port") {
		cfg.Port = *f.port
	}
	if isFlagSet(fs, "user") {
		cfg.User = *f.user
	}
	if isFlagSet(fs, "password") {
		cfg.Password = *f.password
	}
	if isFlagSet(fs, "tls") {
		cfg.TLS = *f.tls
	}
	return cfg
}

func handleProcessPOP3(ctx context.Context) {
	fs := flag.NewFlagSet("process-pop3", flag.ExitOnError)
	remote := addRemoteFlags(fs)
	folder := fs.String("mailbox", "INBOX", "Mailbox name (POP3 only has INBOX)")
	common := addIngestFlags(fs)

	fs.Usage = func() {
		fmt.Printf(`Read bounces from a POP3 mailbox

Usage:
  bouncer process-pop3 --host HOST --user USER --password PASSWORD [options]

Options:
  --host string           POP3 server host
  --port int              POP3 server port (default: 995 with TLS, 110 without)
  --user string           Mailbox user name
  --password string       Mailbox password
  --tls                   Connect with implicit TLS (default: true)
  --mailbox string        Mailbox name, only INBOX is available (default: INBOX)
%s

Examples:
  bouncer process-pop3 --host pop.example.com --user bounces --password secret
  bouncer process-pop3 --host pop.example.com --user bounces --password secret --test
`, ingestOptionsHelp)
	}
	fs.Parse(os.Args[2:])

	cfg := loadConfig(fs, *common.configPath)
	popCfg := remote.apply(fs, cfg.Mailbox.POP3)
	if err := popCfg.Validate(); err != nil {
		exitMissingParameter(fs, err)
	}
	if !strings.EqualFold(strings.TrimSpace(*folder), "INBOX") {
		fmt.Printf("ERROR: POP3 has no mailbox %q, only INBOX\n\n", *folder)
		fs.Usage()
		os.Exit(1)
	}

	opts := common.options(fs, cfg.Bounce)
	runIngest(ctx, cfg, opts, mailbox.NewPOP3Reader(popCfg, opts), []string{"INBOX"})
}

func handleProcessIMAP(ctx context.Context) {
	fs := flag.NewFlagSet("process-imap", flag.ExitOnError)
	remote := addRemoteFlags(fs)
	folders := fs.String("mailbox", "", "Comma-separated IMAP folders (default: INBOX)")
	common := addIngestFlags(fs)

	fs.Usage = func() {
		fmt.Printf(`Read bounces from IMAP folders

Usage:
  bouncer process-imap --host HOST --user USER --password PASSWORD [options]

Options:
  --host string           IMAP server host
  --port int              IMAP server port (default: 993 with TLS, 143 without)
  --user string           Mailbox user name
  --password string       Mailbox password
  --tls                   Connect with implicit TLS (default: true)
  --mailbox string        Comma-separated folders (default: INBOX)
%s

Examples:
  bouncer process-imap --host imap.example.com --user bounces --password secret
  bouncer process-imap --host imap.example.com --user bounces --password secret --mailbox INBOX,Junk --purge
`, ingestOptionsHelp)
	}
	fs.Parse(os.Args[2:])

	cfg := loadConfig(fs, *common.configPath)
	imapCfg := remote.apply(fs, cfg.Mailbox.IMAP)
	if isFlagSet(fs, "mailbox") {
		imapCfg.Mailboxes = splitList(*folders)
	}
	if err := imapCfg.Validate(); err != nil {
		exitMissingParameter(fs, err)
	}

	opts := common.options(fs, cfg.Bounce)
	runIngest(ctx, cfg, opts, mailbox.NewIMAPReader(imapCfg, opts), imapCfg.GetMailboxes())
}

func runIngest(ctx context.Context, cfg config.Config, opts mailbox.Options, reader mailbox.Reader, mailboxes []string) {
	closeLog := initLogging(cfg)
	defer closeLog()

	database := openDatabase(ctx, cfg)
	defer database.Close()

	p := newProcessor(cfg, database, opts)
	stats, err := p.Ingest(ctx, reader, mailboxes)
	pushMetrics(cfg, "ingest")
	if err != nil {
		logger.Fatalf("Ingestion failed: %v", err)
	}
	printIngestStats(stats, opts)
}

func printIngestStats(stats *processor.IngestStats, opts mailbox.Options) {
	fmt.Printf("Messages read:       %d\n", stats.Read)
	fmt.Printf("Identified:          %d\n", stats.Identified)
	fmt.Printf("Unidentified:        %d\n", stats.Unidentified)
	fmt.Printf("Errors:              %d\n", stats.Errors)
	if opts.Test {
		fmt.Printf("Purged:              0 (test mode)\n")
	} else {
		fmt.Printf("Purged:              %d\n", stats.Purged)
	}
	if stats.ArchiveFailures > 0 {
		fmt.Printf("Archive failures:    %d\n", stats.ArchiveFailures)
	}
}
