package processor

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/migadu/bouncer/bounce"
	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/helpers"
	"github.com/migadu/bouncer/logger"
	"github.com/migadu/bouncer/mailbox"
	"github.com/migadu/bouncer/pkg/metrics"
)

// IngestStats summarises one ingestion run.
type IngestStats struct {
	Read            int
	Errors          int
	Identified      int
	Unidentified    int
	Purged          int
	ArchiveFailures int
}

// Ingest reads every message of the given mailboxes, stores and classifies
// it, then purges it when the options allow. The reader is closed before
// Ingest returns.
//
// A malformed message is counted and skipped. Mailbox and store errors end
// the run; bounces stored so far stay as they are.
func (p *Processor) Ingest(ctx context.Context, reader mailbox.Reader, mailboxes []string) (stats *IngestStats, err error) {
	ctx, log, done := startRun(ctx, "ingest")
	defer done()

	source := mailbox.SourceName(reader)
	log = log.With("source", source)
	stats = &IngestStats{}
	prog := newProgress(log, p.opts.progressInterval())

	defer func() {
		if cerr := reader.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close mailbox: %w", cerr)
		}
		log.Info("Processor: ingestion finished", "read", stats.Read, "errors", stats.Errors,
			"identified", stats.Identified, "unidentified", stats.Unidentified,
			"purged", stats.Purged, "archive_failures", stats.ArchiveFailures)
	}()

	for _, name := range mailboxes {
		if err := reader.Open(ctx, name); err != nil {
			return stats, err
		}

		for {
			msg, err := reader.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, consts.ErrMalformedMessage) {
				stats.Errors++
				metrics.MessageErrors.WithLabelValues(source).Inc()
				log.Warn("Processor: skipping malformed message", "mailbox", name, "error", err)
				continue
			}
			if err != nil {
				return stats, err
			}

			stats.Read++
			metrics.MessagesRead.WithLabelValues(source).Inc()

			result, err := p.ingestMessage(ctx, msg)
			if err != nil {
				return stats, err
			}

			processed := result.Identified()
			if processed {
				stats.Identified++
			} else {
				stats.Unidentified++
			}

			if err := p.purge(ctx, reader, msg, processed, source, stats); err != nil {
				return stats, err
			}

			prog.tick(stats.Read, "identified", stats.Identified, "unidentified", stats.Unidentified)
		}
	}

	return stats, nil
}

func (p *Processor) ingestMessage(ctx context.Context, msg *mailbox.Message) (*bounce.Result, error) {
	b := &bounce.Bounce{
		Date:    msg.Date,
		Header:  helpers.SanitizeHeader(msg.Header),
		Data:    bounce.DecodeBody(msg.Header, msg.Body),
		Status:  bounce.StatusUnidentified,
		Comment: "not processed",
	}

	id, err := p.store.CreateBounce(ctx, b)
	if err != nil {
		return nil, err
	}

	result, err := p.classifier.Classify(ctx, id, p.parser.Identify(b.Text()))
	if err != nil {
		return nil, err
	}

	metrics.BouncesClassified.WithLabelValues(result.Outcome.String()).Inc()
	return result, nil
}

// purge removes msg from its mailbox when allowed. With an archive
// configured the message is kept if it could not be archived.
func (p *Processor) purge(ctx context.Context, reader mailbox.Reader, msg *mailbox.Message, processed bool, source string, stats *IngestStats) error {
	if !p.opts.Mailbox.ShouldPurge(processed) {
		return nil
	}

	if p.archive != nil {
		if _, err := p.archive.Archive(ctx, msg.Raw, msg.Date); err != nil {
			stats.ArchiveFailures++
			logger.Warn("Processor: archive failed, message kept in mailbox",
				"mailbox", msg.Mailbox, "seq", msg.Seq, "error", err)
			return nil
		}
	}

	if err := reader.Purge(ctx, msg, processed); err != nil {
		return err
	}

	stats.Purged++
	reason := "processed"
	if !processed {
		reason = "unprocessed"
	}
	metrics.MessagesPurged.WithLabelValues(source, reason).Inc()
	return nil
}
