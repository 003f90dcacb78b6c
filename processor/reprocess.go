package processor

import (
	"context"

	"github.com/migadu/bouncer/bounce"
	"github.com/migadu/bouncer/pkg/metrics"
)

// ReprocessStats summarises one reprocessing run.
type ReprocessStats struct {
	Total        int
	Reparsed     int // an identifier was found
	Reidentified int // classification left the unidentified state
}

// ReprocessUnidentified runs extraction and classification again over every
// bounce still in the unidentified state. Bounces where nothing is found
// are left untouched.
func (p *Processor) ReprocessUnidentified(ctx context.Context) (*ReprocessStats, error) {
	ctx, log, done := startRun(ctx, "reprocess")
	defer done()

	stats := &ReprocessStats{}
	prog := newProgress(log, p.opts.progressInterval())
	var after int64

	for {
		page, err := p.store.ListBouncesByStatus(ctx, bounce.StatusUnidentified, after, p.opts.batchSize())
		if err != nil {
			return stats, err
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			b := &page[i]
			after = b.ID
			stats.Total++

			ids := p.parser.Identify(b.Text())
			if !ids.Found() {
				metrics.Reprocessed.WithLabelValues("unchanged").Inc()
				prog.tick(stats.Total, "reparsed", stats.Reparsed, "reidentified", stats.Reidentified)
				continue
			}
			stats.Reparsed++

			result, err := p.classifier.Classify(ctx, b.ID, ids)
			if err != nil {
				return stats, err
			}
			metrics.BouncesClassified.WithLabelValues(result.Outcome.String()).Inc()

			if result.Identified() {
				stats.Reidentified++
				metrics.Reprocessed.WithLabelValues("reidentified").Inc()
			} else {
				metrics.Reprocessed.WithLabelValues("reparsed").Inc()
			}

			prog.tick(stats.Total, "reparsed", stats.Reparsed, "reidentified", stats.Reidentified)
		}
	}

	log.Info("Processor: reprocessing finished", "total", stats.Total,
		"reparsed", stats.Reparsed, "reidentified", stats.Reidentified)
	return stats, nil
}
