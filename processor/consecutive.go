package processor

import (
	"context"
	"fmt"

	"github.com/migadu/bouncer/bounce"
	"github.com/migadu/bouncer/pkg/metrics"
	"github.com/migadu/bouncer/rules"
)

// HistoryUnsubscribed is written when the bounce count reaches the
// unsubscribe threshold.
const HistoryUnsubscribed = "Auto Unsubscribed"

// ThresholdStats summarises one consecutive-bounce sweep.
type ThresholdStats struct {
	Examined    int
	Unconfirmed int
	Blacklisted int
}

// SweepConsecutive unconfirms subscribers whose bounce count reached the
// unsubscribe threshold and blacklists those that reached the blacklist
// threshold. A zero threshold disables its half.
func (p *Processor) SweepConsecutive(ctx context.Context) (*ThresholdStats, error) {
	ctx, log, done := startRun(ctx, "consecutive")
	defer done()

	stats := &ThresholdStats{}
	unsub, black := p.opts.UnsubscribeThreshold, p.opts.BlacklistThreshold
	if unsub <= 0 && black <= 0 {
		log.Info("Processor: no thresholds configured, nothing to sweep")
		return stats, nil
	}

	minCount := unsub
	if minCount <= 0 || (black > 0 && black < minCount) {
		minCount = black
	}

	prog := newProgress(log, p.opts.progressInterval())
	var after int64

	for {
		page, err := p.store.ListSubscribersByBounceCount(ctx, minCount, after, p.opts.batchSize())
		if err != nil {
			return stats, err
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			sub := &page[i]
			after = sub.ID
			stats.Examined++

			if err := p.applyThresholds(ctx, sub, stats); err != nil {
				return stats, err
			}
			prog.tick(stats.Examined, "unconfirmed", stats.Unconfirmed, "blacklisted", stats.Blacklisted)
		}
	}

	log.Info("Processor: consecutive bounce sweep finished", "examined", stats.Examined,
		"unconfirmed", stats.Unconfirmed, "blacklisted", stats.Blacklisted)
	return stats, nil
}

func (p *Processor) applyThresholds(ctx context.Context, sub *bounce.Subscriber, stats *ThresholdStats) error {
	unsub, black := p.opts.UnsubscribeThreshold, p.opts.BlacklistThreshold
	var unconfirmed, blacklisted bool

	err := p.store.InTx(ctx, func(ctx context.Context) error {
		if unsub > 0 && sub.BounceCount >= unsub && sub.Confirmed {
			if err := p.store.MarkSubscriberUnconfirmed(ctx, sub.ID); err != nil {
				return err
			}
			detail := fmt.Sprintf("%d consecutive bounces, threshold %d reached", sub.BounceCount, unsub)
			if err := p.store.AddSubscriberHistory(ctx, sub.ID, HistoryUnsubscribed, detail); err != nil {
				return err
			}
			unconfirmed = true
		}

		if black > 0 && sub.BounceCount >= black && !sub.Blacklisted {
			reason := fmt.Sprintf("%d consecutive bounces, threshold %d reached", sub.BounceCount, black)
			if err := p.store.BlacklistSubscriber(ctx, sub.ID, reason); err != nil {
				return err
			}
			if err := p.store.AddSubscriberHistory(ctx, sub.ID, rules.HistoryBlacklisted, reason); err != nil {
				return err
			}
			blacklisted = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply thresholds to subscriber %d: %w", sub.ID, err)
	}

	if unconfirmed {
		stats.Unconfirmed++
		metrics.ThresholdActions.WithLabelValues("unconfirm").Inc()
	}
	if blacklisted {
		stats.Blacklisted++
		metrics.ThresholdActions.WithLabelValues("blacklist").Inc()
	}
	return nil
}
