package processor

import (
	"context"
	"errors"

	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/pkg/metrics"
	"github.com/migadu/bouncer/rules"
)

// SweepStats summarises one rule sweep.
type SweepStats struct {
	Examined  int // attribution rows visited
	Matched   int
	Unmatched int
	Skipped   int // bounces already seen in this run or deleted meanwhile
	Deleted   int // bounces removed by the matched rule
}

// SweepRules matches every attributed bounce against the active rules and
// applies the first matching rule. A bounce with several attributions is
// matched once per sweep, with its first attribution as the target.
func (p *Processor) SweepRules(ctx context.Context) (*SweepStats, error) {
	ctx, log, done := startRun(ctx, "sweep_rules")
	defer done()

	stored, err := p.store.ListActiveRules(ctx)
	if err != nil {
		return nil, err
	}
	set := rules.Compile(stored)
	for _, r := range set.Invalid() {
		log.Warn("Processor: rule never matches", "rule_id", r.ID, "error", r.Err)
	}

	stats := &SweepStats{}
	if set.Len() == 0 {
		log.Info("Processor: no active rules, nothing to sweep")
		return stats, nil
	}

	prog := newProgress(log, p.opts.progressInterval())
	seen := make(map[int64]bool)
	var after int64

	for {
		page, err := p.store.ListUserMessageBounces(ctx, after, p.opts.batchSize())
		if err != nil {
			return stats, err
		}
		if len(page) == 0 {
			break
		}

		for _, umb := range page {
			after = umb.ID
			stats.Examined++

			if seen[umb.BounceID] {
				stats.Skipped++
				continue
			}
			seen[umb.BounceID] = true

			b, err := p.store.GetBounce(ctx, umb.BounceID)
			if errors.Is(err, consts.ErrDBNotFound) {
				stats.Skipped++
				continue
			}
			if err != nil {
				return stats, err
			}

			rule, err := p.dispatcher.Handle(ctx, set, b.Text(), rules.Target{
				BounceID:     b.ID,
				SubscriberID: umb.SubscriberID,
			})
			if err != nil {
				return stats, err
			}

			if rule != nil {
				stats.Matched++
				if rule.Action.DeletesBounce() {
					stats.Deleted++
				}
				metrics.RuleSweepResults.WithLabelValues("matched").Inc()
			} else {
				stats.Unmatched++
				metrics.RuleSweepResults.WithLabelValues("unmatched").Inc()
			}

			prog.tick(stats.Examined, "matched", stats.Matched, "unmatched", stats.Unmatched)
		}
	}

	log.Info("Processor: rule sweep finished", "examined", stats.Examined, "matched", stats.Matched,
		"unmatched", stats.Unmatched, "skipped", stats.Skipped, "deleted", stats.Deleted)
	return stats, nil
}
