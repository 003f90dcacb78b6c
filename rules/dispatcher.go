package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/migadu/bouncer/bounce"
	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/logger"
	"github.com/migadu/bouncer/pkg/metrics"
)

// History titles written by rule actions.
const (
	HistoryUnconfirmed      = "Auto Unconfirmed"
	HistoryConfirmed        = "Auto Confirmed"
	HistoryBlacklisted      = "Auto Blacklisted"
	HistoryBlacklistedEmail = "Auto Blacklisted Email"
)

// Store is the rule bookkeeping the dispatcher writes through.
type Store interface {
	IncrementRuleCount(ctx context.Context, ruleID int64) error
	RecordRuleMatch(ctx context.Context, ruleID, bounceID int64) error
	DeleteBounce(ctx context.Context, bounceID int64) error
}

// EmailBlacklister adds addresses to the global email blacklist.
type EmailBlacklister interface {
	BlacklistEmail(ctx context.Context, email, reason string) error
}

// Target is the bounce a rule matched and the subscriber it was
// attributed to. SubscriberID is 0 when unknown.
type Target struct {
	BounceID     int64
	SubscriberID int64
}

// Dependencies groups the stores the dispatcher needs.
type Dependencies struct {
	Rules       Store
	Subscribers bounce.SubscriberStore
	History     bounce.HistoryStore
	Blacklist   EmailBlacklister
	Tx          bounce.Transactor
}

// Dispatcher applies the action of a matched rule.
type Dispatcher struct {
	deps Dependencies
}

// NewDispatcher creates a dispatcher over deps.
func NewDispatcher(deps Dependencies) *Dispatcher {
	return &Dispatcher{deps: deps}
}

// actionContext is what one action step sees.
type actionContext struct {
	rule       *CompiledRule
	target     Target
	subscriber *bounce.Subscriber // nil when the subscriber is unknown
}

type step func(ctx context.Context, d *Dispatcher, ac *actionContext) error

var handlers = map[Action][]step{
	ActionDeleteUser:                              {deleteUser},
	ActionUnconfirmUser:                           {unconfirmUser},
	ActionDeleteUserAndBounce:                     {deleteUser, deleteBounce},
	ActionUnconfirmUserAndDeleteBounce:            {unconfirmUser, deleteBounce},
	ActionDecreaseCountConfirmUserAndDeleteBounce: {decreaseCountAndConfirm, deleteBounce},
	ActionBlacklistUser:                           {blacklistUser},
	ActionBlacklistUserAndDeleteBounce:            {blacklistUser, deleteBounce},
	ActionBlacklistEmail:                          {blacklistEmail},
	ActionBlacklistEmailAndDeleteBounce:           {blacklistEmail, deleteBounce},
	ActionDeleteBounce:                            {deleteBounce},
}

// Handle matches text against set and applies the first matching rule to
// target. It returns nil when nothing matched.
func (d *Dispatcher) Handle(ctx context.Context, set *RuleSet, text string, target Target) (*CompiledRule, error) {
	rule := set.Match(text)
	if rule == nil {
		return nil, nil
	}
	if err := d.Apply(ctx, rule, target); err != nil {
		return nil, err
	}
	return rule, nil
}

// Apply counts the match, records the audit row and runs the rule's action,
// all in one transaction.
func (d *Dispatcher) Apply(ctx context.Context, rule *CompiledRule, target Target) error {
	steps, ok := handlers[rule.Action]
	if !ok {
		return fmt.Errorf("rule %d: %w", rule.ID, consts.ErrUnknownAction)
	}

	err := d.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		if err := d.deps.Rules.IncrementRuleCount(ctx, rule.ID); err != nil {
			return fmt.Errorf("increment rule count: %w", err)
		}
		if err := d.deps.Rules.RecordRuleMatch(ctx, rule.ID, target.BounceID); err != nil {
			return fmt.Errorf("record rule match: %w", err)
		}

		ac := &actionContext{rule: rule, target: target}
		if target.SubscriberID > 0 {
			sub, err := d.deps.Subscribers.FindSubscriberByID(ctx, target.SubscriberID)
			switch {
			case err == nil:
				ac.subscriber = sub
			case !errors.Is(err, consts.ErrDBNotFound):
				return fmt.Errorf("find subscriber %d: %w", target.SubscriberID, err)
			}
		}

		for _, s := range steps {
			if err := s(ctx, d, ac); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply rule %d to bounce %d: %w", rule.ID, target.BounceID, err)
	}

	metrics.RuleMatches.WithLabelValues(rule.Action.String()).Inc()
	logger.Debug("Rules: applied", "rule_id", rule.ID, "action", rule.Action.String(),
		"bounce_id", target.BounceID, "user_id", target.SubscriberID)
	return nil
}

func (ac *actionContext) reason() string {
	return fmt.Sprintf("bounce rule %d matched bounce %d", ac.rule.ID, ac.target.BounceID)
}

func deleteUser(ctx context.Context, d *Dispatcher, ac *actionContext) error {
	if ac.subscriber == nil {
		return nil
	}
	return d.deps.Subscribers.DeleteSubscriber(ctx, ac.subscriber.ID)
}

// unconfirmUser only acts on confirmed subscribers.
func unconfirmUser(ctx context.Context, d *Dispatcher, ac *actionContext) error {
	if ac.subscriber == nil || !ac.subscriber.Confirmed {
		return nil
	}
	if err := d.deps.Subscribers.MarkSubscriberUnconfirmed(ctx, ac.subscriber.ID); err != nil {
		return err
	}
	return d.deps.History.AddSubscriberHistory(ctx, ac.subscriber.ID, HistoryUnconfirmed,
		"Subscriber auto unconfirmed by "+ac.reason())
}

func decreaseCountAndConfirm(ctx context.Context, d *Dispatcher, ac *actionContext) error {
	if ac.subscriber == nil {
		return nil
	}
	if err := d.deps.Subscribers.DecrementSubscriberBounceCount(ctx, ac.subscriber.ID); err != nil {
		return err
	}
	if ac.subscriber.Confirmed {
		return nil
	}
	if err := d.deps.Subscribers.MarkSubscriberConfirmed(ctx, ac.subscriber.ID); err != nil {
		return err
	}
	return d.deps.History.AddSubscriberHistory(ctx, ac.subscriber.ID, HistoryConfirmed,
		"Subscriber auto confirmed by "+ac.reason())
}

// blacklistUser only acts on subscribers not yet blacklisted.
func blacklistUser(ctx context.Context, d *Dispatcher, ac *actionContext) error {
	if ac.subscriber == nil || ac.subscriber.Blacklisted {
		return nil
	}
	if err := d.deps.Subscribers.BlacklistSubscriber(ctx, ac.subscriber.ID, ac.reason()); err != nil {
		return err
	}
	return d.deps.History.AddSubscriberHistory(ctx, ac.subscriber.ID, HistoryBlacklisted,
		"Subscriber auto blacklisted by "+ac.reason())
}

func blacklistEmail(ctx context.Context, d *Dispatcher, ac *actionContext) error {
	if ac.subscriber == nil {
		return nil
	}
	if err := d.deps.Blacklist.BlacklistEmail(ctx, ac.subscriber.Email, ac.reason()); err != nil {
		return err
	}
	if err := d.deps.Subscribers.BlacklistSubscriber(ctx, ac.subscriber.ID, ac.reason()); err != nil {
		return err
	}
	return d.deps.History.AddSubscriberHistory(ctx, ac.subscriber.ID, HistoryBlacklistedEmail,
		"Email "+ac.subscriber.Email+" auto blacklisted by "+ac.reason())
}

func deleteBounce(ctx context.Context, d *Dispatcher, ac *actionContext) error {
	return d.deps.Rules.DeleteBounce(ctx, ac.target.BounceID)
}
