package rules_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/migadu/bouncer/bounce"
	"github.com/migadu/bouncer/rules"
	"github.com/migadu/bouncer/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const userUnknown = "550 5.1.1 <jane@example.org>: Recipient address rejected: User unknown"

type fixture struct {
	store      *testutils.MemStore
	dispatcher *rules.Dispatcher
	ruleID     int64
	set        *rules.RuleSet
	subID      int64
	bounceID   int64
}

func setup(t *testing.T, action string, sub bounce.Subscriber) *fixture {
	t.Helper()
	ctx := context.Background()
	store := testutils.NewMemStore()

	ruleID := store.AddRule("user unknown", action, 1)
	active, err := store.ListActiveRules(ctx)
	require.NoError(t, err)

	subID := store.AddSubscriber(sub.Email, sub.Confirmed)
	sub.ID = subID
	store.SetSubscriber(sub)

	bounceID, err := store.CreateBounce(ctx, &bounce.Bounce{Data: userUnknown, Status: bounce.StatusListMessage(7)})
	require.NoError(t, err)
	_, err = store.CreateUserMessageBounce(ctx, &bounce.UserMessageBounce{SubscriberID: subID, CampaignID: 7, BounceID: bounceID})
	require.NoError(t, err)

	return &fixture{
		store: store,
		dispatcher: rules.NewDispatcher(rules.Dependencies{
			Rules:       store,
			Subscribers: store,
			History:     store,
			Blacklist:   store,
			Tx:          store,
		}),
		ruleID:   ruleID,
		set:      rules.Compile(active),
		subID:    subID,
		bounceID: bounceID,
	}
}

func (f *fixture) handle(t *testing.T) *rules.CompiledRule {
	t.Helper()
	rule, err := f.dispatcher.Handle(context.Background(), f.set, userUnknown,
		rules.Target{BounceID: f.bounceID, SubscriberID: f.subID})
	require.NoError(t, err)
	return rule
}

func (f *fixture) reason() string {
	return fmt.Sprintf("bounce rule %d matched bounce %d", f.ruleID, f.bounceID)
}

func TestDeleteUser(t *testing.T) {
	f := setup(t, "deleteuser", bounce.Subscriber{Email: "jane@example.org", Confirmed: true})

	rule := f.handle(t)
	require.NotNil(t, rule)
	assert.Equal(t, f.ruleID, rule.ID)

	_, ok := f.store.Subscriber(f.subID)
	assert.False(t, ok)

	_, ok = f.store.Bounce(f.bounceID)
	assert.True(t, ok, "deleteuser keeps the bounce")

	r, _ := f.store.Rule(f.ruleID)
	assert.Equal(t, int64(1), r.HitCount)
	assert.Equal(t, []testutils.RuleMatch{{RuleID: f.ruleID, BounceID: f.bounceID}}, f.store.RuleMatches())
}

func TestDeleteUserAndBounce(t *testing.T) {
	f := setup(t, "deleteuserandbounce", bounce.Subscriber{Email: "jane@example.org", Confirmed: true})
	f.handle(t)

	_, ok := f.store.Subscriber(f.subID)
	assert.False(t, ok)
	_, ok = f.store.Bounce(f.bounceID)
	assert.False(t, ok)
	assert.Empty(t, f.store.UserMessageBounces())
}

func TestUnconfirmUser(t *testing.T) {
	t.Run("confirmed subscriber", func(t *testing.T) {
		f := setup(t, "unconfirmuser", bounce.Subscriber{Email: "jane@example.org", Confirmed: true})
		f.handle(t)

		sub, _ := f.store.Subscriber(f.subID)
		assert.False(t, sub.Confirmed)

		history := f.store.History()
		require.Len(t, history, 1)
		assert.Equal(t, rules.HistoryUnconfirmed, history[0].Title)
		assert.Equal(t, "Subscriber auto unconfirmed by "+f.reason(), history[0].Detail)
	})

	t.Run("already unconfirmed", func(t *testing.T) {
		f := setup(t, "unconfirmuser", bounce.Subscriber{Email: "jane@example.org"})
		require.NotNil(t, f.handle(t))

		assert.Empty(t, f.store.History())
		r, _ := f.store.Rule(f.ruleID)
		assert.Equal(t, int64(1), r.HitCount)
	})
}

func TestUnconfirmUserAndDeleteBounce(t *testing.T) {
	f := setup(t, "unconfirmuseranddeletebounce", bounce.Subscriber{Email: "jane@example.org", Confirmed: true})
	f.handle(t)

	sub, _ := f.store.Subscriber(f.subID)
	assert.False(t, sub.Confirmed)
	_, ok := f.store.Bounce(f.bounceID)
	assert.False(t, ok)
}

func TestDecreaseCountConfirmUserAndDeleteBounce(t *testing.T) {
	f := setup(t, "decreasecountconfirmuseranddeletebounce",
		bounce.Subscriber{Email: "jane@example.org", BounceCount: 2})
	f.handle(t)

	sub, _ := f.store.Subscriber(f.subID)
	assert.True(t, sub.Confirmed)
	assert.Equal(t, 1, sub.BounceCount)

	history := f.store.History()
	require.Len(t, history, 1)
	assert.Equal(t, rules.HistoryConfirmed, history[0].Title)

	_, ok := f.store.Bounce(f.bounceID)
	assert.False(t, ok)
}

func TestBlacklistUser(t *testing.T) {
	t.Run("not blacklisted", func(t *testing.T) {
		f := setup(t, "blacklistuser", bounce.Subscriber{Email: "jane@example.org", Confirmed: true})
		f.handle(t)

		sub, _ := f.store.Subscriber(f.subID)
		assert.True(t, sub.Blacklisted)
		history := f.store.History()
		require.Len(t, history, 1)
		assert.Equal(t, rules.HistoryBlacklisted, history[0].Title)
	})

	t.Run("already blacklisted", func(t *testing.T) {
		f := setup(t, "blacklistuser", bounce.Subscriber{Email: "jane@example.org", Blacklisted: true})
		f.handle(t)
		assert.Empty(t, f.store.History())
	})
}

func TestBlacklistEmailAndDeleteBounce(t *testing.T) {
	f := setup(t, "blacklistemailanddeletebounce", bounce.Subscriber{Email: "jane@example.org", Confirmed: true})
	f.handle(t)

	assert.Equal(t, map[string]string{"jane@example.org": f.reason()}, f.store.BlacklistedEmails())

	sub, _ := f.store.Subscriber(f.subID)
	assert.True(t, sub.Blacklisted)

	history := f.store.History()
	require.Len(t, history, 1)
	assert.Equal(t, rules.HistoryBlacklistedEmail, history[0].Title)

	_, ok := f.store.Bounce(f.bounceID)
	assert.False(t, ok)
}

func TestUnknownSubscriber(t *testing.T) {
	f := setup(t, "deleteuserandbounce", bounce.Subscriber{Email: "jane@example.org"})
	f.subID = 999

	require.NotNil(t, f.handle(t))

	_, ok := f.store.Bounce(f.bounceID)
	assert.False(t, ok, "bounce steps still run")
	assert.Len(t, f.store.RuleMatches(), 1)
}

func TestNoMatch(t *testing.T) {
	f := setup(t, "deleteuser", bounce.Subscriber{Email: "jane@example.org"})

	rule, err := f.dispatcher.Handle(context.Background(), f.set, "452 4.2.2 mailbox full",
		rules.Target{BounceID: f.bounceID, SubscriberID: f.subID})
	require.NoError(t, err)
	assert.Nil(t, rule)
	assert.Empty(t, f.store.RuleMatches())
}

func TestRepeatedMatchesAreAudited(t *testing.T) {
	f := setup(t, "unconfirmuser", bounce.Subscriber{Email: "jane@example.org"})
	f.handle(t)
	f.handle(t)

	assert.Len(t, f.store.RuleMatches(), 2)
	r, _ := f.store.Rule(f.ruleID)
	assert.Equal(t, int64(2), r.HitCount)
}

func TestApplyRollsBack(t *testing.T) {
	f := setup(t, "deleteuserandbounce", bounce.Subscriber{Email: "jane@example.org", Confirmed: true})
	f.store.Fail("DeleteBounce", errors.New("connection reset"))

	_, err := f.dispatcher.Handle(context.Background(), f.set, userUnknown,
		rules.Target{BounceID: f.bounceID, SubscriberID: f.subID})
	require.Error(t, err)

	_, ok := f.store.Subscriber(f.subID)
	assert.True(t, ok)
	assert.Empty(t, f.store.RuleMatches())
	r, _ := f.store.Rule(f.ruleID)
	assert.Zero(t, r.HitCount)
}
