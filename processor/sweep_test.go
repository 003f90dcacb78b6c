package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/migadu/bouncer/bounce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepRules(t *testing.T) {
	p, store := newTestProcessor(t, Options{BatchSize: 2})

	store.AddRule("user (unknown", "deleteuser", 0)
	store.AddRule("user unknown", "deleteuserandbounce", 1)
	store.AddRule("mailbox full", "unconfirmuser", 2)

	jane := store.AddSubscriber("jane@example.com", true)
	bob := store.AddSubscriber("bob@example.com", true)
	carol := store.AddSubscriber("carol@example.com", true)

	unknown := mustCreateBounce(t, store, &bounce.Bounce{Data: "550 5.1.1 User  Unknown", Status: bounce.StatusListMessage(7)})
	mustAttribute(t, store, jane, 7, unknown)
	mustAttribute(t, store, jane, 8, unknown)

	full := mustCreateBounce(t, store, &bounce.Bounce{Data: "452 4.2.2 Mailbox full", Status: bounce.StatusListMessage(7)})
	mustAttribute(t, store, bob, 7, full)

	grey := mustCreateBounce(t, store, &bounce.Bounce{Data: "451 greylisted, try again", Status: bounce.StatusListMessage(7)})
	mustAttribute(t, store, carol, 7, grey)

	stats, err := p.SweepRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &SweepStats{Examined: 4, Matched: 2, Unmatched: 1, Skipped: 1, Deleted: 1}, stats)

	_, ok := store.Subscriber(jane)
	assert.False(t, ok)
	_, ok = store.Bounce(unknown)
	assert.False(t, ok)

	sub, _ := store.Subscriber(bob)
	assert.False(t, sub.Confirmed)
	_, ok = store.Bounce(full)
	assert.True(t, ok)

	sub, _ = store.Subscriber(carol)
	assert.True(t, sub.Confirmed)

	matches := store.RuleMatches()
	require.Len(t, matches, 2)
	assert.Equal(t, unknown, matches[0].BounceID)
	assert.Equal(t, full, matches[1].BounceID)
}

func TestSweepRulesSkipsMissingBounce(t *testing.T) {
	p, store := newTestProcessor(t, Options{})
	store.AddRule("user unknown", "deletebounce", 1)
	mustAttribute(t, store, 42, 7, 999)

	stats, err := p.SweepRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Matched)
}

func TestSweepRulesWithoutRules(t *testing.T) {
	p, store := newTestProcessor(t, Options{})
	b := mustCreateBounce(t, store, &bounce.Bounce{Data: "user unknown"})
	mustAttribute(t, store, 42, 7, b)

	stats, err := p.SweepRules(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Examined)
}

func TestSweepRulesStopsOnStoreError(t *testing.T) {
	p, store := newTestProcessor(t, Options{})
	store.AddRule("user unknown", "deletebounce", 1)
	b := mustCreateBounce(t, store, &bounce.Bounce{Data: "user unknown"})
	mustAttribute(t, store, 42, 7, b)
	store.Fail("RecordRuleMatch", errors.New("connection reset"))

	_, err := p.SweepRules(context.Background())
	require.Error(t, err)

	_, ok := store.Bounce(b)
	assert.True(t, ok)
}

func TestSweepRulesKeepsOtherAttributionsOfUnmatchedBounces(t *testing.T) {
	p, store := newTestProcessor(t, Options{})
	store.AddRule("user unknown", "deleteuser", 1)
	b := mustCreateBounce(t, store, &bounce.Bounce{Data: "mailbox full"})
	mustAttribute(t, store, 42, 7, b)
	mustAttribute(t, store, 42, 8, b)

	stats, err := p.SweepRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &SweepStats{Examined: 2, Unmatched: 1, Skipped: 1}, stats)
	assert.Len(t, store.UserMessageBounces(), 2)
	assert.Empty(t, store.History())
}
