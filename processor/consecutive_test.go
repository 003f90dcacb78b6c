package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/migadu/bouncer/bounce"
	"github.com/migadu/bouncer/rules"
	"github.com/migadu/bouncer/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addCounted(store *testutils.MemStore, email string, count int, confirmed, blacklisted bool) int64 {
	id := store.AddSubscriber(email, confirmed)
	store.SetSubscriber(bounce.Subscriber{ID: id, Email: email, Confirmed: confirmed, Blacklisted: blacklisted, BounceCount: count})
	return id
}

func TestSweepConsecutive(t *testing.T) {
	p, store := newTestProcessor(t, Options{UnsubscribeThreshold: 3, BlacklistThreshold: 5, BatchSize: 2})

	below := addCounted(store, "below@example.com", 2, true, false)
	atUnsub := addCounted(store, "unsub@example.com", 3, true, false)
	atBlack := addCounted(store, "black@example.com", 5, true, false)
	unconfirmed := addCounted(store, "unconfirmed@example.com", 4, false, false)
	blacklisted := addCounted(store, "blacklisted@example.com", 6, false, true)

	stats, err := p.SweepConsecutive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ThresholdStats{Examined: 4, Unconfirmed: 2, Blacklisted: 1}, stats)

	sub, _ := store.Subscriber(below)
	assert.True(t, sub.Confirmed)

	sub, _ = store.Subscriber(atUnsub)
	assert.False(t, sub.Confirmed)
	assert.False(t, sub.Blacklisted)

	sub, _ = store.Subscriber(atBlack)
	assert.False(t, sub.Confirmed)
	assert.True(t, sub.Blacklisted)

	sub, _ = store.Subscriber(unconfirmed)
	assert.False(t, sub.Blacklisted)

	sub, _ = store.Subscriber(blacklisted)
	assert.True(t, sub.Blacklisted)

	var titles []string
	for _, h := range store.History() {
		if h.SubscriberID == atUnsub {
			assert.Equal(t, "3 consecutive bounces, threshold 3 reached", h.Detail)
		}
		titles = append(titles, h.Title)
	}
	assert.ElementsMatch(t, []string{HistoryUnsubscribed, HistoryUnsubscribed, rules.HistoryBlacklisted}, titles)
}

func TestSweepConsecutiveBlacklistOnly(t *testing.T) {
	p, store := newTestProcessor(t, Options{BlacklistThreshold: 5})
	id := addCounted(store, "black@example.com", 5, true, false)

	stats, err := p.SweepConsecutive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &ThresholdStats{Examined: 1, Blacklisted: 1}, stats)

	sub, _ := store.Subscriber(id)
	assert.True(t, sub.Confirmed)
	assert.True(t, sub.Blacklisted)
}

func TestSweepConsecutiveDisabled(t *testing.T) {
	p, store := newTestProcessor(t, Options{})
	addCounted(store, "black@example.com", 50, true, false)

	stats, err := p.SweepConsecutive(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Examined)
}

func TestSweepConsecutiveRollsBack(t *testing.T) {
	p, store := newTestProcessor(t, Options{UnsubscribeThreshold: 3})
	id := addCounted(store, "unsub@example.com", 3, true, false)
	store.Fail("AddSubscriberHistory", errors.New("connection reset"))

	_, err := p.SweepConsecutive(context.Background())
	require.Error(t, err)

	sub, _ := store.Subscriber(id)
	assert.True(t, sub.Confirmed)
}
