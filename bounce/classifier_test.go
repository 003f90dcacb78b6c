package bounce_test

import (
	"context"
	"errors"
	"testing"

	"github.com/migadu/bouncer/bounce"
	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClassifier(store *testutils.MemStore) *bounce.Classifier {
	return bounce.NewClassifier(bounce.NewParser("", ""), bounce.Stores{
		Bounces:     store,
		Subscribers: store,
		Campaigns:   store,
		History:     store,
		Tx:          store,
	})
}

func setupStore(t *testing.T) *testutils.MemStore {
	t.Helper()
	store := testutils.NewMemStore()
	store.SetSubscriber(bounce.Subscriber{ID: 42, Email: "jane@example.org", Confirmed: true})
	return store
}

func newBounce(t *testing.T, store *testutils.MemStore) int64 {
	t.Helper()
	id, err := store.CreateBounce(context.Background(), &bounce.Bounce{Status: bounce.StatusUnidentified})
	require.NoError(t, err)
	return id
}

func TestClassifySystemMessage(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	c := newClassifier(store)
	bid := newBounce(t, store)

	res, err := c.Classify(ctx, bid, bounce.Identifiers{UserID: 42, MessageID: "systemmessage"})
	require.NoError(t, err)

	assert.Equal(t, bounce.OutcomeSystemMessage, res.Outcome)
	assert.Equal(t, "bounced system message", res.Status)
	assert.Equal(t, "42 marked unconfirmed", res.Comment)
	assert.Equal(t, consts.SystemMessageID, res.CampaignID)
	assert.True(t, res.Identified())

	umbs := store.UserMessageBounces()
	require.Len(t, umbs, 1)
	assert.Equal(t, int64(42), umbs[0].SubscriberID)
	assert.Equal(t, consts.SystemMessageID, umbs[0].CampaignID)
	assert.Equal(t, bid, umbs[0].BounceID)

	sub, _ := store.Subscriber(42)
	assert.False(t, sub.Confirmed)
	assert.Zero(t, sub.BounceCount)

	history := store.History()
	require.Len(t, history, 1)
	assert.Equal(t, bounce.HistorySystemMessage, history[0].Title)
	assert.Equal(t, "Subscriber marked unconfirmed for bounce 1", history[0].Detail)

	b, _ := store.Bounce(bid)
	assert.Equal(t, "bounced system message", b.Status)
	assert.Equal(t, "42 marked unconfirmed", b.Comment)
}

func TestClassifyListMessageThenDuplicate(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	c := newClassifier(store)
	ids := bounce.Identifiers{UserID: 42, MessageID: "7"}

	first := newBounce(t, store)
	res, err := c.Classify(ctx, first, ids)
	require.NoError(t, err)
	assert.Equal(t, bounce.OutcomeListMessage, res.Outcome)
	assert.Equal(t, "bounced list message 7", res.Status)
	assert.Equal(t, "42 bouncecount increased", res.Comment)

	second := newBounce(t, store)
	res, err = c.Classify(ctx, second, ids)
	require.NoError(t, err)
	assert.Equal(t, bounce.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, "duplicate bounce for 42", res.Status)
	assert.Equal(t, "duplicate bounce for 42", res.Comment)

	sub, _ := store.Subscriber(42)
	assert.Equal(t, 1, sub.BounceCount)
	assert.True(t, sub.Confirmed)
	assert.Equal(t, 1, store.CampaignBounceCount(7))
	assert.Len(t, store.UserMessageBounces(), 2)

	b, _ := store.Bounce(second)
	assert.Equal(t, "duplicate bounce for 42", b.Status)
}

func TestClassifyUnknownUser(t *testing.T) {
	ctx := context.Background()

	t.Run("system message", func(t *testing.T) {
		store := setupStore(t)
		res, err := newClassifier(store).Classify(ctx, newBounce(t, store), bounce.Identifiers{UserID: 99, MessageID: "systemmessage"})
		require.NoError(t, err)
		assert.Equal(t, bounce.OutcomeSystemMessageUnknownUser, res.Outcome)
		assert.Equal(t, "bounced system message", res.Status)
		assert.Equal(t, "unknown user", res.Comment)
		assert.Zero(t, res.SubscriberID)
		assert.Empty(t, store.UserMessageBounces())
		assert.Empty(t, store.History())
	})

	t.Run("list message", func(t *testing.T) {
		store := setupStore(t)
		res, err := newClassifier(store).Classify(ctx, newBounce(t, store), bounce.Identifiers{UserID: 99, MessageID: "7"})
		require.NoError(t, err)
		assert.Equal(t, bounce.OutcomeListMessageUnknownUser, res.Outcome)
		assert.Equal(t, "bounced list message 7", res.Status)
		assert.Equal(t, "unknown user", res.Comment)
		assert.Equal(t, 1, store.CampaignBounceCount(7))
		assert.Empty(t, store.UserMessageBounces())
	})
}

func TestClassifyResolvesByEmail(t *testing.T) {
	store := setupStore(t)
	res, err := newClassifier(store).Classify(context.Background(), newBounce(t, store),
		bounce.Identifiers{Email: "jane@example.org", MessageID: "7"})
	require.NoError(t, err)

	assert.Equal(t, bounce.OutcomeListMessage, res.Outcome)
	assert.Equal(t, int64(42), res.SubscriberID)
}

func TestClassifyUnknownIDFallsBackToEmail(t *testing.T) {
	store := setupStore(t)
	res, err := newClassifier(store).Classify(context.Background(), newBounce(t, store),
		bounce.Identifiers{UserID: 99, Email: "jane@example.org", MessageID: "systemmessage"})
	require.NoError(t, err)

	assert.Equal(t, bounce.OutcomeSystemMessage, res.Outcome)
	assert.Equal(t, int64(42), res.SubscriberID)
}

func TestClassifyWithoutMessageID(t *testing.T) {
	store := setupStore(t)
	res, err := newClassifier(store).Classify(context.Background(), newBounce(t, store), bounce.Identifiers{UserID: 42})
	require.NoError(t, err)

	assert.Equal(t, bounce.OutcomeUnidentifiedMessage, res.Outcome)
	assert.Equal(t, "bounced unidentified message", res.Status)
	assert.Equal(t, "42 bouncecount increased", res.Comment)

	sub, _ := store.Subscriber(42)
	assert.Equal(t, 1, sub.BounceCount)
	assert.Empty(t, store.UserMessageBounces())
}

func TestClassifyNothingFound(t *testing.T) {
	store := setupStore(t)
	bid := newBounce(t, store)
	res, err := newClassifier(store).Classify(context.Background(), bid, bounce.Identifiers{})
	require.NoError(t, err)

	assert.Equal(t, bounce.OutcomeUnidentified, res.Outcome)
	assert.False(t, res.Identified())

	b, _ := store.Bounce(bid)
	assert.Equal(t, "unidentified bounce", b.Status)
	assert.Equal(t, "not processed", b.Comment)
}

func TestClassifyRollsBackOnFailure(t *testing.T) {
	store := setupStore(t)
	bid := newBounce(t, store)
	store.Fail("IncrementSubscriberBounceCount", errors.New("connection reset"))

	_, err := newClassifier(store).Classify(context.Background(), bid, bounce.Identifiers{UserID: 42, MessageID: "7"})
	require.Error(t, err)

	assert.Empty(t, store.UserMessageBounces())
	assert.Zero(t, store.CampaignBounceCount(7))
	b, _ := store.Bounce(bid)
	assert.Equal(t, bounce.StatusUnidentified, b.Status)
}

func TestClassifyLookupFailure(t *testing.T) {
	store := setupStore(t)
	store.Fail("FindSubscriberByID", errors.New("connection refused"))

	_, err := newClassifier(store).Classify(context.Background(), newBounce(t, store), bounce.Identifiers{UserID: 42, MessageID: "7"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, consts.ErrDBNotFound))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "list_message", bounce.OutcomeListMessage.String())
	assert.Equal(t, "duplicate", bounce.OutcomeDuplicate.String())
	assert.Equal(t, "unidentified", bounce.OutcomeUnidentified.String())
}
