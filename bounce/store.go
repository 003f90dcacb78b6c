package bounce

import "context"

// BounceStore persists bounces and their attributions.
type BounceStore interface {
	CreateBounce(ctx context.Context, b *Bounce) (int64, error)
	UpdateBounceStatus(ctx context.Context, id int64, status, comment string) error
	UserMessageBounceExists(ctx context.Context, subscriberID, campaignID int64) (bool, error)
	CreateUserMessageBounce(ctx context.Context, umb *UserMessageBounce) (int64, error)
}

// SubscriberStore is the subscriber lookup/mutate API owned by the list
// manager. Lookups return an error wrapping consts.ErrDBNotFound when the
// subscriber does not exist.
type SubscriberStore interface {
	FindSubscriberByID(ctx context.Context, id int64) (*Subscriber, error)
	FindSubscriberByEmail(ctx context.Context, email string) (*Subscriber, error)
	MarkSubscriberUnconfirmed(ctx context.Context, id int64) error
	MarkSubscriberConfirmed(ctx context.Context, id int64) error
	BlacklistSubscriber(ctx context.Context, id int64, reason string) error
	DeleteSubscriber(ctx context.Context, id int64) error
	IncrementSubscriberBounceCount(ctx context.Context, id int64) error
	DecrementSubscriberBounceCount(ctx context.Context, id int64) error
}

// CampaignStore is the campaign mutate API.
type CampaignStore interface {
	IncrementCampaignBounceCount(ctx context.Context, campaignID int64) error
}

// HistoryStore appends entries to a subscriber's history.
type HistoryStore interface {
	AddSubscriberHistory(ctx context.Context, subscriberID int64, title, detail string) error
}

// Transactor runs fn so that every store call made with the context it
// receives commits or rolls back together.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
