package bounce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/logger"
)

// Outcome is the structural category assigned to a bounce.
type Outcome int

const (
	OutcomeUnidentified Outcome = iota
	OutcomeSystemMessage
	OutcomeSystemMessageUnknownUser
	OutcomeListMessage
	OutcomeListMessageUnknownUser
	OutcomeDuplicate
	OutcomeUnidentifiedMessage
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSystemMessage:
		return "system_message"
	case OutcomeSystemMessageUnknownUser:
		return "system_message_unknown_user"
	case OutcomeListMessage:
		return "list_message"
	case OutcomeListMessageUnknownUser:
		return "list_message_unknown_user"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeUnidentifiedMessage:
		return "unidentified_message"
	default:
		return "unidentified"
	}
}

// HistorySystemMessage is the subscriber history title written when a
// system message bounces.
const HistorySystemMessage = "Bounced system message"

// Result describes what classification did to one bounce.
type Result struct {
	Outcome      Outcome
	Status       string
	Comment      string
	SubscriberID int64 // 0 when no subscriber was resolved
	CampaignID   int64 // 0 when no campaign, consts.SystemMessageID for system messages
}

// Identified reports whether the bounce left the unidentified state.
func (r *Result) Identified() bool {
	return r.Outcome != OutcomeUnidentified
}

// Stores groups the collaborators the classifier writes through.
type Stores struct {
	Bounces     BounceStore
	Subscribers SubscriberStore
	Campaigns   CampaignStore
	History     HistoryStore
	Tx          Transactor
}

// Classifier assigns structural outcomes to bounces from the identifiers
// found in their text.
type Classifier struct {
	parser *Parser
	stores Stores
	now    func() time.Time
}

// NewClassifier creates a classifier that writes through stores.
func NewClassifier(parser *Parser, stores Stores) *Classifier {
	return &Classifier{
		parser: parser,
		stores: stores,
		now:    time.Now,
	}
}

// Classify applies the structural state machine to bounce bounceID. Every
// store mutation, including the status update, happens in one transaction.
//
// The existence check on (subscriber, campaign) runs before the new
// attribution is written, so a repeated report still gets its audit row but
// never touches the counters twice.
func (c *Classifier) Classify(ctx context.Context, bounceID int64, ids Identifiers) (*Result, error) {
	var result *Result

	err := c.stores.Tx.InTx(ctx, func(ctx context.Context) error {
		sub, err := c.resolveSubscriber(ctx, ids)
		if err != nil {
			return err
		}

		result, err = c.apply(ctx, bounceID, ids.MessageID, sub)
		if err != nil {
			return err
		}

		return c.stores.Bounces.UpdateBounceStatus(ctx, bounceID, result.Status, result.Comment)
	})
	if err != nil {
		return nil, fmt.Errorf("classify bounce %d: %w", bounceID, err)
	}

	logger.Debug("Bounce: classified", "bounce_id", bounceID, "outcome", result.Outcome.String(),
		"user_id", result.SubscriberID, "message_id", ids.MessageID)
	return result, nil
}

func (c *Classifier) apply(ctx context.Context, bounceID int64, messageID string, sub *Subscriber) (*Result, error) {
	switch {
	case c.parser.IsSystemMessage(messageID) && sub != nil:
		return c.systemMessage(ctx, bounceID, sub)

	case c.parser.IsSystemMessage(messageID):
		return &Result{
			Outcome:    OutcomeSystemMessageUnknownUser,
			Status:     StatusSystemMessage,
			Comment:    "unknown user",
			CampaignID: consts.SystemMessageID,
		}, nil
	}

	if campaignID, ok := CampaignID(messageID); ok {
		if sub != nil {
			return c.listMessage(ctx, bounceID, campaignID, sub)
		}
		if err := c.stores.Campaigns.IncrementCampaignBounceCount(ctx, campaignID); err != nil {
			return nil, err
		}
		return &Result{
			Outcome:    OutcomeListMessageUnknownUser,
			Status:     StatusListMessage(campaignID),
			Comment:    "unknown user",
			CampaignID: campaignID,
		}, nil
	}

	if sub != nil {
		if err := c.stores.Subscribers.IncrementSubscriberBounceCount(ctx, sub.ID); err != nil {
			return nil, err
		}
		return &Result{
			Outcome:      OutcomeUnidentifiedMessage,
			Status:       StatusUnidentifiedMessage,
			Comment:      fmt.Sprintf("%d bouncecount increased", sub.ID),
			SubscriberID: sub.ID,
		}, nil
	}

	return &Result{
		Outcome: OutcomeUnidentified,
		Status:  StatusUnidentified,
		Comment: "not processed",
	}, nil
}

func (c *Classifier) systemMessage(ctx context.Context, bounceID int64, sub *Subscriber) (*Result, error) {
	if _, err := c.stores.Bounces.CreateUserMessageBounce(ctx, &UserMessageBounce{
		SubscriberID: sub.ID,
		CampaignID:   consts.SystemMessageID,
		BounceID:     bounceID,
		Time:         c.now(),
	}); err != nil {
		return nil, err
	}
	if err := c.stores.Subscribers.MarkSubscriberUnconfirmed(ctx, sub.ID); err != nil {
		return nil, err
	}
	detail := fmt.Sprintf("Subscriber marked unconfirmed for bounce %d", bounceID)
	if err := c.stores.History.AddSubscriberHistory(ctx, sub.ID, HistorySystemMessage, detail); err != nil {
		return nil, err
	}

	return &Result{
		Outcome:      OutcomeSystemMessage,
		Status:       StatusSystemMessage,
		Comment:      fmt.Sprintf("%d marked unconfirmed", sub.ID),
		SubscriberID: sub.ID,
		CampaignID:   consts.SystemMessageID,
	}, nil
}

func (c *Classifier) listMessage(ctx context.Context, bounceID, campaignID int64, sub *Subscriber) (*Result, error) {
	seen, err := c.stores.Bounces.UserMessageBounceExists(ctx, sub.ID, campaignID)
	if err != nil {
		return nil, err
	}

	if _, err := c.stores.Bounces.CreateUserMessageBounce(ctx, &UserMessageBounce{
		SubscriberID: sub.ID,
		CampaignID:   campaignID,
		BounceID:     bounceID,
		Time:         c.now(),
	}); err != nil {
		return nil, err
	}

	if seen {
		return &Result{
			Outcome:      OutcomeDuplicate,
			Status:       StatusDuplicate(sub.ID),
			Comment:      StatusDuplicate(sub.ID),
			SubscriberID: sub.ID,
			CampaignID:   campaignID,
		}, nil
	}

	if err := c.stores.Campaigns.IncrementCampaignBounceCount(ctx, campaignID); err != nil {
		return nil, err
	}
	if err := c.stores.Subscribers.IncrementSubscriberBounceCount(ctx, sub.ID); err != nil {
		return nil, err
	}

	return &Result{
		Outcome:      OutcomeListMessage,
		Status:       StatusListMessage(campaignID),
		Comment:      fmt.Sprintf("%d bouncecount increased", sub.ID),
		SubscriberID: sub.ID,
		CampaignID:   campaignID,
	}, nil
}

// resolveSubscriber looks the subscriber up by id, then by recipient
// address. A nil subscriber with a nil error means unknown user.
func (c *Classifier) resolveSubscriber(ctx context.Context, ids Identifiers) (*Subscriber, error) {
	if ids.UserID > 0 {
		sub, err := c.stores.Subscribers.FindSubscriberByID(ctx, ids.UserID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, consts.ErrDBNotFound) {
			return nil, fmt.Errorf("find subscriber %d: %w", ids.UserID, err)
		}
	}

	if ids.Email != "" {
		sub, err := c.stores.Subscribers.FindSubscriberByEmail(ctx, ids.Email)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, consts.ErrDBNotFound) {
			return nil, fmt.Errorf("find subscriber by email: %w", err)
		}
	}

	return nil, nil
}
