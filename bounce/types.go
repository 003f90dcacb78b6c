package bounce

import (
	"fmt"
	"time"
)

// Status values stored on Bounce rows.
const (
	StatusSystemMessage       = "bounced system message"
	StatusUnidentifiedMessage = "bounced unidentified message"
	StatusUnidentified        = "unidentified bounce"

	statusListMessagePrefix = "bounced list message "
	statusDuplicatePrefix   = "duplicate bounce for "
)

// StatusListMessage returns the status of a bounced campaign message.
func StatusListMessage(campaignID int64) string {
	return fmt.Sprintf("%s%d", statusListMessagePrefix, campaignID)
}

// StatusDuplicate returns the status of a repeated report for a subscriber.
func StatusDuplicate(subscriberID int64) string {
	return fmt.Sprintf("%s%d", statusDuplicatePrefix, subscriberID)
}

// Bounce is one ingested non-delivery report.
type Bounce struct {
	ID      int64
	Date    time.Time
	Header  string
	Data    string
	Status  string
	Comment string
}

// Text returns the combined header and body that parsers and rules scan.
func (b *Bounce) Text() string {
	return b.Header + "\n\n" + b.Data
}

// UserMessageBounce attributes a bounce to a subscriber and campaign.
// CampaignID is consts.SystemMessageID for system messages.
type UserMessageBounce struct {
	ID           int64
	SubscriberID int64
	CampaignID   int64
	BounceID     int64
	Time         time.Time
}

// Subscriber is the part of a list subscriber that bounce handling reads.
type Subscriber struct {
	ID          int64
	Email       string
	Confirmed   bool
	Blacklisted bool
	BounceCount int
}
