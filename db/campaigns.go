package db

import (
	"context"
	"fmt"

	"github.com/migadu/bouncer/logger"
)

// IncrementCampaignBounceCount bumps the bounce counter of a campaign.
// Reports for campaigns that no longer exist are ignored.
func (db *Database) IncrementCampaignBounceCount(ctx context.Context, campaignID int64) error {
	n, err := db.TimedExec(ctx, "increment_campaign_bounce_count",
		`UPDATE campaigns SET bounce_count = bounce_count + 1 WHERE id = $1`, campaignID)
	if err != nil {
		return fmt.Errorf("failed to increment campaign %d: %w", campaignID, err)
	}
	if n == 0 {
		logger.Debug("DB: bounce for unknown campaign", "message_id", campaignID)
	}
	return nil
}
