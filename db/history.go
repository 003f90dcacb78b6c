package db

import (
	"context"
	"fmt"
)

// AddSubscriberHistory appends a history entry.
func (db *Database) AddSubscriberHistory(ctx context.Context, subscriberID int64, title, detail string) error {
	if _, err := db.TimedExec(ctx, "add_subscriber_history", `
		INSERT INTO subscriber_history (subscriber_id, title, detail) VALUES ($1, $2, $3)`,
		subscriberID, title, detail); err != nil {
		return fmt.Errorf("failed to add history for subscriber %d: %w", subscriberID, err)
	}
	return nil
}
