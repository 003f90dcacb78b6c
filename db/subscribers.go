package db

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/migadu/bouncer/bounce"
	"github.com/migadu/bouncer/helpers"
)

var subscriberColumns = []string{"id", "email", "confirmed", "blacklisted", "bounce_count"}

func scanSubscriber(row interface{ Scan(dest ...any) error }) (*bounce.Subscriber, error) {
	var s bounce.Subscriber
	if err := row.Scan(&s.ID, &s.Email, &s.Confirmed, &s.Blacklisted, &s.BounceCount); err != nil {
		return nil, err
	}
	return &s, nil
}

func (db *Database) findSubscriber(ctx context.Context, operation string, where sq.Sqlizer) (*bounce.Subscriber, error) {
	query, args, err := psql.Select(subscriberColumns...).From("subscribers").Where(where).ToSql()
	if err != nil {
		return nil, err
	}
	return scanSubscriber(db.TimedQueryRow(ctx, operation, query, args...))
}

// FindSubscriberByID returns a subscriber or ErrSubscriberNotFound.
func (db *Database) FindSubscriberByID(ctx context.Context, id int64) (*bounce.Subscriber, error) {
	s, err := db.findSubscriber(ctx, "find_subscriber_by_id", sq.Eq{"id": id})
	if err != nil {
		return nil, notFound(err, ErrSubscriberNotFound, "failed to find subscriber %d", id)
	}
	return s, nil
}

// FindSubscriberByEmail looks a subscriber up by address, ignoring case.
func (db *Database) FindSubscriberByEmail(ctx context.Context, email string) (*bounce.Subscriber, error) {
	s, err := db.findSubscriber(ctx, "find_subscriber_by_email", sq.Eq{"lower(email)": helpers.NormalizeEmail(email)})
	if err != nil {
		return nil, notFound(err, ErrSubscriberNotFound, "failed to find subscriber by email")
	}
	return s, nil
}

func (db *Database) updateSubscriber(ctx context.Context, operation string, id int64, set map[string]any) error {
	set["updated_at"] = time.Now()
	query, args, err := psql.Update("subscribers").SetMap(set).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}

	n, err := db.TimedExec(ctx, operation, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update subscriber %d: %w", id, err)
	}
	if n == 0 {
		return ErrSubscriberNotFound
	}
	return nil
}

func (db *Database) MarkSubscriberUnconfirmed(ctx context.Context, id int64) error {
	return db.updateSubscriber(ctx, "mark_subscriber_unconfirmed", id, map[string]any{"confirmed": false})
}

func (db *Database) MarkSubscriberConfirmed(ctx context.Context, id int64) error {
	return db.updateSubscriber(ctx, "mark_subscriber_confirmed", id, map[string]any{"confirmed": true})
}

// BlacklistSubscriber flags the subscriber. The reason is kept on the
// email blacklist entry when one is written; the flag itself carries none.
func (db *Database) BlacklistSubscriber(ctx context.Context, id int64, reason string) error {
	return db.updateSubscriber(ctx, "blacklist_subscriber", id, map[string]any{"blacklisted": true})
}

func (db *Database) IncrementSubscriberBounceCount(ctx context.Context, id int64) error {
	return db.updateSubscriber(ctx, "increment_subscriber_bounce_count", id,
		map[string]any{"bounce_count": sq.Expr("bounce_count + 1")})
}

// DecrementSubscriberBounceCount lowers the count, never below zero.
func (db *Database) DecrementSubscriberBounceCount(ctx context.Context, id int64) error {
	return db.updateSubscriber(ctx, "decrement_subscriber_bounce_count", id,
		map[string]any{"bounce_count": sq.Expr("GREATEST(bounce_count - 1, 0)")})
}

// DeleteSubscriber removes a subscriber and its history. Deleting a missing
// subscriber is not an error.
func (db *Database) DeleteSubscriber(ctx context.Context, id int64) error {
	if _, err := db.TimedExec(ctx, "delete_subscriber", `DELETE FROM subscribers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete subscriber %d: %w", id, err)
	}
	return nil
}

// ListSubscribersByBounceCount returns up to limit subscribers with at least
// minCount bounces and an id above afterID, in id order.
func (db *Database) ListSubscribersByBounceCount(ctx context.Context, minCount int, afterID int64, limit int) ([]bounce.Subscriber, error) {
	query, args, err := psql.Select(subscriberColumns...).
		From("subscribers").
		Where(sq.GtOrEq{"bounce_count": minCount}).
		Where(sq.Gt{"id": afterID}).
		OrderBy("id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.TimedQuery(ctx, "list_subscribers_by_bounce_count", query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}
	defer rows.Close()

	var out []bounce.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// BlacklistEmail adds email to the global blacklist. Existing entries keep
// their original reason.
func (db *Database) BlacklistEmail(ctx context.Context, email, reason string) error {
	if _, err := db.TimedExec(ctx, "blacklist_email", `
		INSERT INTO email_blacklist (email, reason) VALUES ($1, $2)
		ON CONFLICT (email) DO NOTHING`,
		helpers.NormalizeEmail(email), reason); err != nil {
		return fmt.Errorf("failed to blacklist email: %w", err)
	}
	return nil
}
