package db

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/migadu/bouncer/bounce"
	"github.com/migadu/bouncer/consts"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var bounceColumns = []string{"id", "date", "header", "data", "status", "comment"}

// CreateBounce inserts a bounce and returns its id.
func (db *Database) CreateBounce(ctx context.Context, b *bounce.Bounce) (int64, error) {
	var id int64
	err := db.TimedWriteRow(ctx, "create_bounce", `
		INSERT INTO bounces (date, header, data, status, comment)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		b.Date, b.Header, b.Data, b.Status, b.Comment,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: bounce: %v", consts.ErrDBInsertFailed, err)
	}
	b.ID = id
	return id, nil
}

// GetBounce returns one bounce or ErrBounceNotFound.
func (db *Database) GetBounce(ctx context.Context, id int64) (*bounce.Bounce, error) {
	query, args, err := psql.Select(bounceColumns...).From("bounces").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}

	var b bounce.Bounce
	err = db.TimedQueryRow(ctx, "get_bounce", query, args...).
		Scan(&b.ID, &b.Date, &b.Header, &b.Data, &b.Status, &b.Comment)
	if err != nil {
		return nil, notFound(err, ErrBounceNotFound, "failed to get bounce %d", id)
	}
	return &b, nil
}

// UpdateBounceStatus sets the classification status and comment.
func (db *Database) UpdateBounceStatus(ctx context.Context, id int64, status, comment string) error {
	query, args, err := psql.Update("bounces").
		Set("status", status).
		Set("comment", comment).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}

	n, err := db.TimedExec(ctx, "update_bounce_status", query, args...)
	if err != nil {
		return fmt.Errorf("failed to update bounce %d: %w", id, err)
	}
	if n == 0 {
		return ErrBounceNotFound
	}
	return nil
}

// DeleteBounce removes a bounce and, through the foreign key, its
// attributions. Deleting a missing bounce is not an error.
func (db *Database) DeleteBounce(ctx context.Context, id int64) error {
	if _, err := db.TimedExec(ctx, "delete_bounce", `DELETE FROM bounces WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete bounce %d: %w", id, err)
	}
	return nil
}

// ListBouncesByStatus returns up to limit bounces with the given status and
// an id above afterID, in id order.
func (db *Database) ListBouncesByStatus(ctx context.Context, status string, afterID int64, limit int) ([]bounce.Bounce, error) {
	query, args, err := psql.Select(bounceColumns...).
		From("bounces").
		Where(sq.Eq{"status": status}).
		Where(sq.Gt{"id": afterID}).
		OrderBy("id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.TimedQuery(ctx, "list_bounces_by_status", query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bounces: %w", err)
	}
	defer rows.Close()

	var out []bounce.Bounce
	for rows.Next() {
		var b bounce.Bounce
		if err := rows.Scan(&b.ID, &b.Date, &b.Header, &b.Data, &b.Status, &b.Comment); err != nil {
			return nil, fmt.Errorf("failed to scan bounce: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UserMessageBounceExists reports whether the pair was attributed before.
func (db *Database) UserMessageBounceExists(ctx context.Context, subscriberID, campaignID int64) (bool, error) {
	var exists bool
	err := db.TimedQueryRow(ctx, "user_message_bounce_exists", `
		SELECT EXISTS (SELECT 1 FROM user_message_bounces WHERE user_id = $1 AND message_id = $2)`,
		subscriberID, campaignID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user message bounce: %w", err)
	}
	return exists, nil
}

// CreateUserMessageBounce records an attribution.
func (db *Database) CreateUserMessageBounce(ctx context.Context, umb *bounce.UserMessageBounce) (int64, error) {
	query, args, err := psql.Insert("user_message_bounces").
		Columns("user_id", "message_id", "bounce_id", "time").
		Values(umb.SubscriberID, umb.CampaignID, umb.BounceID, umb.Time).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, err
	}

	var id int64
	if err := db.TimedWriteRow(ctx, "create_user_message_bounce", query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("%w: user message bounce: %v", consts.ErrDBInsertFailed, err)
	}
	umb.ID = id
	return id, nil
}

// ListUserMessageBounces returns up to limit attributions with an id above
// afterID, in id order.
func (db *Database) ListUserMessageBounces(ctx context.Context, afterID int64, limit int) ([]bounce.UserMessageBounce, error) {
	query, args, err := psql.Select("id", "user_id", "message_id", "bounce_id", "time").
		From("user_message_bounces").
		Where(sq.Gt{"id": afterID}).
		OrderBy("id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.TimedQuery(ctx, "list_user_message_bounces", query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list user message bounces: %w", err)
	}
	defer rows.Close()

	var out []bounce.UserMessageBounce
	for rows.Next() {
		var umb bounce.UserMessageBounce
		if err := rows.Scan(&umb.ID, &umb.SubscriberID, &umb.CampaignID, &umb.BounceID, &umb.Time); err != nil {
			return nil, fmt.Errorf("failed to scan user message bounce: %w", err)
		}
		out = append(out, umb)
	}
	return out, rows.Err()
}
