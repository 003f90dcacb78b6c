package db

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/migadu/bouncer/rules"
)

var ruleColumns = []string{"id", "regex", "regex_hash", "action", "list_order", "admin_id", "comment", "active", "hit_count"}

func scanRule(row interface{ Scan(dest ...any) error }) (*rules.Rule, error) {
	var r rules.Rule
	err := row.Scan(&r.ID, &r.Pattern, &r.PatternHash, &r.Action, &r.ListOrder, &r.AdminID, &r.Comment, &r.Active, &r.HitCount)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRules returns rules ordered by list order then id, only active ones
// when activeOnly is set.
func (db *Database) ListRules(ctx context.Context, activeOnly bool) ([]rules.Rule, error) {
	builder := psql.Select(ruleColumns...).From("bounce_regexes").OrderBy("list_order", "id")
	if activeOnly {
		builder = builder.Where(sq.Eq{"active": true})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.TimedQuery(ctx, "list_rules", query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bounce rules: %w", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bounce rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListActiveRules returns the rules the matcher evaluates.
func (db *Database) ListActiveRules(ctx context.Context) ([]rules.Rule, error) {
	return db.ListRules(ctx, true)
}

// GetRule returns one rule or ErrRuleNotFound.
func (db *Database) GetRule(ctx context.Context, id int64) (*rules.Rule, error) {
	query, args, err := psql.Select(ruleColumns...).From("bounce_regexes").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	r, err := scanRule(db.TimedQueryRow(ctx, "get_rule", query, args...))
	if err != nil {
		return nil, notFound(err, ErrRuleNotFound, "failed to get bounce rule %d", id)
	}
	return r, nil
}

// SaveRule inserts r, or updates the rule with the same pattern hash, and
// returns the rule id. The hit count of an existing rule is kept.
func (db *Database) SaveRule(ctx context.Context, r *rules.Rule) (int64, error) {
	if r.PatternHash == "" {
		r.PatternHash = rules.PatternHash(r.Pattern)
	}

	query, args, err := psql.Insert("bounce_regexes").
		Columns("regex", "regex_hash", "action", "list_order", "admin_id", "comment", "active").
		Values(r.Pattern, r.PatternHash, r.Action, r.ListOrder, r.AdminID, r.Comment, r.Active).
		Suffix(`ON CONFLICT (regex_hash) DO UPDATE SET
			action = EXCLUDED.action,
			list_order = EXCLUDED.list_order,
			admin_id = EXCLUDED.admin_id,
			comment = EXCLUDED.comment,
			active = EXCLUDED.active
			RETURNING id`).
		ToSql()
	if err != nil {
		return 0, err
	}

	var id int64
	if err := db.TimedWriteRow(ctx, "save_rule", query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to save bounce rule: %w", err)
	}
	r.ID = id
	return id, nil
}

// SetRuleActive activates or deactivates a rule.
func (db *Database) SetRuleActive(ctx context.Context, id int64, active bool) error {
	query, args, err := psql.Update("bounce_regexes").Set("active", active).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	n, err := db.TimedExec(ctx, "set_rule_active", query, args...)
	if err != nil {
		return fmt.Errorf("failed to update bounce rule %d: %w", id, err)
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// DeleteRule removes a rule. Its audit rows are kept.
func (db *Database) DeleteRule(ctx context.Context, id int64) error {
	n, err := db.TimedExec(ctx, "delete_rule", `DELETE FROM bounce_regexes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete bounce rule %d: %w", id, err)
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// IncrementRuleCount bumps the hit counter of a rule.
func (db *Database) IncrementRuleCount(ctx context.Context, ruleID int64) error {
	query, args, err := psql.Update("bounce_regexes").
		Set("hit_count", sq.Expr("hit_count + 1")).
		Where(sq.Eq{"id": ruleID}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := db.TimedExec(ctx, "increment_rule_count", query, args...); err != nil {
		return fmt.Errorf("failed to increment bounce rule %d: %w", ruleID, err)
	}
	return nil
}

// RecordRuleMatch appends an audit row. Duplicate pairs are allowed.
func (db *Database) RecordRuleMatch(ctx context.Context, ruleID, bounceID int64) error {
	if _, err := db.TimedExec(ctx, "record_rule_match",
		`INSERT INTO bounce_regex_bounces (regex_id, bounce_id) VALUES ($1, $2)`, ruleID, bounceID); err != nil {
		return fmt.Errorf("failed to record match of rule %d: %w", ruleID, err)
	}
	return nil
}

// CountRuleMatches counts the audit rows of a rule.
func (db *Database) CountRuleMatches(ctx context.Context, ruleID int64) (int64, error) {
	var n int64
	err := db.TimedQueryRow(ctx, "count_rule_matches",
		`SELECT count(*) FROM bounce_regex_bounces WHERE regex_id = $1`, ruleID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count matches of rule %d: %w", ruleID, err)
	}
	return n, nil
}
