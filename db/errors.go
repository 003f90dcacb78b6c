package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/bouncer/consts"
)

// Sentinel errors for database operations. Each wraps consts.ErrDBNotFound
// so callers outside this package can test for a missing row generically.
var (
	ErrSubscriberNotFound = fmt.Errorf("subscriber %w", consts.ErrDBNotFound)
	ErrBounceNotFound     = fmt.Errorf("bounce %w", consts.ErrDBNotFound)
	ErrRuleNotFound       = fmt.Errorf("bounce rule %w", consts.ErrDBNotFound)
)

// notFound maps pgx.ErrNoRows to sentinel and leaves other errors wrapped.
func notFound(err error, sentinel error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
