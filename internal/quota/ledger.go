// Package quota tracks per-user daily generation allowances.
//
// A counter is identified by user id and UTC calendar day. TryReserve is the
// only compare-and-increment operation in the system; every backend performs
// it atomically so concurrent submissions can never push a counter past the
// limit.
package quota

import (
	"context"
	"errors"
	"strings"
	"time"
)

const dayLayout = "2006-01-02"

var errUserRequired = errors.New("quota: user id is required")

type Reservation struct {
	Allowed   bool
	Remaining int
}

type Ledger interface {
	TryReserve(ctx context.Context, userID, day string, limit int) (Reservation, error)
	Release(ctx context.Context, userID, day string) error
	Usage(ctx context.Context, userID, day string) (int, error)
}

// Day formats t as the UTC calendar day used to key counters.
func Day(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

func remaining(limit, count int) int {
	if count >= limit {
		return 0
	}
	return limit - count
}

func validateKey(userID, day string) error {
	if strings.TrimSpace(userID) == "" {
		return errUserRequired
	}
	if _, err := time.Parse(dayLayout, day); err != nil {
		return errors.New("quota: day must be formatted as YYYY-MM-DD")
	}
	return nil
}
