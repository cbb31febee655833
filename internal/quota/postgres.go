package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const quotaSchemaSQL = `
CREATE TABLE IF NOT EXISTS quota_counters (
	user_id TEXT NOT NULL,
	day TEXT NOT NULL,
	count INTEGER NOT NULL CHECK (count >= 0),
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, day)
);
CREATE INDEX IF NOT EXISTS quota_counters_expires_at_idx ON quota_counters (expires_at);
`

// PostgresLedger relies on a conditional upsert: the row is only incremented
// while count is below the limit, and no returned row means the reservation
// was refused.
type PostgresLedger struct {
	db        *sqlx.DB
	retention time.Duration
	now       func() time.Time
}

func NewPostgresLedger(ctx context.Context, db *sqlx.DB, retention time.Duration) (*PostgresLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres connection is required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}

	l := &PostgresLedger{db: db, retention: retention, now: time.Now}
	if err := l.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, quotaSchemaSQL); err != nil {
		return fmt.Errorf("ensure quota schema: %w", err)
	}
	return nil
}

func (l *PostgresLedger) TryReserve(ctx context.Context, userID, day string, limit int) (Reservation, error) {
	if err := validateKey(userID, day); err != nil {
		return Reservation{}, err
	}
	if limit <= 0 {
		return Reservation{Allowed: false, Remaining: 0}, nil
	}

	now := l.now().UTC()
	var count int
	err := l.db.QueryRowxContext(
		ctx,
		`INSERT INTO quota_counters (user_id, day, count, updated_at, expires_at)
		 VALUES ($1, $2, 1, $3, $4)
		 ON CONFLICT (user_id, day) DO UPDATE
		 SET count = quota_counters.count + 1,
		     updated_at = EXCLUDED.updated_at,
		     expires_at = EXCLUDED.expires_at
		 WHERE quota_counters.count < $5
		 RETURNING count`,
		userID,
		day,
		now,
		now.Add(l.retention),
		limit,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{Allowed: false, Remaining: 0}, nil
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve quota: %w", err)
	}
	return Reservation{Allowed: true, Remaining: remaining(limit, count)}, nil
}

func (l *PostgresLedger) Release(ctx context.Context, userID, day string) error {
	if err := validateKey(userID, day); err != nil {
		return err
	}
	_, err := l.db.ExecContext(
		ctx,
		`UPDATE quota_counters
		 SET count = count - 1, updated_at = $3
		 WHERE user_id = $1 AND day = $2 AND count > 0`,
		userID,
		day,
		l.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Usage(ctx context.Context, userID, day string) (int, error) {
	if err := validateKey(userID, day); err != nil {
		return 0, err
	}
	var count int
	err := l.db.GetContext(ctx, &count, `SELECT count FROM quota_counters WHERE user_id = $1 AND day = $2`, userID, day)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota counter: %w", err)
	}
	return count, nil
}

// PurgeExpired deletes counters past their retention window.
func (l *PostgresLedger) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM quota_counters WHERE expires_at < $1`, l.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired quota counters: %w", err)
	}
	return res.RowsAffected()
}
