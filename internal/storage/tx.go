package storage

import (
	"context"
	"database/sql"
	"math/rand/v2"
	"strings"
	"time"
)

// Tx runs fn inside a transaction. SQLITE_BUSY failures retry the whole
// transaction with a short jittered backoff.
func (d *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return RetryOnBusy(ctx, 5, func() error {
		tx, err := d.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// RetryOnBusy retries f while SQLite reports BUSY or LOCKED.
func RetryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const (
		baseDelay = 50 * time.Millisecond
		maxDelay  = 500 * time.Millisecond
	)
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !IsBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// +-25% jitter
		delay = delay - delay/4 + time.Duration(rand.Int64N(int64(delay/2)+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// IsBusy reports SQLITE_BUSY (5) / SQLITE_LOCKED (6) by message; the driver
// error type is not part of its stable API.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// Millis converts t to unix milliseconds for storage.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// NullMillis stores a nil pointer or zero time as NULL.
func NullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// FromMillis converts a stored value back to a UTC time.
func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// TimePtr converts a nullable stored value to *time.Time.
func TimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}

// NullString stores blank strings as NULL.
func NullString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
