package storage

import (
	"context"
	"time"

	"bossbot/pkg/logx"
)

// Store is the persistence API consumed by the scheduler and the dispatcher.
// It is the single source of truth for alert state; callers hold no alert
// state between calls, which is what makes the pipeline restart-safe.
type Store interface {
	// InsertIfAbsent inserts the alert unless one with the same
	// SourceEventID already exists. It reports whether a row was inserted.
	// The check-and-insert is a single atomic statement; concurrent calls
	// for the same event yield exactly one row.
	InsertIfAbsent(ctx context.Context, a Alert) (bool, error)

	// ClaimDue atomically claims every alert that is due at now and not yet
	// fired or claimed, and returns the claimed set. Each alert is handed to
	// exactly one caller even when ClaimDue runs concurrently.
	ClaimDue(ctx context.Context, now time.Time) ([]Alert, error)

	// MarkFired stamps fired_at. Calling it again for an already fired
	// alert is a no-op and leaves the original timestamp untouched.
	MarkFired(ctx context.Context, id int64, firedAt time.Time) error

	// ReleaseClaim returns an unfired alert to the pending state so a later
	// tick retries it.
	ReleaseClaim(ctx context.Context, id int64) error

	// ReleaseStale releases unfired claims older than the cutoff. It
	// recovers alerts orphaned by a crash between claim and send, and
	// reports how many were released.
	ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Open initializes the sqlite-backed store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
