package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures the alert store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Alert is the sole persisted entity: one row per detected announcement.
//
// Timestamps are epoch milliseconds. FiredAt is nil while the alert is
// pending and set exactly once when the notification went out. ClaimedAt
// marks a dispatch tick's exclusive ownership; it is cleared again when a
// send fails so the alert retries on a later tick.
type Alert struct {
	ID            int64
	SourceEventID string
	Destination   string
	RunAt         int64
	CreatedAt     int64
	ClaimedAt     *int64
	FiredAt       *int64
}

// Pending reports whether the alert still awaits dispatch.
func (a Alert) Pending() bool { return a.FiredAt == nil }
