package storage

// Package storage persists countdown alerts in SQLite.
//
// It owns the alert life cycle on disk:
//   - idempotent inserts keyed by the originating message id
//   - atomic claim of due alerts for the dispatcher
//   - the one-way pending -> fired transition
