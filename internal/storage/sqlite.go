package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"bossbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InsertIfAbsent(ctx context.Context, a Alert) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts(source_event_id, destination_id, run_at, created_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(source_event_id) DO NOTHING`,
		a.SourceEventID, a.Destination, a.RunAt, a.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimDue is a single update-where-returning statement. Claiming and
// selecting are never two racing steps: overlapping ticks (or a second
// process on the same database) each receive a disjoint set of alerts.
func (s *sqliteStore) ClaimDue(ctx context.Context, now time.Time) ([]Alert, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	ms := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE alerts SET claimed_at = ?
		 WHERE fired_at IS NULL AND claimed_at IS NULL AND run_at <= ?
		 RETURNING id, source_event_id, destination_id, run_at, created_at, claimed_at, fired_at`,
		ms, ms,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkFired(ctx context.Context, id int64, firedAt time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET fired_at = ? WHERE id = ? AND fired_at IS NULL`,
		firedAt.UnixMilli(), id,
	)
	return err
}

func (s *sqliteStore) ReleaseClaim(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET claimed_at = NULL WHERE id = ? AND fired_at IS NULL`,
		id,
	)
	return err
}

func (s *sqliteStore) ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET claimed_at = NULL
		 WHERE fired_at IS NULL AND claimed_at IS NOT NULL AND claimed_at < ?`,
		olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanAlert(rows *sql.Rows) (Alert, error) {
	var (
		a       Alert
		claimed sql.NullInt64
		fired   sql.NullInt64
	)
	if err := rows.Scan(&a.ID, &a.SourceEventID, &a.Destination, &a.RunAt, &a.CreatedAt, &claimed, &fired); err != nil {
		return Alert{}, err
	}
	if claimed.Valid {
		v := claimed.Int64
		a.ClaimedAt = &v
	}
	if fired.Valid {
		v := fired.Int64
		a.FiredAt = &v
	}
	return a, nil
}
