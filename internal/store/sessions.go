package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when the index has no record for a session.
var ErrSessionNotFound = errors.New("session not found")

// Status is the lifecycle state recorded in the session index.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDestroyed Status = "destroyed"
)

// SessionRecord is one row of the session index. Worker is -1 for sessions
// hosted in the serving process.
type SessionRecord struct {
	ID        string
	App       string
	Worker    int
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PutSession inserts rec or replaces the mutable fields of an existing row.
func (s *Store) PutSession(ctx context.Context, rec SessionRecord) error {
	now := time.Now().UnixMilli()
	created := now
	if !rec.CreatedAt.IsZero() {
		created = rec.CreatedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, app, worker, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			app = excluded.app,
			worker = excluded.worker,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, rec.ID, rec.App, rec.Worker, string(rec.Status), created, now)
	if err != nil {
		return fmt.Errorf("put session %s: %w", rec.ID, err)
	}
	return nil
}

// SetSessionStatus updates the status of an indexed session.
func (s *Store) SetSessionStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set session status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set session status %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("set session status %s: %w", id, ErrSessionNotFound)
	}
	return nil
}

// GetSession reads one record.
func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, app, worker, status, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("get session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return rec, nil
}

// ListSessions returns indexed sessions ordered by creation, optionally
// filtered by status. An empty status lists all.
func (s *Store) ListSessions(ctx context.Context, status Status) ([]SessionRecord, error) {
	query := `
		SELECT id, app, worker, status, created_at, updated_at FROM sessions
	`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC COLLATE BINARY`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSession removes a record. Deleting a missing record is not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (SessionRecord, error) {
	var (
		rec              SessionRecord
		status           string
		created, updated int64
	)
	if err := sc.Scan(&rec.ID, &rec.App, &rec.Worker, &status, &created, &updated); err != nil {
		return SessionRecord{}, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = time.UnixMilli(created)
	rec.UpdatedAt = time.UnixMilli(updated)
	return rec, nil
}
