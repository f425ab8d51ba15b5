package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/lockstep/internal/journal"
)

// ArchiveBackend stores session archives in the archive_fragments table.
// It implements journal.Backend and journal.Lister.
type ArchiveBackend struct {
	store *Store
}

// Archives returns the archive backend of s.
func (s *Store) Archives() *ArchiveBackend {
	return &ArchiveBackend{store: s}
}

// Append writes fragment after the current end of the session's archive.
func (b *ArchiveBackend) Append(ctx context.Context, sessionID string, fragment []byte) error {
	tx, err := b.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append archive: %w", err)
	}
	defer tx.Rollback()

	var size int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(length(data)), 0) FROM archive_fragments WHERE session_id = ?
	`, sessionID).Scan(&size); err != nil {
		return fmt.Errorf("append archive: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO archive_fragments (session_id, byte_offset, data) VALUES (?, ?, ?)
	`, sessionID, size, fragment); err != nil {
		return fmt.Errorf("append archive: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append archive: %w", err)
	}
	return nil
}

// Load concatenates the session's fragments in offset order.
func (b *ArchiveBackend) Load(ctx context.Context, sessionID string) ([]byte, error) {
	rows, err := b.store.db.QueryContext(ctx, `
		SELECT data FROM archive_fragments
		WHERE session_id = ?
		ORDER BY byte_offset ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load archive: %w", err)
	}
	defer rows.Close()

	var buf bytes.Buffer
	found := false
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("load archive: %w", err)
		}
		buf.Write(data)
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load archive: %w", err)
	}
	if !found {
		return nil, journal.ErrNotFound
	}
	return buf.Bytes(), nil
}

// Truncate cuts the archive to its first size bytes.
func (b *ArchiveBackend) Truncate(ctx context.Context, sessionID string, size int64) error {
	tx, err := b.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("truncate archive: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM archive_fragments WHERE session_id = ? AND byte_offset >= ?
	`, sessionID, size); err != nil {
		return fmt.Errorf("truncate archive: %w", err)
	}

	// A fragment straddling the cut keeps only its head.
	var offset int64
	var data []byte
	err = tx.QueryRowContext(ctx, `
		SELECT byte_offset, data FROM archive_fragments
		WHERE session_id = ? AND byte_offset < ? AND byte_offset + length(data) > ?
	`, sessionID, size, size).Scan(&offset, &data)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("truncate archive: %w", err)
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE archive_fragments SET data = ? WHERE session_id = ? AND byte_offset = ?
		`, data[:size-offset], sessionID, offset); err != nil {
			return fmt.Errorf("truncate archive: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("truncate archive: %w", err)
	}
	return nil
}

// Remove deletes the session's archive.
func (b *ArchiveBackend) Remove(ctx context.Context, sessionID string) error {
	if _, err := b.store.db.ExecContext(ctx, `
		DELETE FROM archive_fragments WHERE session_id = ?
	`, sessionID); err != nil {
		return fmt.Errorf("remove archive: %w", err)
	}
	return nil
}

// List returns the IDs of sessions with an archive, sorted.
func (b *ArchiveBackend) List(ctx context.Context) ([]string, error) {
	rows, err := b.store.db.QueryContext(ctx, `
		SELECT DISTINCT session_id FROM archive_fragments ORDER BY session_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list archives: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var (
	_ journal.Backend = (*ArchiveBackend)(nil)
	_ journal.Lister  = (*ArchiveBackend)(nil)
)
