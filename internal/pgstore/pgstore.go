// Package pgstore stores session archives in PostgreSQL, for deployments
// where several serving hosts share archives.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/lockstep/internal/journal"
)

const schema = `
CREATE TABLE IF NOT EXISTS lockstep_archive_fragments (
    session_id  TEXT   NOT NULL,
    byte_offset BIGINT NOT NULL,
    data        BYTEA  NOT NULL,
    PRIMARY KEY (session_id, byte_offset)
)`

// Backend implements journal.Backend and journal.Lister on a pgx pool.
type Backend struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the archive table exists.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create archive table: %w", err)
	}
	return &Backend{pool: pool}, nil
}

// Close releases the pool.
func (b *Backend) Close() {
	b.pool.Close()
}

// Append writes fragment after the current end of the archive. A
// per-session advisory lock serializes concurrent writers.
func (b *Backend) Append(ctx context.Context, sessionID string, fragment []byte) error {
	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); err != nil {
			return fmt.Errorf("append archive: %w", err)
		}
		var size int64
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(length(data)), 0) FROM lockstep_archive_fragments WHERE session_id = $1
		`, sessionID).Scan(&size); err != nil {
			return fmt.Errorf("append archive: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO lockstep_archive_fragments (session_id, byte_offset, data) VALUES ($1, $2, $3)
		`, sessionID, size, fragment); err != nil {
			return fmt.Errorf("append archive: %w", err)
		}
		return nil
	})
}

// Load concatenates the session's fragments in offset order.
func (b *Backend) Load(ctx context.Context, sessionID string) ([]byte, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT data FROM lockstep_archive_fragments
		WHERE session_id = $1
		ORDER BY byte_offset ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load archive: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("load archive: %w", err)
	}
	if len(chunks) == 0 {
		return nil, journal.ErrNotFound
	}
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}

// Truncate cuts the archive to its first size bytes.
func (b *Backend) Truncate(ctx context.Context, sessionID string, size int64) error {
	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); err != nil {
			return fmt.Errorf("truncate archive: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM lockstep_archive_fragments WHERE session_id = $1 AND byte_offset >= $2
		`, sessionID, size); err != nil {
			return fmt.Errorf("truncate archive: %w", err)
		}

		var offset int64
		var data []byte
		err := tx.QueryRow(ctx, `
			SELECT byte_offset, data FROM lockstep_archive_fragments
			WHERE session_id = $1 AND byte_offset < $2 AND byte_offset + length(data) > $2
		`, sessionID, size).Scan(&offset, &data)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil
		case err != nil:
			return fmt.Errorf("truncate archive: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE lockstep_archive_fragments SET data = $3 WHERE session_id = $1 AND byte_offset = $2
		`, sessionID, offset, data[:size-offset]); err != nil {
			return fmt.Errorf("truncate archive: %w", err)
		}
		return nil
	})
}

// Remove deletes the session's archive.
func (b *Backend) Remove(ctx context.Context, sessionID string) error {
	if _, err := b.pool.Exec(ctx, `
		DELETE FROM lockstep_archive_fragments WHERE session_id = $1
	`, sessionID); err != nil {
		return fmt.Errorf("remove archive: %w", err)
	}
	return nil
}

// List returns the IDs of sessions with an archive, sorted.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT DISTINCT session_id FROM lockstep_archive_fragments ORDER BY session_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	return ids, nil
}

var (
	_ journal.Backend = (*Backend)(nil)
	_ journal.Lister  = (*Backend)(nil)
)
