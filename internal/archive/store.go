// Package archive persists finalized transcript entries to PostgreSQL.
//
// [Store] owns a [pgxpool.Pool] and the transcript_entries table. [Queue]
// wraps any [Writer] in a bounded asynchronous buffer so the engine's event
// dispatch never waits on the database.
//
// Usage:
//
//	store, err := archive.Open(ctx, dsn)
//	if err != nil { ... }
//	q := archive.NewQueue(store)
//	eng := engine.New(conn, mic, out, engine.WithSink(q))
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livevox/internal/transcript"
	"github.com/MrWong99/livevox/pkg/transport"
)

const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id         BIGSERIAL    PRIMARY KEY,
    session_id TEXT         NOT NULL,
    role       TEXT         NOT NULL,
    text       TEXT         NOT NULL,
    timestamp  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_timestamp
    ON transcript_entries (session_id, timestamp);`

// Writer stores a batch of entries for one session.
type Writer interface {
	Write(ctx context.Context, sessionID string, entries []transcript.Entry) error
}

var _ Writer = (*Store)(nil)

// Store is the PostgreSQL transcript archive. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database at dsn, verifies the connection and runs
// [Migrate].
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the transcript_entries table and its index if missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Write inserts entries for sessionID in one batch, preserving their order.
func (s *Store) Write(ctx context.Context, sessionID string, entries []transcript.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	const q = `
		INSERT INTO transcript_entries (session_id, role, text, timestamp)
		VALUES ($1, $2, $3, $4)`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(q, sessionID, string(e.Role), e.Text, e.Timestamp)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("archive: write: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest entries for sessionID, oldest
// first. A limit of zero or less returns every entry.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]transcript.Entry, error) {
	q := `
		SELECT role, text, timestamp FROM (
		    SELECT id, role, text, timestamp
		    FROM   transcript_entries
		    WHERE  session_id = $1
		    ORDER  BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += "\n\t\t    LIMIT $2"
		args = append(args, limit)
	}
	q += "\n\t\t) recent ORDER BY id"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e    transcript.Entry
			role string
		)
		if err := row.Scan(&role, &e.Text, &e.Timestamp); err != nil {
			return transcript.Entry{}, err
		}
		e.Role = transport.Role(role)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	return entries, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
