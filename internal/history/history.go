// Package history records completed scheduler runs to a small append-only
// SQLite audit log. It tracks finished runs only; no in-flight dispatch
// state is persisted here, since the scheduler itself is not checkpointed.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/pipelinecore/internal/logging"
	_ "modernc.org/sqlite"
)

// Record describes one completed run.
type Record struct {
	RunID           string
	StartedAt       time.Time
	EndedAt         time.Time
	NThreads        int
	ChunksProcessed uint64
	Success         bool
	ErrorMessage    string
}

// Store is an append-only run-history log backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) a history database at dbPath. Use
// ":memory:" for an ephemeral store, e.g. in tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}

	s := &Store{db: db, logger: logging.Component(logger, "history")}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			run_id           TEXT PRIMARY KEY,
			started_at       TEXT NOT NULL,
			ended_at         TEXT NOT NULL,
			nthreads         INTEGER NOT NULL,
			chunks_processed INTEGER NOT NULL,
			success          INTEGER NOT NULL,
			error_message    TEXT NOT NULL DEFAULT ''
		)
	`)
	return err
}

// RecordRun appends one completed run to the log.
func (s *Store) RecordRun(ctx context.Context, r Record) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "run_id", r.RunID)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, ended_at, nthreads, chunks_processed, success, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID,
		r.StartedAt.Format(time.RFC3339Nano),
		r.EndedAt.Format(time.RFC3339Nano),
		r.NThreads,
		r.ChunksProcessed,
		boolToInt(r.Success),
		r.ErrorMessage,
	)
	return err
}

// RecentRuns returns up to limit most-recently-ended runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Record, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "limit", limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, started_at, ended_at, nthreads, chunks_processed, success, error_message
		 FROM runs ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var startedAt, endedAt string
		var success int
		if err := rows.Scan(&r.RunID, &startedAt, &endedAt, &r.NThreads, &r.ChunksProcessed, &success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		r.EndedAt, err = time.Parse(time.RFC3339Nano, endedAt)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
