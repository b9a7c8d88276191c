// Package history archives terminal build runs in SQLite so run records
// survive profile deletion and stay queryable beyond the last_run snapshot
// the profile store keeps.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one archived terminal run.
type Entry struct {
	RunID       string
	Profile     string
	Status      string
	StartTime   time.Time
	EndTime     time.Time
	ExitCode    *int
	Commit      string
	LogFile     string
	OutcomeNote string
}

// Store is a SQLite-backed run archive.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (and initializes) the archive database.
// Use ":memory:" for an in-memory database, or a file path for persistence.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL UNIQUE,
		profile TEXT NOT NULL,
		status TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		exit_code INTEGER,
		commit_hash TEXT,
		log_file TEXT,
		outcome_note TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_profile ON runs(profile);
	CREATE INDEX IF NOT EXISTS idx_runs_start_time ON runs(start_time);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append archives one terminal run.
func (s *Store) Append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exitCode sql.NullInt64
	if e.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*e.ExitCode), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, profile, status, start_time, end_time, exit_code, commit_hash, log_file, outcome_note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Profile, e.Status,
		e.StartTime.UTC().Unix(), e.EndTime.UTC().Unix(),
		exitCode, e.Commit, e.LogFile, e.OutcomeNote,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// ForProfile returns up to limit archived runs for a profile, newest first.
func (s *Store) ForProfile(ctx context.Context, profile string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, profile, status, start_time, end_time, exit_code, commit_hash, log_file, outcome_note
		 FROM runs WHERE profile = ? ORDER BY start_time DESC, id DESC LIMIT ?`,
		profile, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			start, end int64
			exitCode   sql.NullInt64
		)
		if err := rows.Scan(&e.RunID, &e.Profile, &e.Status, &start, &end, &exitCode, &e.Commit, &e.LogFile, &e.OutcomeNote); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		e.StartTime = time.Unix(start, 0).UTC()
		e.EndTime = time.Unix(end, 0).UTC()
		if exitCode.Valid {
			code := int(exitCode.Int64)
			e.ExitCode = &code
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close shuts down the archive.
func (s *Store) Close() error {
	return s.db.Close()
}
