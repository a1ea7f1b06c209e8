package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const statsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	duration_seconds INTEGER NOT NULL,
	backend TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS session_tunnels (
	session_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	PRIMARY KEY(session_id, provider),
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
`

// UsageRecord is one finished serve session
type UsageRecord struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration
	Backend   string
	Providers []string
}

// UsageSummary aggregates all recorded sessions
type UsageSummary struct {
	Sessions    int
	TotalTime   time.Duration
	LastStarted time.Time
	ByProvider  map[string]int
	ByBackend   map[string]int
}

// StatsStore keeps usage statistics in SQLite
type StatsStore struct {
	db *sqlx.DB
}

// OpenStatsStore opens (and creates) the database at path
func OpenStatsStore(path string) (*StatsStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create stats directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open stats database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(statsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize stats database: %w", err)
	}
	return &StatsStore{db: db}, nil
}

// Close releases the database
func (s *StatsStore) Close() error {
	return s.db.Close()
}

// RecordSession stores one finished session with the providers that were active
func (s *StatsStore) RecordSession(rec UsageRecord) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT OR REPLACE INTO sessions (id, started_at, duration_seconds, backend) VALUES ($1, $2, $3, $4)",
		rec.ID, rec.StartedAt.Unix(), int64(rec.Duration/time.Second), rec.Backend,
	)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}

	for _, provider := range rec.Providers {
		if _, err := tx.Exec("INSERT OR IGNORE INTO session_tunnels (session_id, provider) VALUES ($1, $2)", rec.ID, provider); err != nil {
			return fmt.Errorf("failed to record tunnel: %w", err)
		}
	}
	return tx.Commit()
}

// Summary aggregates every recorded session
func (s *StatsStore) Summary() (*UsageSummary, error) {
	summary := &UsageSummary{
		ByProvider: make(map[string]int),
		ByBackend:  make(map[string]int),
	}

	var totals struct {
		Sessions int   `db:"sessions"`
		Seconds  int64 `db:"seconds"`
		Last     int64 `db:"last"`
	}
	err := s.db.Get(&totals, `SELECT COUNT(*) AS sessions,
		COALESCE(SUM(duration_seconds), 0) AS seconds,
		COALESCE(MAX(started_at), 0) AS last
		FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	summary.Sessions = totals.Sessions
	summary.TotalTime = time.Duration(totals.Seconds) * time.Second
	if totals.Last > 0 {
		summary.LastStarted = time.Unix(totals.Last, 0)
	}

	var counts []struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}
	if err := s.db.Select(&counts, "SELECT provider AS key, COUNT(*) AS count FROM session_tunnels GROUP BY provider"); err != nil {
		return nil, fmt.Errorf("failed to read provider stats: %w", err)
	}
	for _, c := range counts {
		summary.ByProvider[c.Key] = c.Count
	}

	counts = counts[:0]
	if err := s.db.Select(&counts, "SELECT backend AS key, COUNT(*) AS count FROM sessions GROUP BY backend"); err != nil {
		return nil, fmt.Errorf("failed to read backend stats: %w", err)
	}
	for _, c := range counts {
		summary.ByBackend[c.Key] = c.Count
	}

	return summary, nil
}
