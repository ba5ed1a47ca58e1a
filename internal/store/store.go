// Package store persists run summaries and queue samples to SQLite so runs
// can be compared after the fact.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/NodePath81/bufferbloat/internal/qmon"
	"github.com/NodePath81/bufferbloat/internal/stats"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	preset      TEXT NOT NULL,
	bw_host     REAL NOT NULL,
	bw_net      REAL NOT NULL,
	delay_ms    REAL NOT NULL,
	maxq        INTEGER NOT NULL,
	duration_s  INTEGER NOT NULL,
	congestion  TEXT NOT NULL,
	state       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS summaries (
	run_id  TEXT NOT NULL REFERENCES runs(id),
	kind    TEXT NOT NULL,
	client  TEXT NOT NULL,
	count   INTEGER NOT NULL,
	mean    REAL,
	std     REAL,
	PRIMARY KEY (run_id, kind, client)
);
CREATE TABLE IF NOT EXISTS queue_samples (
	run_id  TEXT NOT NULL REFERENCES runs(id),
	elapsed REAL NOT NULL,
	depth   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS queue_samples_run ON queue_samples(run_id);
`

// Summary kinds.
const (
	KindFetch = "fetch"
	KindPing  = "ping"
)

// Run describes one experiment for the runs table.
type Run struct {
	ID         string
	StartedAt  time.Time
	Preset     string
	BwHostMbps float64
	BwNetMbps  float64
	DelayMs    float64
	MaxQueue   int
	Duration   time.Duration
	Congestion string
}

type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) BeginRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs
		(id, started_at, preset, bw_host, bw_net, delay_ms, maxq, duration_s, congestion, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UnixMilli(), r.Preset, r.BwHostMbps, r.BwNetMbps, r.DelayMs,
		r.MaxQueue, int64(r.Duration/time.Second), r.Congestion, "running")
	return err
}

func (s *Store) FinishRun(ctx context.Context, id, state string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET finished_at = ?, state = ? WHERE id = ?`,
		at.UnixMilli(), state, id)
	return err
}

// SaveSummaries writes summaries of one kind in a single transaction. Mean
// and std are NULL for clients with no samples.
func (s *Store) SaveSummaries(ctx context.Context, runID, kind string, summaries []stats.Summary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO summaries
		(run_id, kind, client, count, mean, std) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, sum := range summaries {
		var mean, std sql.NullFloat64
		if !sum.NoSamples {
			mean = sql.NullFloat64{Float64: sum.Mean, Valid: true}
			std = sql.NullFloat64{Float64: sum.Std, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, runID, kind, sum.Client, sum.Count, mean, std); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) SaveQueueSamples(ctx context.Context, runID string, samples []qmon.Sample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO queue_samples (run_id, elapsed, depth) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, sample := range samples {
		if _, err := stmt.ExecContext(ctx, runID, sample.Elapsed.Seconds(), sample.Depth); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Summaries reads back one run's summaries of a kind, ordered by client. The
// readers below are for inspecting a results database after a run; the
// controller only writes.
func (s *Store) Summaries(ctx context.Context, runID, kind string) ([]stats.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT client, count, mean, std FROM summaries
		WHERE run_id = ? AND kind = ? ORDER BY client`, runID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []stats.Summary
	for rows.Next() {
		var sum stats.Summary
		var mean, std sql.NullFloat64
		if err := rows.Scan(&sum.Client, &sum.Count, &mean, &std); err != nil {
			return nil, err
		}
		sum.NoSamples = !mean.Valid
		sum.Mean, sum.Std = mean.Float64, std.Float64
		out = append(out, sum)
	}
	return out, rows.Err()
}

// RunState returns a run's recorded state.
func (s *Store) RunState(ctx context.Context, runID string) (string, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM runs WHERE id = ?`, runID).Scan(&state)
	return state, err
}

// QueueSampleCount returns how many queue samples a run stored.
func (s *Store) QueueSampleCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_samples WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}
