// Package history persists pipeline run results in a SQLite database under
// .forge/.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"monoforge/internal/logging"
	"monoforge/internal/pipeline"

	_ "github.com/mattn/go-sqlite3"
)

// Store manages the run history database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Run is a persisted pipeline run.
type Run struct {
	ID        string
	Trigger   string
	Status    string
	StartedAt time.Time
	Duration  time.Duration
	Targets   int
}

// Step is a persisted step result.
type Step struct {
	RunID    string
	Target   string
	Command  string
	Status   string
	Reason   string
	ExitCode int
	Duration time.Duration
	Output   string
}

// NewStore creates or opens a run history store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// initSchema creates the database schema.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		cause TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		targets INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS steps (
		run_id TEXT NOT NULL,
		target TEXT NOT NULL,
		command TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		exit_code INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		output_tail TEXT,
		PRIMARY KEY (run_id, target),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// outputTailLimit caps the output stored per step. Full output lives in the
// terminal; history keeps enough to diagnose a failure.
const outputTailLimit = 4096

// RecordRun persists a run and its steps in one transaction.
func (s *Store) RecordRun(result *pipeline.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryHistory, "record_run")
	defer timer.Stop()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO runs (id, cause, status, started_at, duration_ms, targets)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		result.ID, result.Trigger, string(result.Status()),
		result.StartedAt.UTC(), result.Duration.Milliseconds(), len(result.Steps),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, step := range result.Steps {
		tail := step.Output
		if len(tail) > outputTailLimit {
			tail = tail[len(tail)-outputTailLimit:]
		}
		_, err = tx.Exec(
			`INSERT INTO steps (run_id, target, command, status, reason, exit_code, duration_ms, output_tail)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			result.ID, step.Target, step.Command, string(step.Status),
			step.Reason, step.ExitCode, step.Duration.Milliseconds(), tail,
		)
		if err != nil {
			return fmt.Errorf("failed to insert step %s: %w", step.Target, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	logging.History("recorded run %s (%d steps)", result.ID, len(result.Steps))
	return nil
}

// RecentRuns returns the most recent runs, newest first.
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT id, cause, status, started_at, duration_ms, targets
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var durationMs int64
		if err := rows.Scan(&r.ID, &r.Trigger, &r.Status, &r.StartedAt, &durationMs, &r.Targets); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunDetail returns one run and its steps. The id may be a unique prefix.
func (s *Store) RunDetail(id string) (*Run, []Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r Run
	var durationMs int64
	err := s.db.QueryRow(
		`SELECT id, cause, status, started_at, duration_ms, targets
		 FROM runs WHERE id LIKE ? ORDER BY started_at DESC LIMIT 1`,
		id+"%",
	).Scan(&r.ID, &r.Trigger, &r.Status, &r.StartedAt, &durationMs, &r.Targets)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("no run matching %q", id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query run: %w", err)
	}
	r.Duration = time.Duration(durationMs) * time.Millisecond

	rows, err := s.db.Query(
		`SELECT run_id, target, command, status, reason, exit_code, duration_ms, output_tail
		 FROM steps WHERE run_id = ?`, r.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var stepMs int64
		var reason, tail sql.NullString
		if err := rows.Scan(&st.RunID, &st.Target, &st.Command, &st.Status, &reason, &st.ExitCode, &stepMs, &tail); err != nil {
			return nil, nil, fmt.Errorf("failed to scan step: %w", err)
		}
		st.Reason = reason.String
		st.Output = tail.String
		st.Duration = time.Duration(stepMs) * time.Millisecond
		steps = append(steps, st)
	}
	return &r, steps, rows.Err()
}

// Prune deletes all but the newest keep runs and their steps.
func (s *Store) Prune(keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keep < 0 {
		keep = 0
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`DELETE FROM steps WHERE run_id NOT IN
		 (SELECT id FROM runs ORDER BY started_at DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune steps: %w", err)
	}

	res, err := tx.Exec(
		`DELETE FROM runs WHERE id NOT IN
		 (SELECT id FROM runs ORDER BY started_at DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	deleted, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	if deleted > 0 {
		logging.History("pruned %d runs (keep %d)", deleted, keep)
	}
	return deleted, nil
}

// Stats summarizes the stored runs.
type Stats struct {
	TotalRuns  int
	Passed     int
	Failed     int
	LastRun    time.Time
	LastStatus string
}

// GetStats returns aggregate statistics over the stored runs.
func (s *Store) GetStats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{}
	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'passed' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		 FROM runs`).Scan(&stats.TotalRuns, &stats.Passed, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}

	if stats.TotalRuns > 0 {
		err = s.db.QueryRow(
			`SELECT started_at, status FROM runs ORDER BY started_at DESC LIMIT 1`,
		).Scan(&stats.LastRun, &stats.LastStatus)
		if err != nil {
			return nil, fmt.Errorf("failed to query last run: %w", err)
		}
	}

	return stats, nil
}
