package report

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	module       TEXT NOT NULL,
	target       TEXT NOT NULL,
	runner       TEXT NOT NULL,
	cpu          INTEGER NOT NULL,
	stage        TEXT NOT NULL,
	failed_stage TEXT,
	passed       INTEGER NOT NULL,
	error        TEXT,
	error_kind   TEXT,
	started_at   INTEGER NOT NULL,
	duration_ns  INTEGER NOT NULL,
	stages       TEXT,
	result_size  INTEGER NOT NULL,
	result       BLOB
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_runs_module ON runs(module);
`

// SQLiteStore keeps run results in a single-table SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open report db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save inserts or replaces result.
func (s *SQLiteStore) Save(result *RunResult) error {
	stages, err := json.Marshal(result.Stages)
	if err != nil {
		return fmt.Errorf("marshalling stages of %s: %w", result.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO runs (id, module, target, runner, cpu, stage, failed_stage,
			passed, error, error_kind, started_at, duration_ns, stages, result_size, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, result.ID, result.Module, result.Target, result.Runner, result.CPU, result.Stage, result.FailedStage,
		result.Passed, result.Error, result.ErrorKind, result.StartedAt.UnixNano(), int64(result.Duration),
		string(stages), int64(result.ResultSize), result.Result)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", result.ID, err)
	}
	return nil
}

const selectRuns = `SELECT id, module, target, runner, cpu, stage, failed_stage, passed, error,
	error_kind, started_at, duration_ns, stages, result_size, result FROM runs`

// Load returns the run with the given ID.
func (s *SQLiteStore) Load(runID string) (*RunResult, error) {
	r, err := scanRun(s.db.QueryRow(selectRuns+` WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}
	return r, nil
}

// List returns up to limit runs, most recent first. A limit <= 0 returns
// everything.
func (s *SQLiteStore) List(limit int) ([]*RunResult, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(selectRuns+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*RunResult
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunResult, error) {
	var (
		r                       RunResult
		failedStage, msg, kind  sql.NullString
		stages                  sql.NullString
		started, duration, size int64
	)
	err := row.Scan(&r.ID, &r.Module, &r.Target, &r.Runner, &r.CPU, &r.Stage, &failedStage, &r.Passed,
		&msg, &kind, &started, &duration, &stages, &size, &r.Result)
	if err != nil {
		return nil, err
	}
	r.FailedStage = failedStage.String
	r.Error = msg.String
	r.ErrorKind = kind.String
	r.StartedAt = time.Unix(0, started)
	r.Duration = time.Duration(duration)
	r.ResultSize = uint64(size)
	if stages.Valid && stages.String != "" && stages.String != "null" {
		if err := json.Unmarshal([]byte(stages.String), &r.Stages); err != nil {
			return nil, fmt.Errorf("decoding stages of %s: %w", r.ID, err)
		}
	}
	return &r, nil
}
