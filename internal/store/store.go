// Package store keeps the run ledger: one row per pipeline invocation and
// one per stage outcome, in a sqlite database under the user's home. The
// ledger is bookkeeping only; the manifest remains the source of truth for
// artifact state.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    input_path   TEXT NOT NULL,
    input_sha256 TEXT NOT NULL,
    work_dir     TEXT NOT NULL,
    command      TEXT NOT NULL,
    status       TEXT NOT NULL,
    started_at   TIMESTAMP NOT NULL,
    ended_at     TIMESTAMP,
    error        TEXT
);

CREATE TABLE IF NOT EXISTS stage_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id),
    stage       TEXT NOT NULL,
    outcome     TEXT NOT NULL,
    fingerprint TEXT,
    error       TEXT,
    recorded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stage_events_run ON stage_events(run_id);
`

// DB wraps the sqlite connection.
type DB struct {
	*sql.DB
}

// Open connects to the ledger database, creating directories and schema as
// needed.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize ledger schema: %w", err)
	}
	return &DB{DB: db}, nil
}

// Run is one ledger row.
type Run struct {
	ID          string
	InputPath   string
	InputSHA256 string
	WorkDir     string
	Command     string
	Status      string
	StartedAt   time.Time
	EndedAt     *time.Time
	Error       string
}

// StageEvent is one stage outcome row.
type StageEvent struct {
	RunID       string
	Stage       string
	Outcome     string
	Fingerprint string
	Error       string
	RecordedAt  time.Time
}

// BeginRun inserts a running row and returns its id.
func (db *DB) BeginRun(ctx context.Context, inputPath, inputSHA, workDir, command string) (string, error) {
	id := uuid.New().String()
	_, err := db.ExecContext(ctx, `
		INSERT INTO runs (id, input_path, input_sha256, work_dir, command, status, started_at)
		VALUES (?, ?, ?, ?, ?, 'running', ?)`,
		id, inputPath, inputSHA, workDir, command, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// FinishRun stamps the final status and optional error.
func (db *DB) FinishRun(ctx context.Context, id, status, errText string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ?, error = ? WHERE id = ?`,
		status, time.Now().UTC(), nullable(errText), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// RecordStage appends a stage outcome to a run.
func (db *DB) RecordStage(ctx context.Context, ev StageEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO stage_events (run_id, stage, outcome, fingerprint, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Stage, ev.Outcome, nullable(ev.Fingerprint), nullable(ev.Error), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record stage event: %w", err)
	}
	return nil
}

// RecentRuns lists the latest runs, newest first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, input_path, input_sha256, work_dir, command, status, started_at, ended_at, error
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var ended sql.NullTime
		var errText sql.NullString
		if err := rows.Scan(&r.ID, &r.InputPath, &r.InputSHA256, &r.WorkDir, &r.Command, &r.Status, &r.StartedAt, &ended, &errText); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			r.EndedAt = &t
		}
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// StageEvents lists a run's stage outcomes in order.
func (db *DB) StageEvents(ctx context.Context, runID string) ([]StageEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, stage, outcome, fingerprint, error, recorded_at
		FROM stage_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}
	defer rows.Close()

	var out []StageEvent
	for rows.Next() {
		var ev StageEvent
		var fp, errText sql.NullString
		if err := rows.Scan(&ev.RunID, &ev.Stage, &ev.Outcome, &fp, &errText, &ev.RecordedAt); err != nil {
			return nil, err
		}
		ev.Fingerprint = fp.String
		ev.Error = errText.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
