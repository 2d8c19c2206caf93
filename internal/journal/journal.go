// Package journal records orchestration runs and per-chunk outcomes in SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Coffee285/azure-tts-batch-studio-sub000/internal/config"
)

var ErrRunNotFound = errors.New("run not found")

const (
	StatusRunning  = "running"
	StatusDone     = "done"
	StatusPartial  = "partial"
	StatusFailed   = "failed"
	StatusRendered = "rendered"
)

// Run is one ProcessWithAdaptiveBudget invocation.
type Run struct {
	ID               string
	InputKind        string
	MergeMode        string
	TargetChunkChars int
	Status           string
	Output           string
	Error            string
	CreatedAt        time.Time
}

// ChunkEvent is the outcome of one chunk in one pass.
type ChunkEvent struct {
	ID           int64
	RunID        string
	Pass         int
	Index        int
	Status       string
	Attempts     int
	PayloadChars int
	Error        string
	CreatedAt    time.Time
}

type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal. Ephemeral mode keeps nothing.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    input_kind TEXT,
    merge_mode TEXT,
    target_chunk_chars INTEGER,
    status TEXT NOT NULL,
    output TEXT,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS chunk_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    pass INTEGER NOT NULL,
    chunk_index INTEGER NOT NULL,
    status TEXT NOT NULL,
    attempts INTEGER,
    payload_chars INTEGER,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_chunk_events_run ON chunk_events(run_id, pass, chunk_index);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) enabled() bool {
	return s != nil && s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) StartRun(ctx context.Context, run Run) error {
	if !s.enabled() {
		return nil
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.clock().UTC()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, input_kind, merge_mode, target_chunk_chars, status, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET status=excluded.status`,
		run.ID, run.InputKind, run.MergeMode, run.TargetChunkChars, run.Status, run.CreatedAt)
	return err
}

func (s *Store) RecordChunk(ctx context.Context, evt ChunkEvent) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunk_events(run_id, pass, chunk_index, status, attempts, payload_chars, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.RunID, evt.Pass, evt.Index, evt.Status, evt.Attempts, evt.PayloadChars, evt.Error, evt.CreatedAt)
	return err
}

// FinishRun stores the terminal state of a run and the budget it ended on.
func (s *Store) FinishRun(ctx context.Context, runID, status string, targetChunkChars int, output, errMsg string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, target_chunk_chars = ?, output = ?, error = ?, finished_at = ? WHERE run_id = ?`,
		status, targetChunkChars, output, errMsg, s.clock().UTC(), runID)
	return err
}

func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	if !s.enabled() {
		return Run{}, ErrRunNotFound
	}
	var (
		r                    Run
		output, errMsg       sql.NullString
		inputKind, mergeMode sql.NullString
		created              string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, input_kind, merge_mode, target_chunk_chars, status, output, error, created_at
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&r.ID, &inputKind, &mergeMode, &r.TargetChunkChars, &r.Status, &output, &errMsg, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, err
	}
	r.InputKind, r.MergeMode = inputKind.String, mergeMode.String
	r.Output, r.Error = output.String, errMsg.String
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		r.CreatedAt = ts
	}
	return r, nil
}

// ListChunkEvents returns up to limit events for a run ordered by pass and index.
func (s *Store) ListChunkEvents(ctx context.Context, runID string, limit int) ([]ChunkEvent, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, pass, chunk_index, status, attempts, payload_chars, error, created_at
		 FROM chunk_events WHERE run_id = ? ORDER BY pass ASC, chunk_index ASC, id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ChunkEvent
	for rows.Next() {
		var (
			e       ChunkEvent
			errMsg  sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Pass, &e.Index, &e.Status, &e.Attempts, &e.PayloadChars, &errMsg, &created); err != nil {
			return nil, err
		}
		e.Error = errMsg.String
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies retention_days and max_runs.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM chunk_events WHERE run_id NOT IN (SELECT run_id FROM runs)`); err != nil {
		return err
	}
	return tx.Commit()
}
