package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/soniqlabs/synth-core/internal/config"
	_ "modernc.org/sqlite"
)

// Run is one recorded invocation of the synthesis pipeline.
type Run struct {
	ID         string
	RequestID  string
	NodeID     string
	Device     string
	Metadata   string
	OutputDir  string
	ExitCode   int
	Utterances int
	Verified   int
	Missing    int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// UtteranceRecord is the per-utterance verification outcome of a run.
type UtteranceRecord struct {
	RunID      string
	UttID      string
	Path       string
	OK         bool
	SampleRate int
	Frames     int
	Error      string
}

// Store wraps a SQLite-backed run journal.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. In ephemeral mode no
// database is opened and every write becomes a no-op.
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

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
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
		if err := s.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    request_id TEXT,
    node_id TEXT,
    device TEXT,
    metadata_path TEXT,
    output_dir TEXT,
    exit_code INTEGER,
    utterances INTEGER,
    verified INTEGER,
    missing INTEGER,
    error TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS utterances (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    utt_id TEXT NOT NULL,
    path TEXT,
    ok INTEGER,
    sample_rate INTEGER,
    frames INTEGER,
    error TEXT,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_utterances_run ON utterances(run_id);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordRun writes (or rewrites) a run row.
func (s *Store) RecordRun(ctx context.Context, run Run) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.clock().UTC()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, request_id, node_id, device, metadata_path, output_dir,
		                  exit_code, utterances, verified, missing, error, started_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   exit_code=excluded.exit_code, utterances=excluded.utterances,
		   verified=excluded.verified, missing=excluded.missing,
		   error=excluded.error, finished_at=excluded.finished_at`,
		run.ID, run.RequestID, run.NodeID, run.Device, run.Metadata, run.OutputDir,
		run.ExitCode, run.Utterances, run.Verified, run.Missing, run.Error,
		run.StartedAt, run.FinishedAt)
	return err
}

// RecordUtterances writes the per-utterance outcomes of a run in one
// transaction.
func (s *Store) RecordUtterances(ctx context.Context, records []UtteranceRecord) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil || len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO utterances(run_id, utt_id, path, ok, sample_rate, frames, error)
			 VALUES(?, ?, ?, ?, ?, ?, ?)`,
			rec.RunID, rec.UttID, rec.Path, rec.OK, rec.SampleRate, rec.Frames, rec.Error); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ListRuns retrieves up to limit runs ordered newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, request_id, node_id, device, metadata_path, output_dir,
		        exit_code, utterances, verified, missing, error, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.ID, &r.RequestID, &r.NodeID, &r.Device, &r.Metadata, &r.OutputDir,
			&r.ExitCode, &r.Utterances, &r.Verified, &r.Missing, &r.Error, &started, &finished); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			r.StartedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, finished); err == nil {
			r.FinishedAt = ts
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListRunUtterances retrieves the recorded utterance outcomes for a run.
func (s *Store) ListRunUtterances(ctx context.Context, runID string) ([]UtteranceRecord, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, utt_id, path, ok, sample_rate, frames, error
		 FROM utterances WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []UtteranceRecord
	for rows.Next() {
		var rec UtteranceRecord
		if err := rows.Scan(&rec.RunID, &rec.UttID, &rec.Path, &rec.OK, &rec.SampleRate, &rec.Frames, &rec.Error); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Prune applies configured retention: drop runs older than retention_days
// and keep at most max_runs of the newest rows.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
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
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
