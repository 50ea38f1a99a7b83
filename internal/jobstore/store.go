package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/voxlabs-ai/vox-core/internal/config"
	"github.com/voxlabs-ai/vox-core/internal/protocol"
	_ "modernc.org/sqlite"
)

// Record is one finished job as kept in the history table. Audio payloads
// are not persisted, only their size.
type Record struct {
	JobID          string
	Kind           string
	State          string
	Priority       int
	Message        string
	ChunksTotal    int
	ChunkingUsed   bool
	DegradedChunks int
	SampleRate     int
	AudioBytes     int
	GenerationMS   int64
	CreatedAt      time.Time
	CompletedAt    time.Time
}

// Store keeps a SQLite-backed history of terminal jobs for inspection after
// the scheduler's in-memory retention window has passed.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the job history store according to config. An empty path
// disables persistence and yields a no-op store.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "job-store"))
	if cfg.Path == "" {
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
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("job store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("job store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    state TEXT NOT NULL,
    priority INTEGER NOT NULL,
    message TEXT,
    chunks_total INTEGER NOT NULL,
    chunking_used INTEGER NOT NULL,
    degraded_chunks INTEGER NOT NULL,
    sample_rate INTEGER,
    audio_bytes INTEGER,
    generation_ms INTEGER,
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_completed ON jobs(completed_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordTerminal writes one finished job. Replays of the same job id
// overwrite the earlier row, so a retried hook delivery stays harmless.
func (s *Store) RecordTerminal(ctx context.Context, st protocol.JobStatus) error {
	if s.db == nil {
		return nil
	}
	completed := st.CompletedAt
	if completed.IsZero() {
		completed = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, kind, state, priority, message, chunks_total, chunking_used,
		                  degraded_chunks, sample_rate, audio_bytes, generation_ms, created_at, completed_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET state=excluded.state, message=excluded.message,
		     completed_at=excluded.completed_at`,
		st.JobID, st.Kind, st.State, st.Priority, st.Message, st.ChunksTotal, st.ChunkingUsed,
		st.DegradedChunks, st.SampleRate, len(st.AudioWAV), st.GenerationMS,
		st.CreatedAt.UTC(), completed.UTC())
	return err
}

// ListRecent returns up to limit finished jobs, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, kind, state, priority, message, chunks_total, chunking_used,
		        degraded_chunks, sample_rate, audio_bytes, generation_ms, created_at, completed_at
		 FROM jobs ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var created, completed string
		if err := rows.Scan(&r.JobID, &r.Kind, &r.State, &r.Priority, &r.Message, &r.ChunksTotal,
			&r.ChunkingUsed, &r.DegradedChunks, &r.SampleRate, &r.AudioBytes, &r.GenerationMS,
			&created, &completed); err != nil {
			return nil, err
		}
		r.CreatedAt = s.parseTime(r.JobID, "created_at", created)
		r.CompletedAt = s.parseTime(r.JobID, "completed_at", completed)
		records = append(records, r)
	}
	return records, rows.Err()
}

// parseTime decodes a stored timestamp column. A row written by another tool
// in the wrong format yields a zero time, but never silently: the mismatch
// is logged with the offending value.
func (s *Store) parseTime(jobID, column, value string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		s.log.Warn("job store timestamp unreadable",
			slog.String("job_id", jobID),
			slog.String("column", column),
			slog.String("value", value))
		return time.Time{}
	}
	return ts
}

// Prune applies the configured retention: an age cutoff, then a row cap
// keeping the newest jobs.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
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
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE completed_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY completed_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
