package jobstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxlabs-ai/vox-core/internal/config"
	"github.com/voxlabs-ai/vox-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenWithoutPathIsNoop(t *testing.T) {
	st, err := Open(context.Background(), config.StoreConfig{}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.RecordTerminal(context.Background(), protocol.JobStatus{JobID: "x"}); err != nil {
		t.Fatalf("noop record: %v", err)
	}
	records, err := st.ListRecent(context.Background(), 10)
	if err != nil || records != nil {
		t.Fatalf("noop list = (%v, %v)", records, err)
	}
}

func TestRecordAndList(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.StoreConfig{Path: filepath.Join(tmp, "jobs.db")}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	status := protocol.JobStatus{
		JobID:          "job-1",
		Kind:           "interactive",
		State:          "completed",
		Priority:       3,
		ChunksTotal:    4,
		ChunkingUsed:   true,
		DegradedChunks: 1,
		SampleRate:     24000,
		AudioWAV:       make([]byte, 2048),
		GenerationMS:   750,
		CreatedAt:      now,
		CompletedAt:    now.Add(time.Second),
	}
	if err := st.RecordTerminal(context.Background(), status); err != nil {
		t.Fatalf("record: %v", err)
	}

	records, err := st.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if r.JobID != "job-1" || r.State != "completed" || r.AudioBytes != 2048 {
		t.Fatalf("unexpected record: %+v", r)
	}
	if !r.ChunkingUsed || r.DegradedChunks != 1 {
		t.Fatalf("stats not preserved: %+v", r)
	}

	// Re-recording the same job overwrites instead of duplicating.
	status.State = "failed"
	if err := st.RecordTerminal(context.Background(), status); err != nil {
		t.Fatalf("re-record: %v", err)
	}
	records, err = st.ListRecent(context.Background(), 10)
	if err != nil || len(records) != 1 {
		t.Fatalf("list after re-record = (%d, %v)", len(records), err)
	}
	if records[0].State != "failed" {
		t.Fatalf("state not overwritten: %s", records[0].State)
	}
}

func TestListRecentToleratesBadTimestamps(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.StoreConfig{Path: filepath.Join(tmp, "jobs.db")}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	err = st.RecordTerminal(context.Background(), protocol.JobStatus{
		JobID: "job-1", Kind: "interactive", State: "completed",
		CreatedAt: now, CompletedAt: now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	// A row touched by another tool with a non-RFC3339 timestamp must not
	// break listing.
	if _, err := st.db.Exec(`UPDATE jobs SET completed_at = 'yesterday' WHERE job_id = 'job-1'`); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	records, err := st.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if !records[0].CompletedAt.IsZero() {
		t.Fatalf("unreadable timestamp should yield a zero time, got %v", records[0].CompletedAt)
	}
	if records[0].CreatedAt.IsZero() {
		t.Fatal("intact created_at should still parse")
	}
}

func TestPruneByAgeAndCap(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.StoreConfig{Path: filepath.Join(tmp, "jobs.db"), RetentionDays: 1, MaxJobs: 2}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	record := func(id string, completed time.Time) {
		t.Helper()
		err := st.RecordTerminal(context.Background(), protocol.JobStatus{
			JobID: id, Kind: "interactive", State: "completed",
			CreatedAt: completed.Add(-time.Minute), CompletedAt: completed,
		})
		if err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
	record("stale", base.Add(-48*time.Hour))
	record("old", base.Add(-time.Hour))
	record("mid", base.Add(-30*time.Minute))
	record("new", base)

	st.clock = func() time.Time { return base }
	if err := st.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	records, err := st.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records after prune, got %d", len(records))
	}
	if records[0].JobID != "new" || records[1].JobID != "mid" {
		t.Fatalf("wrong survivors: %s, %s", records[0].JobID, records[1].JobID)
	}
}
