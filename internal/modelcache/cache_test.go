package modelcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxlabs-ai/vox-core/internal/config"
	"github.com/voxlabs-ai/vox-core/internal/synth"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestCache(t *testing.T, maxEntries int, rt synth.Runtime) *Cache {
	t.Helper()
	cfg := config.ModelCacheConfig{MaxEntries: maxEntries, IdleTimeoutMin: 30, SweepEveryS: 3600}
	c, err := New(context.Background(), cfg, rt, newLogger())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestGetOrCreateHitAndMiss(t *testing.T) {
	rt := synth.NewMockRuntime(24000)
	c := newTestCache(t, 4, rt)

	sc := SessionConfig{Language: "en", Device: "gpu-0", ModelPath: "model.onnx"}
	s1, err := c.GetOrCreate(context.Background(), sc)
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	s2, err := c.GetOrCreate(context.Background(), sc)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if s1.ID() != s2.ID() {
		t.Fatal("expected cache hit to return the same session")
	}
	if rt.Loads() != 1 {
		t.Fatalf("expected exactly 1 load, got %d", rt.Loads())
	}
}

func TestGetOrCreateSingleConstructionUnderConcurrency(t *testing.T) {
	rt := synth.NewMockRuntime(24000)
	c := newTestCache(t, 4, rt)

	sc := SessionConfig{Language: "en", Device: "gpu-0", ModelPath: "model.onnx"}
	const callers = 16

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrCreate(context.Background(), sc)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if rt.Loads() != 1 {
		t.Fatalf("expected exactly 1 construction, got %d", rt.Loads())
	}
}

func TestDistinctConfigsDistinctSessions(t *testing.T) {
	rt := synth.NewMockRuntime(24000)
	c := newTestCache(t, 4, rt)

	a, err := c.GetOrCreate(context.Background(), SessionConfig{Language: "en", Device: "gpu-0", ModelPath: "m.onnx"})
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	b, err := c.GetOrCreate(context.Background(), SessionConfig{Language: "bg", Device: "gpu-0", ModelPath: "m.onnx"})
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if a.ID() == b.ID() {
		t.Fatal("incompatible configs must not share a session")
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
}

func TestLRUEviction(t *testing.T) {
	rt := synth.NewMockRuntime(24000)
	c := newTestCache(t, 2, rt)

	for _, lang := range []string{"en", "bg", "de"} {
		if _, err := c.GetOrCreate(context.Background(), SessionConfig{Language: lang, ModelPath: "m.onnx"}); err != nil {
			t.Fatalf("get %s: %v", lang, err)
		}
	}
	if c.Len() != 2 {
		t.Fatalf("expected cache bounded at 2 entries, got %d", c.Len())
	}
	if rt.Loads() != 3 {
		t.Fatalf("expected 3 loads, got %d", rt.Loads())
	}
}

func TestConstructionFailureDoesNotPoison(t *testing.T) {
	rt := synth.NewMockRuntime(24000)
	c := newTestCache(t, 4, rt)

	// Empty model path makes the mock runtime fail construction.
	if _, err := c.GetOrCreate(context.Background(), SessionConfig{Language: "en"}); !errors.Is(err, synth.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}

	if _, err := c.GetOrCreate(context.Background(), SessionConfig{Language: "en", ModelPath: "m.onnx"}); err != nil {
		t.Fatalf("other key should still work: %v", err)
	}

	// The failing key is retried, not cached.
	if _, err := c.GetOrCreate(context.Background(), SessionConfig{Language: "en"}); !errors.Is(err, synth.ErrModelUnavailable) {
		t.Fatalf("expected repeated failure, got %v", err)
	}
}

func TestIdleSweep(t *testing.T) {
	rt := synth.NewMockRuntime(24000)
	c := newTestCache(t, 4, rt)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { return base }
	if _, err := c.GetOrCreate(context.Background(), SessionConfig{Language: "en", ModelPath: "m.onnx"}); err != nil {
		t.Fatalf("get: %v", err)
	}

	c.clock = func() time.Time { return base.Add(31 * time.Minute) }
	c.sweepIdle()

	if c.Len() != 0 {
		t.Fatalf("expected idle entry swept, got %d entries", c.Len())
	}
}
