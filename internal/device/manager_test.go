package device

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/voxlabs-ai/vox-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(devices ...config.DeviceEntry) config.DeviceConfig {
	return config.DeviceConfig{
		Devices:           devices,
		MaxSessionsPerDev: 2,
		RefreshIntervalMS: 60000,
		ReclaimAfterS:     600,
	}
}

func newTestManager(t *testing.T, cfg config.DeviceConfig) *Manager {
	t.Helper()
	m := NewManager(context.Background(), cfg, newLogger())
	t.Cleanup(m.Close)
	return m
}

func TestAllocatePrefersLeastUtilized(t *testing.T) {
	m := newTestManager(t, testConfig(
		config.DeviceEntry{ID: "gpu-0", MemoryMB: 8192},
		config.DeviceEntry{ID: "gpu-1", MemoryMB: 8192},
	))

	dev1, ok := m.Allocate("s1", 1024, time.Minute)
	if !ok {
		t.Fatal("expected first allocation to succeed")
	}
	m.refresh()

	dev2, ok := m.Allocate("s2", 1024, time.Minute)
	if !ok {
		t.Fatal("expected second allocation to succeed")
	}
	if dev1 == dev2 {
		t.Fatalf("expected spread across devices, both went to %s", dev1)
	}
}

func TestAllocateRespectsSessionCap(t *testing.T) {
	m := newTestManager(t, testConfig(config.DeviceEntry{ID: "gpu-0", MemoryMB: 8192}))

	if _, ok := m.Allocate("s1", 512, time.Minute); !ok {
		t.Fatal("allocation 1 should succeed")
	}
	if _, ok := m.Allocate("s2", 512, time.Minute); !ok {
		t.Fatal("allocation 2 should succeed")
	}
	if _, ok := m.Allocate("s3", 512, time.Minute); ok {
		t.Fatal("allocation past the per-device cap should fail")
	}

	for _, dev := range m.Snapshot() {
		if dev.ActiveSessions > 2 {
			t.Fatalf("active sessions %d exceeds cap", dev.ActiveSessions)
		}
	}
}

func TestAllocateRespectsMemory(t *testing.T) {
	m := newTestManager(t, testConfig(config.DeviceEntry{ID: "gpu-0", MemoryMB: 1000}))

	if _, ok := m.Allocate("s1", 800, time.Minute); !ok {
		t.Fatal("allocation within memory should succeed")
	}
	if _, ok := m.Allocate("s2", 800, time.Minute); ok {
		t.Fatal("allocation beyond free memory should fail")
	}
}

func TestAllocateNoDevices(t *testing.T) {
	m := newTestManager(t, testConfig())

	if _, ok := m.Allocate("s1", 512, time.Minute); ok {
		t.Fatal("expected no allocation in CPU-only mode")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	m := newTestManager(t, testConfig(config.DeviceEntry{ID: "gpu-0", MemoryMB: 8192}))

	if _, ok := m.Allocate("s1", 512, time.Minute); !ok {
		t.Fatal("allocation should succeed")
	}
	if !m.Release("s1") {
		t.Fatal("first release should report true")
	}
	if m.Release("s1") {
		t.Fatal("second release should be a no-op")
	}
	if m.Release("never-allocated") {
		t.Fatal("releasing an unknown session should be a no-op")
	}

	snap := m.Snapshot()
	if snap[0].ActiveSessions != 0 {
		t.Fatalf("active sessions should be back to 0, got %d", snap[0].ActiveSessions)
	}
	if snap[0].UsedMemoryMB != 0 {
		t.Fatalf("used memory should be back to 0, got %d", snap[0].UsedMemoryMB)
	}
}

func TestReclaimExpired(t *testing.T) {
	m := newTestManager(t, testConfig(config.DeviceEntry{ID: "gpu-0", MemoryMB: 8192}))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return base }
	if _, ok := m.Allocate("s1", 512, time.Minute); !ok {
		t.Fatal("allocation should succeed")
	}

	m.clock = func() time.Time { return base.Add(10 * time.Minute) }
	if reclaimed := m.ReclaimExpired(5 * time.Minute); reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed allocation, got %d", reclaimed)
	}
	if m.ActiveAllocations() != 0 {
		t.Fatal("expected no active allocations after reclaim")
	}

	// A fresh allocation must survive the sweep.
	if _, ok := m.Allocate("s2", 512, time.Minute); !ok {
		t.Fatal("allocation should succeed")
	}
	if reclaimed := m.ReclaimExpired(5 * time.Minute); reclaimed != 0 {
		t.Fatalf("expected 0 reclaimed, got %d", reclaimed)
	}
}
