package device

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/voxlabs-ai/vox-core/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusError     Status = "error"
	StatusOffline   Status = "offline"
)

// Device represents one tracked accelerator.
type Device struct {
	ID             string
	Name           string
	Status         Status
	TotalMemoryMB  int64
	UsedMemoryMB   int64
	Utilization    float64
	ActiveSessions int
	RefreshedAt    time.Time
}

// Allocation ties a session id to a device for staleness reclamation.
type Allocation struct {
	SessionID   string
	DeviceID    string
	MemoryMB    int64
	AllocatedAt time.Time
	EstDuration time.Duration
}

// Manager tracks accelerators and hands out allocations. All counter
// mutations happen under mu; the refresh loop is the only writer of the
// derived utilization and memory fields.
type Manager struct {
	cfg    config.DeviceConfig
	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	clock  func() time.Time

	mu          sync.Mutex
	devices     map[string]*Device
	allocations map[string]*Allocation
}

// NewManager enumerates configured accelerators. An empty device list is not
// an error: the manager runs in CPU-only mode and every Allocate returns
// no device.
func NewManager(ctx context.Context, cfg config.DeviceConfig, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		cfg:         cfg,
		log:         log.With(slog.String("component", "device-manager")),
		cancel:      cancel,
		clock:       time.Now,
		devices:     make(map[string]*Device),
		allocations: make(map[string]*Allocation),
	}

	for _, dev := range m.detect() {
		d := dev
		m.devices[d.ID] = &d
	}
	if len(m.devices) == 0 {
		m.log.Info("no accelerators configured, running in CPU-only mode")
	} else {
		m.log.Info("accelerators detected", slog.Int("count", len(m.devices)))
	}

	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	m.wg.Add(1)
	go m.runRefresh(ctx)

	return m
}

func (m *Manager) detect() []Device {
	now := m.clock()
	devices := make([]Device, 0, len(m.cfg.Devices))
	for _, entry := range m.cfg.Devices {
		name := entry.Name
		if name == "" {
			name = entry.ID
		}
		devices = append(devices, Device{
			ID:            entry.ID,
			Name:          name,
			Status:        StatusAvailable,
			TotalMemoryMB: entry.MemoryMB,
			RefreshedAt:   now,
		})
	}
	return devices
}

func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Allocate picks the least utilized device with free capacity, tie-broken by
// most free memory. Returns ("", false) when no device qualifies; callers
// decide whether to queue, retry, or fall back to CPU.
func (m *Manager) Allocate(sessionID string, estMemoryMB int64, estDuration time.Duration) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.allocations[sessionID]; exists {
		return m.allocations[sessionID].DeviceID, true
	}

	var candidates []*Device
	for _, dev := range m.devices {
		if dev.Status == StatusError || dev.Status == StatusOffline {
			continue
		}
		if dev.ActiveSessions >= m.cfg.MaxSessionsPerDev {
			continue
		}
		if dev.TotalMemoryMB-dev.UsedMemoryMB < estMemoryMB {
			continue
		}
		candidates = append(candidates, dev)
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Utilization != candidates[j].Utilization {
			return candidates[i].Utilization < candidates[j].Utilization
		}
		freeI := candidates[i].TotalMemoryMB - candidates[i].UsedMemoryMB
		freeJ := candidates[j].TotalMemoryMB - candidates[j].UsedMemoryMB
		if freeI != freeJ {
			return freeI > freeJ
		}
		return candidates[i].ID < candidates[j].ID
	})

	chosen := candidates[0]
	chosen.ActiveSessions++
	chosen.UsedMemoryMB += estMemoryMB
	if chosen.ActiveSessions >= m.cfg.MaxSessionsPerDev {
		chosen.Status = StatusBusy
	}
	m.allocations[sessionID] = &Allocation{
		SessionID:   sessionID,
		DeviceID:    chosen.ID,
		MemoryMB:    estMemoryMB,
		AllocatedAt: m.clock(),
		EstDuration: estDuration,
	}

	m.log.Debug("allocated device",
		slog.String("session_id", sessionID),
		slog.String("device_id", chosen.ID))

	return chosen.ID, true
}

// Release returns a session's device capacity. Unknown sessions are a no-op,
// so a double release never underflows the counters.
func (m *Manager) Release(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(sessionID)
}

func (m *Manager) releaseLocked(sessionID string) bool {
	alloc, ok := m.allocations[sessionID]
	if !ok {
		return false
	}
	delete(m.allocations, sessionID)

	dev, ok := m.devices[alloc.DeviceID]
	if !ok {
		return true
	}
	if dev.ActiveSessions > 0 {
		dev.ActiveSessions--
	}
	dev.UsedMemoryMB -= alloc.MemoryMB
	if dev.UsedMemoryMB < 0 {
		dev.UsedMemoryMB = 0
	}
	if dev.Status == StatusBusy && dev.ActiveSessions < m.cfg.MaxSessionsPerDev {
		dev.Status = StatusAvailable
	}
	return true
}

// ReclaimExpired releases allocations held longer than maxAge, recovering
// capacity from workers that died without releasing.
func (m *Manager) ReclaimExpired(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	reclaimed := 0
	for id, alloc := range m.allocations {
		age := now.Sub(alloc.AllocatedAt)
		limit := maxAge
		if alloc.EstDuration > limit {
			limit = alloc.EstDuration
		}
		if age > limit {
			m.releaseLocked(id)
			reclaimed++
			m.log.Warn("reclaimed stale allocation",
				slog.String("session_id", id),
				slog.String("device_id", alloc.DeviceID),
				slog.Duration("age", age))
		}
	}
	return reclaimed
}

// Snapshot returns a copy of the device table.
func (m *Manager) Snapshot() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Device, 0, len(m.devices))
	for _, dev := range m.devices {
		out = append(out, *dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) ActiveAllocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allocations)
}

func (m *Manager) runRefresh(ctx context.Context) {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.RefreshIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh()
		}
	}
}

// refresh recomputes the derived utilization estimate from the session count
// and memory pressure.
func (m *Manager) refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	for _, dev := range m.devices {
		sessionFrac := float64(dev.ActiveSessions) / float64(m.cfg.MaxSessionsPerDev)
		memFrac := 0.0
		if dev.TotalMemoryMB > 0 {
			memFrac = float64(dev.UsedMemoryMB) / float64(dev.TotalMemoryMB)
		}
		dev.Utilization = 0.6*sessionFrac + 0.4*memFrac
		dev.RefreshedAt = now
	}
}

func (m *Manager) initMetrics() error {
	meter := otel.Meter("github.com/voxlabs-ai/vox-core/device")
	devGauge, err := meter.Int64ObservableGauge("vox.devices.total",
		metric.WithDescription("Number of tracked accelerator devices"))
	if err != nil {
		return err
	}
	allocGauge, err := meter.Int64ObservableGauge("vox.devices.allocations",
		metric.WithDescription("Active device allocations"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		m.mu.Lock()
		devices := int64(len(m.devices))
		allocs := int64(len(m.allocations))
		m.mu.Unlock()
		obs.ObserveInt64(devGauge, devices)
		obs.ObserveInt64(allocGauge, allocs)
		return nil
	}, devGauge, allocGauge)
	return err
}
