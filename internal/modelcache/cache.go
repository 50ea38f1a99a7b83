package modelcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/voxlabs-ai/vox-core/internal/config"
	"github.com/voxlabs-ai/vox-core/internal/synth"
)

// SessionConfig identifies one warm session. Two configs with equal keys are
// interchangeable; configs with different keys never share a session.
type SessionConfig struct {
	Language     string
	Device       string
	ModelPath    string
	ModelVariant string
}

// Key is a deterministic digest over the semantically relevant fields.
func (c SessionConfig) Key() string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{c.Language, c.Device, c.ModelPath, c.ModelVariant}, "\x00")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

type entry struct {
	session    synth.Session
	cfg        SessionConfig
	createdAt  time.Time
	lastAccess time.Time
	accesses   int64
}

type inflight struct {
	done    chan struct{}
	session synth.Session
	err     error
}

// Cache holds warm inference sessions keyed by configuration. Construction
// is deduplicated per key; eviction closes the underlying session.
type Cache struct {
	cfg     config.ModelCacheConfig
	log     *slog.Logger
	runtime synth.Runtime
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	clock   func() time.Time

	mu       sync.Mutex
	entries  *lru.Cache[string, *entry]
	building map[string]*inflight
}

func New(ctx context.Context, cfg config.ModelCacheConfig, rt synth.Runtime, log *slog.Logger) (*Cache, error) {
	ctx, cancel := context.WithCancel(ctx)
	c := &Cache{
		cfg:      cfg,
		log:      log.With(slog.String("component", "model-cache")),
		runtime:  rt,
		cancel:   cancel,
		clock:    time.Now,
		building: make(map[string]*inflight),
	}

	entries, err := lru.NewWithEvict[string, *entry](cfg.MaxEntries, c.onEvict)
	if err != nil {
		cancel()
		return nil, err
	}
	c.entries = entries

	c.wg.Add(1)
	go c.runSweep(ctx)

	return c, nil
}

func (c *Cache) onEvict(key string, e *entry) {
	if err := e.session.Close(); err != nil {
		c.log.Warn("session cleanup failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return
	}
	c.log.Info("evicted cached session",
		slog.String("key", key),
		slog.Int64("accesses", e.accesses))
}

// GetOrCreate returns the warm session for cfg, constructing it at most once
// even under concurrent callers. A construction failure is returned to every
// waiter and leaves the cache usable for other keys.
func (c *Cache) GetOrCreate(ctx context.Context, sc SessionConfig) (synth.Session, error) {
	key := sc.Key()

	c.mu.Lock()
	if e, ok := c.entries.Get(key); ok {
		e.lastAccess = c.clock()
		e.accesses++
		c.mu.Unlock()
		return e.session, nil
	}
	if call, ok := c.building[key]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.session, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &inflight{done: make(chan struct{})}
	c.building[key] = call
	c.mu.Unlock()

	session, err := c.runtime.LoadSession(ctx, sc.ModelPath, sc.Device)

	c.mu.Lock()
	delete(c.building, key)
	call.session = session
	call.err = err
	if err == nil {
		now := c.clock()
		c.entries.Add(key, &entry{
			session:    session,
			cfg:        sc,
			createdAt:  now,
			lastAccess: now,
			accesses:   1,
		})
	}
	c.mu.Unlock()
	close(call.done)

	if err != nil {
		return nil, err
	}
	c.log.Info("constructed session",
		slog.String("key", key),
		slog.String("model", sc.ModelPath),
		slog.String("device", sc.Device))
	return session, nil
}

// Len reports the number of warm entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Clear drops all warm sessions, invoking each entry's cleanup hook.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// Close stops the sweep loop and releases all sessions.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
	c.Clear()
}

func (c *Cache) runSweep(ctx context.Context) {
	defer c.wg.Done()

	interval := time.Duration(c.cfg.SweepEveryS) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepIdle()
		}
	}
}

func (c *Cache) sweepIdle() {
	idleLimit := time.Duration(c.cfg.IdleTimeoutMin) * time.Minute

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(e.lastAccess) > idleLimit {
			c.entries.Remove(key)
		}
	}
}
