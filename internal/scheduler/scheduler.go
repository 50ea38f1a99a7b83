package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxlabs-ai/vox-core/internal/config"
	"github.com/voxlabs-ai/vox-core/internal/device"
	"github.com/voxlabs-ai/vox-core/internal/modelcache"
	"github.com/voxlabs-ai/vox-core/internal/protocol"
	"github.com/voxlabs-ai/vox-core/internal/segment"
	"github.com/voxlabs-ai/vox-core/internal/synth"
	"github.com/voxlabs-ai/vox-core/internal/voice"
)

// Hooks are optional callbacks the scheduler invokes outside its own
// machinery. Progress fires on every visible state change; Terminal fires
// exactly once per job when it reaches a terminal state.
type Hooks struct {
	Progress func(protocol.JobStatus)
	Terminal func(protocol.JobStatus)
}

// Scheduler owns the job queue and the worker pool. It admits work, assigns
// it to workers, and retains finished jobs for status queries until the
// retention window expires.
type Scheduler struct {
	cfg       config.SchedulerConfig
	deviceCfg config.DeviceConfig
	synthCfg  config.SynthConfig
	segCfg    config.SegmenterConfig
	modelPath string

	log     *slog.Logger
	clock   func() time.Time
	hooks   Hooks
	devices *device.Manager
	cache   *modelcache.Cache
	seg     *segment.Segmenter
	voices  *voice.Manager
	pipe    *synth.Pipeline

	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu              sync.Mutex
	closed          bool
	seq             uint64
	jobs            map[string]*Job
	queue           jobQueue
	admit           *admission
	processing      int
	completedJobs   int64
	totalProcessing time.Duration
}

// Snapshot is an aggregate view of scheduler load, refreshed on demand.
type Snapshot struct {
	Queued            int
	Processing        int
	CompletedJobs     int64
	AvgProcessingTime time.Duration
}

func New(ctx context.Context, cfg config.Config, dev *device.Manager, cache *modelcache.Cache, seg *segment.Segmenter, voices *voice.Manager, pipe *synth.Pipeline, hooks Hooks, log *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		cfg:       cfg.Scheduler,
		deviceCfg: cfg.Devices,
		synthCfg:  cfg.Synth,
		segCfg:    cfg.Segmenter,
		modelPath: cfg.ModelPath,
		log:       log.With(slog.String("component", "scheduler")),
		clock:     time.Now,
		hooks:     hooks,
		devices:   dev,
		cache:     cache,
		seg:       seg,
		voices:    voices,
		pipe:      pipe,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		jobs:      make(map[string]*Job),
		admit:     newAdmission(cfg.Scheduler.ClientRatePerMin),
	}

	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.runWorker(ctx, i)
	}
	s.wg.Add(1)
	go s.runSweep(ctx)

	s.log.Info("scheduler started",
		slog.Int("workers", s.cfg.Workers),
		slog.Int("max_queued", s.cfg.MaxQueuedJobs))
	return s
}

// Close stops workers after their current job finishes. Queued jobs are
// abandoned.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// Submit admits a request and returns its job id. Admission failures
// (rate limit, full queue, malformed request) reject immediately and never
// create a job.
func (s *Scheduler) Submit(req protocol.SubmitRequest) (string, error) {
	kind := Kind(req.Kind)
	if kind == "" {
		kind = KindInteractive
	}
	if kind != KindInteractive && kind != KindCloning {
		return "", fmt.Errorf("unknown job kind %q", req.Kind)
	}
	if strings.TrimSpace(req.Text) == "" {
		return "", errors.New("text must not be empty")
	}
	if kind == KindCloning && (len(req.ReferenceAudio) == 0 || strings.TrimSpace(req.ReferenceText) == "") {
		return "", errors.New("cloning jobs require reference audio and reference text")
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = "anonymous"
	}
	priority := req.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > 9 {
		priority = 9
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.New("scheduler closed")
	}
	if !s.admit.allow(clientID, s.clock()) {
		return "", ErrRateLimited
	}
	// Capacity counts runnable jobs only; cancelled entries awaiting lazy
	// removal do not hold a slot.
	if s.queueDepthLocked() >= s.cfg.MaxQueuedJobs {
		return "", ErrQueueFull
	}

	s.seq++
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		ClientID:  clientID,
		Priority:  priority,
		Request:   req,
		State:     StatePending,
		CreatedAt: s.clock(),
		seq:       s.seq,
		retries:   backoff.NewExponentialBackOff(),
		Stats:     Stats{StageTimings: make(map[string]time.Duration)},
	}
	s.jobs[job.ID] = job
	job.State = StateQueued
	s.queue.push(job)
	s.signalLocked()

	s.log.Info("job admitted",
		slog.String("job_id", job.ID),
		slog.String("kind", string(kind)),
		slog.String("client_id", clientID),
		slog.Int("priority", priority))
	return job.ID, nil
}

// Status reports the current view of a job.
func (s *Scheduler) Status(id string) (protocol.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return protocol.JobStatus{}, ErrUnknownJob
	}
	return job.status(), nil
}

// Cancel stops a job that has not started. A processing job runs to
// completion or natural failure so its device allocation is never left in
// an inconsistent state; cancelling it reports false without error.
func (s *Scheduler) Cancel(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, ErrUnknownJob
	}

	switch job.State {
	case StatePending, StateQueued:
		s.finishLocked(job, StateCancelled, "cancelled while queued")
		return true, nil
	default:
		return false, nil
	}
}

// QueueDepth reports how many jobs are waiting.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueDepthLocked()
}

func (s *Scheduler) queueDepthLocked() int {
	depth := 0
	for _, j := range s.queue.items {
		if j.State == StateQueued {
			depth++
		}
	}
	return depth
}

// Stats reports aggregate scheduler load.
func (s *Scheduler) Stats() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Queued:        s.queueDepthLocked(),
		Processing:    s.processing,
		CompletedJobs: s.completedJobs,
	}
	if s.completedJobs > 0 {
		snap.AvgProcessingTime = s.totalProcessing / time.Duration(s.completedJobs)
	}
	return snap
}

func (s *Scheduler) signalLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finishLocked moves a job to a terminal state and fires hooks. Callers hold
// the mutex.
func (s *Scheduler) finishLocked(job *Job, state State, message string) {
	if terminal(job.State) {
		return
	}
	job.State = state
	job.Stage = ""
	job.Message = message
	job.CompletedAt = s.clock()
	if state == StateCompleted && !job.StartedAt.IsZero() {
		s.completedJobs++
		s.totalProcessing += job.CompletedAt.Sub(job.StartedAt)
	}

	st := job.status()
	if s.hooks.Progress != nil {
		go s.hooks.Progress(st)
	}
	if s.hooks.Terminal != nil {
		go s.hooks.Terminal(st)
	}
}

func (s *Scheduler) publishProgress(job *Job) {
	if s.hooks.Progress == nil {
		return
	}
	s.mu.Lock()
	st := job.status()
	s.mu.Unlock()
	go s.hooks.Progress(st)
}

func (s *Scheduler) runWorker(ctx context.Context, id int) {
	defer s.wg.Done()
	log := s.log.With(slog.Int("worker", id))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}

		for {
			s.mu.Lock()
			job := s.queue.pop()
			if job != nil {
				s.processing++
			}
			s.mu.Unlock()
			if job == nil {
				break
			}
			s.process(ctx, job, log)
			s.mu.Lock()
			s.processing--
			s.mu.Unlock()
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// scheduleRetry puts a failed attempt back in the queue after a backoff
// delay. The job stays visible as queued while it waits.
func (s *Scheduler) scheduleRetry(job *Job, cause error) {
	s.mu.Lock()
	if terminal(job.State) {
		s.mu.Unlock()
		return
	}
	job.State = StateQueued
	job.Stage = ""
	job.Message = fmt.Sprintf("retrying after: %v", cause)
	delay := job.retries.NextBackOff()
	s.mu.Unlock()

	s.log.Warn("job requeued",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempts),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()))

	time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || job.State != StateQueued {
			return
		}
		s.queue.push(job)
		s.signalLocked()
	})
}

func (s *Scheduler) runSweep(ctx context.Context) {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.SweepEveryS) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimAfter := time.Duration(s.deviceCfg.ReclaimAfterS) * time.Second
			if n := s.devices.ReclaimExpired(reclaimAfter); n > 0 {
				s.log.Warn("reclaimed stale device allocations", slog.Int("count", n))
			}
			s.evictExpired()
			s.mu.Lock()
			s.admit.prune(s.clock())
			s.mu.Unlock()
		}
	}
}

// evictExpired drops terminal jobs past the retention window so results do
// not accumulate without bound.
func (s *Scheduler) evictExpired() {
	retention := time.Duration(s.cfg.RetentionMin) * time.Minute

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for id, job := range s.jobs {
		if terminal(job.State) && now.Sub(job.CompletedAt) > retention {
			delete(s.jobs, id)
		}
	}
}

func (s *Scheduler) initMetrics() error {
	meter := otel.Meter("github.com/voxlabs-ai/vox-core/scheduler")
	queued, err := meter.Int64ObservableGauge("vox.jobs.queued",
		metric.WithDescription("Jobs waiting in the scheduler queue"))
	if err != nil {
		return err
	}
	active, err := meter.Int64ObservableGauge("vox.jobs.processing",
		metric.WithDescription("Jobs currently being synthesized"))
	if err != nil {
		return err
	}
	avgMS, err := meter.Int64ObservableGauge("vox.jobs.avg_processing_ms",
		metric.WithDescription("Mean processing time of completed jobs"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		snap := s.Stats()
		obs.ObserveInt64(queued, int64(snap.Queued))
		obs.ObserveInt64(active, int64(snap.Processing))
		obs.ObserveInt64(avgMS, snap.AvgProcessingTime.Milliseconds())
		return nil
	}, queued, active, avgMS)
	return err
}
