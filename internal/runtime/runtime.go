package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlabs-ai/vox-core/internal/bus"
	"github.com/voxlabs-ai/vox-core/internal/config"
	"github.com/voxlabs-ai/vox-core/internal/device"
	"github.com/voxlabs-ai/vox-core/internal/jobstore"
	"github.com/voxlabs-ai/vox-core/internal/modelcache"
	"github.com/voxlabs-ai/vox-core/internal/natsserver"
	"github.com/voxlabs-ai/vox-core/internal/scheduler"
	"github.com/voxlabs-ai/vox-core/internal/segment"
	"github.com/voxlabs-ai/vox-core/internal/service"
	"github.com/voxlabs-ai/vox-core/internal/synth"
	"github.com/voxlabs-ai/vox-core/internal/voice"
)

// Runtime wires the synthesis core together and owns component lifecycles.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup

	api   *service.Service
	store *jobstore.Store
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the runtime up and blocks until ctx is cancelled, then shuts
// everything down in reverse dependency order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	devices := device.NewManager(ctx, r.cfg.Devices, r.logger)
	defer devices.Close()

	backend, err := r.buildBackend()
	if err != nil {
		return err
	}
	cache, err := modelcache.New(ctx, r.cfg.ModelCache, backend, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create model cache: %w", err)
	}
	defer cache.Close()

	store, err := jobstore.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()
	r.store = store

	hooks := scheduler.Hooks{
		Progress: service.ProgressPublisher(busClient, r.logger),
		Terminal: service.TerminalRecorder(store, r.logger),
	}
	sched := scheduler.New(ctx, r.cfg, devices, cache,
		segment.New(r.cfg.Segmenter, r.logger),
		voice.NewManager(r.logger),
		synth.NewPipeline(r.cfg.Synth, r.logger),
		hooks, r.logger)
	defer sched.Close()

	api := service.NewService(ctx, busClient, sched, r.logger)
	if err := api.Start(); err != nil {
		return fmt.Errorf("failed to start job api: %w", err)
	}
	defer api.Close()
	r.api = api

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/jobs", r.handleJobs)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := tel.Close(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	return nil
}

func (r *Runtime) buildBackend() (synth.Runtime, error) {
	switch r.cfg.Synth.Mode {
	case "exec":
		return synth.NewExecRuntime(r.cfg.Synth.Command, r.cfg.Synth.SampleRate)
	default:
		return synth.NewMockRuntime(r.cfg.Synth.SampleRate), nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.api != nil && r.api.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleJobs serves recent finished jobs from the history store.
func (r *Runtime) handleJobs(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := r.store.ListRecent(req.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}
