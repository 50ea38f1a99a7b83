package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// DeviceEntry describes one accelerator made available to the device manager.
type DeviceEntry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	MemoryMB int64  `yaml:"memory_mb"`
}

type DeviceConfig struct {
	Devices           []DeviceEntry `yaml:"devices"`
	MaxSessionsPerDev int           `yaml:"max_sessions_per_device"`
	RefreshIntervalMS int           `yaml:"refresh_interval_ms"`
	ReclaimAfterS     int           `yaml:"reclaim_after_s"`
}

type ModelCacheConfig struct {
	MaxEntries     int `yaml:"max_entries"`
	IdleTimeoutMin int `yaml:"idle_timeout_min"`
	SweepEveryS    int `yaml:"sweep_every_s"`
}

type SegmenterConfig struct {
	MaxChunkChars     int     `yaml:"max_chunk_chars"`
	MinChunkWords     int     `yaml:"min_chunk_words"`
	ChunkingThreshold int     `yaml:"chunking_threshold_chars"`
	CharsPerSecond    float64 `yaml:"chars_per_second"`
	RefMatchRatio     float64 `yaml:"ref_match_ratio"`
	RefMatchTolerance float64 `yaml:"ref_match_tolerance"`
	ComplexityCeiling float64 `yaml:"complexity_ceiling"`
	MinChunkSizeScale float64 `yaml:"min_chunk_size_scale"`
}

type SynthConfig struct {
	Mode            string  `yaml:"mode"` // mock | exec
	Command         string  `yaml:"command"`
	SampleRate      int     `yaml:"sample_rate"`
	MaxRetries      int     `yaml:"max_retries"`
	CrossfadeMS     int     `yaml:"crossfade_ms"`
	MaxGainRatio    float64 `yaml:"max_gain_ratio"`
	MinGainRatio    float64 `yaml:"min_gain_ratio"`
	SmoothingWindow int     `yaml:"smoothing_window"`
}

type SchedulerConfig struct {
	Workers            int   `yaml:"workers"`
	MaxQueuedJobs      int   `yaml:"max_queued_jobs"`
	ClientRatePerMin   int   `yaml:"client_rate_per_min"`
	MaxRetries         int   `yaml:"max_retries"`
	JobTimeoutS        int   `yaml:"job_timeout_s"`
	RetentionMin       int   `yaml:"retention_min"`
	SweepEveryS        int   `yaml:"sweep_every_s"`
	EstSessionMemoryMB int64 `yaml:"est_session_memory_mb"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Devices     DeviceConfig     `yaml:"devices"`
	ModelCache  ModelCacheConfig `yaml:"model_cache"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	Synth       SynthConfig      `yaml:"synth"`
	Scheduler   SchedulerConfig  `yaml:"scheduler"`
	Store       StoreConfig      `yaml:"store"`
	ModelPath   string           `yaml:"model_path"`
}

func Default() Config {
	return Config{
		RuntimeName: "vox-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Devices: DeviceConfig{
			Devices:           nil,
			MaxSessionsPerDev: 2,
			RefreshIntervalMS: 5000,
			ReclaimAfterS:     600,
		},
		ModelCache: ModelCacheConfig{
			MaxEntries:     4,
			IdleTimeoutMin: 30,
			SweepEveryS:    60,
		},
		Segmenter: SegmenterConfig{
			MaxChunkChars:     400,
			MinChunkWords:     4,
			ChunkingThreshold: 200,
			CharsPerSecond:    15,
			RefMatchRatio:     2.0,
			RefMatchTolerance: 0.2,
			ComplexityCeiling: 0.7,
			MinChunkSizeScale: 0.5,
		},
		Synth: SynthConfig{
			Mode:            "mock",
			SampleRate:      24000,
			MaxRetries:      3,
			CrossfadeMS:     80,
			MaxGainRatio:    1.2,
			MinGainRatio:    0.8,
			SmoothingWindow: 5,
		},
		Scheduler: SchedulerConfig{
			Workers:            2,
			MaxQueuedJobs:      64,
			ClientRatePerMin:   30,
			MaxRetries:         2,
			JobTimeoutS:        300,
			RetentionMin:       30,
			SweepEveryS:        15,
			EstSessionMemoryMB: 2048,
		},
		Store: StoreConfig{
			Path:          "./data/vox-jobs.db",
			RetentionDays: 7,
			MaxJobs:       10000,
		},
		ModelPath: "./models/vox-tts.onnx",
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOX_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOX_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOX_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOX_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOX_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOX_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOX_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOX_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOX_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOX_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOX_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOX_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOX_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOX_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Devices.MaxSessionsPerDev, "VOX_DEVICES_MAX_SESSIONS")
	overrideInt(&cfg.Devices.RefreshIntervalMS, "VOX_DEVICES_REFRESH_INTERVAL_MS")
	overrideInt(&cfg.Devices.ReclaimAfterS, "VOX_DEVICES_RECLAIM_AFTER_S")
	overrideInt(&cfg.ModelCache.MaxEntries, "VOX_MODEL_CACHE_MAX_ENTRIES")
	overrideInt(&cfg.ModelCache.IdleTimeoutMin, "VOX_MODEL_CACHE_IDLE_TIMEOUT_MIN")
	overrideInt(&cfg.ModelCache.SweepEveryS, "VOX_MODEL_CACHE_SWEEP_EVERY_S")
	overrideInt(&cfg.Segmenter.MaxChunkChars, "VOX_SEGMENTER_MAX_CHUNK_CHARS")
	overrideInt(&cfg.Segmenter.MinChunkWords, "VOX_SEGMENTER_MIN_CHUNK_WORDS")
	overrideInt(&cfg.Segmenter.ChunkingThreshold, "VOX_SEGMENTER_CHUNKING_THRESHOLD")
	overrideFloat(&cfg.Segmenter.CharsPerSecond, "VOX_SEGMENTER_CHARS_PER_SECOND")
	overrideFloat(&cfg.Segmenter.RefMatchRatio, "VOX_SEGMENTER_REF_MATCH_RATIO")
	overrideFloat(&cfg.Segmenter.RefMatchTolerance, "VOX_SEGMENTER_REF_MATCH_TOLERANCE")
	overrideString(&cfg.Synth.Mode, "VOX_SYNTH_MODE")
	overrideString(&cfg.Synth.Command, "VOX_SYNTH_COMMAND")
	overrideInt(&cfg.Synth.SampleRate, "VOX_SYNTH_SAMPLE_RATE")
	overrideInt(&cfg.Synth.MaxRetries, "VOX_SYNTH_MAX_RETRIES")
	overrideInt(&cfg.Synth.CrossfadeMS, "VOX_SYNTH_CROSSFADE_MS")
	overrideInt(&cfg.Scheduler.Workers, "VOX_SCHEDULER_WORKERS")
	overrideInt(&cfg.Scheduler.MaxQueuedJobs, "VOX_SCHEDULER_MAX_QUEUED_JOBS")
	overrideInt(&cfg.Scheduler.ClientRatePerMin, "VOX_SCHEDULER_CLIENT_RATE_PER_MIN")
	overrideInt(&cfg.Scheduler.MaxRetries, "VOX_SCHEDULER_MAX_RETRIES")
	overrideInt(&cfg.Scheduler.JobTimeoutS, "VOX_SCHEDULER_JOB_TIMEOUT_S")
	overrideInt(&cfg.Scheduler.RetentionMin, "VOX_SCHEDULER_RETENTION_MIN")
	overrideString(&cfg.Store.Path, "VOX_STORE_PATH")
	overrideInt(&cfg.Store.RetentionDays, "VOX_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxJobs, "VOX_STORE_MAX_JOBS")
	overrideBool(&cfg.Store.VacuumOnStart, "VOX_STORE_VACUUM_ON_START")
	overrideString(&cfg.ModelPath, "VOX_MODEL_PATH")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Devices.MaxSessionsPerDev <= 0 {
		return errors.New("devices.max_sessions_per_device must be >= 1")
	}
	if cfg.Devices.RefreshIntervalMS <= 0 {
		return errors.New("devices.refresh_interval_ms must be positive")
	}
	for _, dev := range cfg.Devices.Devices {
		if dev.ID == "" {
			return errors.New("devices.devices entries must have an id")
		}
		if dev.MemoryMB <= 0 {
			return fmt.Errorf("device %s: memory_mb must be positive", dev.ID)
		}
	}
	if cfg.ModelCache.MaxEntries <= 0 {
		return errors.New("model_cache.max_entries must be >= 1")
	}
	if cfg.ModelCache.IdleTimeoutMin <= 0 {
		return errors.New("model_cache.idle_timeout_min must be positive")
	}
	if cfg.Segmenter.MaxChunkChars <= 0 {
		return errors.New("segmenter.max_chunk_chars must be positive")
	}
	if cfg.Segmenter.ChunkingThreshold <= 0 {
		return errors.New("segmenter.chunking_threshold_chars must be positive")
	}
	if cfg.Segmenter.ChunkingThreshold > cfg.Segmenter.MaxChunkChars {
		return errors.New("segmenter.chunking_threshold_chars must not exceed max_chunk_chars")
	}
	if cfg.Segmenter.CharsPerSecond <= 0 {
		return errors.New("segmenter.chars_per_second must be positive")
	}
	if cfg.Segmenter.RefMatchRatio < 1 {
		return errors.New("segmenter.ref_match_ratio must be >= 1")
	}
	if cfg.Segmenter.RefMatchTolerance <= 0 || cfg.Segmenter.RefMatchTolerance >= 1 {
		return errors.New("segmenter.ref_match_tolerance must be in (0, 1)")
	}
	switch cfg.Synth.Mode {
	case "mock", "exec":
	default:
		return errors.New("synth.mode must be one of mock|exec")
	}
	if cfg.Synth.Mode == "exec" && cfg.Synth.Command == "" {
		return errors.New("synth.command must be set when mode=exec")
	}
	if cfg.Synth.SampleRate <= 0 {
		return errors.New("synth.sample_rate must be positive")
	}
	if cfg.Synth.MaxRetries < 0 {
		return errors.New("synth.max_retries must be >= 0")
	}
	if cfg.Synth.MinGainRatio <= 0 || cfg.Synth.MinGainRatio > 1 {
		return errors.New("synth.min_gain_ratio must be in (0, 1]")
	}
	if cfg.Synth.MaxGainRatio < 1 {
		return errors.New("synth.max_gain_ratio must be >= 1")
	}
	if cfg.Scheduler.Workers <= 0 {
		return errors.New("scheduler.workers must be >= 1")
	}
	if cfg.Scheduler.MaxQueuedJobs <= 0 {
		return errors.New("scheduler.max_queued_jobs must be >= 1")
	}
	if cfg.Scheduler.ClientRatePerMin <= 0 {
		return errors.New("scheduler.client_rate_per_min must be >= 1")
	}
	if cfg.Scheduler.MaxRetries < 0 {
		return errors.New("scheduler.max_retries must be >= 0")
	}
	if cfg.Scheduler.JobTimeoutS <= 0 {
		return errors.New("scheduler.job_timeout_s must be positive")
	}
	if cfg.Scheduler.RetentionMin <= 0 {
		return errors.New("scheduler.retention_min must be positive")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	return nil
}
