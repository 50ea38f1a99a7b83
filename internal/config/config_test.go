package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Synth.SampleRate != 24000 {
		t.Fatalf("expected default sample rate 24000, got %d", cfg.Synth.SampleRate)
	}
	if cfg.Segmenter.RefMatchRatio != 2.0 {
		t.Fatalf("expected ref match ratio 2.0, got %f", cfg.Segmenter.RefMatchRatio)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOX_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOX_SCHEDULER_WORKERS", "4")
	t.Setenv("VOX_SCHEDULER_MAX_QUEUED_JOBS", "128")
	t.Setenv("VOX_SCHEDULER_CLIENT_RATE_PER_MIN", "10")
	t.Setenv("VOX_SYNTH_MODE", "exec")
	t.Setenv("VOX_SYNTH_COMMAND", "vox-infer --stream")
	t.Setenv("VOX_SEGMENTER_REF_MATCH_RATIO", "3.5")
	t.Setenv("VOX_MODEL_CACHE_MAX_ENTRIES", "8")
	t.Setenv("VOX_STORE_PATH", "./tmp.db")
	t.Setenv("VOX_STORE_VACUUM_ON_START", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Scheduler.Workers != 4 {
		t.Fatalf("expected workers override")
	}
	if cfg.Scheduler.MaxQueuedJobs != 128 {
		t.Fatalf("expected queue bound override")
	}
	if cfg.Scheduler.ClientRatePerMin != 10 {
		t.Fatalf("expected rate limit override")
	}
	if cfg.Synth.Mode != "exec" || cfg.Synth.Command != "vox-infer --stream" {
		t.Fatalf("expected synth exec override")
	}
	if cfg.Segmenter.RefMatchRatio != 3.5 {
		t.Fatalf("expected ref match ratio override, got %f", cfg.Segmenter.RefMatchRatio)
	}
	if cfg.ModelCache.MaxEntries != 8 {
		t.Fatalf("expected cache size override")
	}
	if cfg.Store.Path != "./tmp.db" || !cfg.Store.VacuumOnStart {
		t.Fatalf("expected store overrides")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("VOX_SYNTH_MODE", "exec")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for exec mode without command")
	}

	t.Setenv("VOX_SYNTH_MODE", "mock")
	t.Setenv("VOX_SCHEDULER_WORKERS", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for zero workers")
	}
}
