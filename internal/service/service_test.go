package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/voxlabs-ai/vox-core/internal/bus"
	"github.com/voxlabs-ai/vox-core/internal/config"
	"github.com/voxlabs-ai/vox-core/internal/device"
	"github.com/voxlabs-ai/vox-core/internal/modelcache"
	"github.com/voxlabs-ai/vox-core/internal/natsserver"
	"github.com/voxlabs-ai/vox-core/internal/protocol"
	"github.com/voxlabs-ai/vox-core/internal/scheduler"
	"github.com/voxlabs-ai/vox-core/internal/segment"
	"github.com/voxlabs-ai/vox-core/internal/synth"
	"github.com/voxlabs-ai/vox-core/internal/voice"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startService(t *testing.T) (*Service, *bus.Client) {
	t.Helper()
	log := testLogger()
	ctx := context.Background()

	busCfg := config.BusConfig{Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, log)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	busCfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(ctx, busCfg, log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	cfg := config.Default()
	cfg.ModelPath = "model.bin"
	cfg.Synth.SampleRate = 8000

	dev := device.NewManager(ctx, cfg.Devices, log)
	t.Cleanup(dev.Close)
	rt := synth.NewMockRuntime(cfg.Synth.SampleRate)
	cache, err := modelcache.New(ctx, cfg.ModelCache, rt, log)
	if err != nil {
		t.Fatalf("modelcache.New: %v", err)
	}
	t.Cleanup(cache.Close)

	hooks := scheduler.Hooks{Progress: ProgressPublisher(client, log)}
	sched := scheduler.New(ctx, cfg, dev, cache,
		segment.New(cfg.Segmenter, log), voice.NewManager(log),
		synth.NewPipeline(cfg.Synth, log), hooks, log)
	t.Cleanup(sched.Close)

	svc := NewService(ctx, client, sched, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("service not healthy after start")
	}
	return svc, client
}

func request[T any](t *testing.T, client *bus.Client, subject string, payload any) T {
	t.Helper()
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}
	msg, err := client.Conn().Request(subject, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var out T
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return out
}

func TestSubmitStatusRoundTrip(t *testing.T) {
	_, client := startService(t)

	sub := request[protocol.SubmitResponse](t, client, protocol.SubjectJobSubmit, protocol.SubmitRequest{
		ClientID: "test-client",
		Text:     "One sentence to speak over the bus.",
	})
	if sub.Error != "" || sub.JobID == "" {
		t.Fatalf("submit reply = %+v", sub)
	}

	deadline := time.Now().Add(15 * time.Second)
	for {
		st := request[protocol.JobStatus](t, client, protocol.SubjectJobStatusPrefix+"."+sub.JobID, nil)
		if st.State == "completed" {
			if len(st.AudioWAV) == 0 {
				t.Fatal("completed status must include audio")
			}
			return
		}
		if st.State == "failed" || st.State == "cancelled" {
			t.Fatalf("job ended %s: %s", st.State, st.Message)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in state %q", st.State)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSubmitRejectsMalformedPayload(t *testing.T) {
	_, client := startService(t)

	msg, err := client.Conn().Request(protocol.SubjectJobSubmit, []byte("{not json"), 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var resp protocol.SubmitResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == "" || resp.JobID != "" {
		t.Fatalf("malformed submit reply = %+v", resp)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	_, client := startService(t)
	resp := request[protocol.ErrorResponse](t, client, protocol.SubjectJobStatusPrefix+".nope", nil)
	if resp.Error != "unknown job" {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestCancelOverBus(t *testing.T) {
	_, client := startService(t)

	sub := request[protocol.SubmitResponse](t, client, protocol.SubjectJobSubmit, protocol.SubmitRequest{
		ClientID: "test-client",
		Text:     "A job that may be cancelled at any point.",
	})
	if sub.Error != "" {
		t.Fatalf("submit: %s", sub.Error)
	}

	resp := request[protocol.CancelResponse](t, client, protocol.SubjectJobCancelPrefix+"."+sub.JobID, nil)
	if resp.Error != "" {
		t.Fatalf("cancel error: %s", resp.Error)
	}

	unknown := request[protocol.CancelResponse](t, client, protocol.SubjectJobCancelPrefix+".nope", nil)
	if unknown.Error == "" {
		t.Fatal("cancel of unknown job should report an error")
	}
}

func TestProgressEventsPublished(t *testing.T) {
	_, client := startService(t)

	events := make(chan protocol.JobStatus, 64)
	progressSub, err := client.Conn().Subscribe(protocol.SubjectJobProgress, func(msg *nats.Msg) {
		var st protocol.JobStatus
		if err := json.Unmarshal(msg.Data, &st); err == nil {
			select {
			case events <- st:
			default:
			}
		}
	})
	if err != nil {
		t.Fatalf("subscribe progress: %v", err)
	}
	t.Cleanup(func() { _ = progressSub.Drain() })

	sub := request[protocol.SubmitResponse](t, client, protocol.SubjectJobSubmit, protocol.SubmitRequest{
		ClientID: "test-client",
		Text:     "Watch this job progress over the firehose subject.",
	})
	if sub.Error != "" {
		t.Fatalf("submit: %s", sub.Error)
	}

	deadline := time.After(15 * time.Second)
	for {
		select {
		case st := <-events:
			if st.JobID != sub.JobID {
				continue
			}
			if len(st.AudioWAV) != 0 {
				t.Fatal("progress events must not carry audio")
			}
			if st.State == "completed" {
				return
			}
		case <-deadline:
			t.Fatal("no completion progress event observed")
		}
	}
}
