package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voxlabs-ai/vox-core/internal/modelcache"
	"github.com/voxlabs-ai/vox-core/internal/segment"
	"github.com/voxlabs-ai/vox-core/internal/synth"
	"github.com/voxlabs-ai/vox-core/internal/voice"
)

// errNoDevice marks transient accelerator contention. The job goes back in
// the queue rather than failing.
var errNoDevice = errors.New("no accelerator with free capacity")

// process runs one attempt of a job and classifies the outcome. Transient
// failures requeue with backoff up to the retry budget; configuration errors
// and timeouts are final.
func (s *Scheduler) process(ctx context.Context, job *Job, log *slog.Logger) {
	timeout := time.Duration(s.cfg.JobTimeoutS) * time.Second
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.mu.Lock()
	job.State = StateProcessing
	job.StartedAt = s.clock()
	job.Attempts++
	job.Message = ""
	s.mu.Unlock()
	s.publishProgress(job)

	err := s.attempt(jobCtx, job)

	s.mu.Lock()
	attempts := job.Attempts
	s.mu.Unlock()

	switch {
	case err == nil:
		s.mu.Lock()
		s.finishLocked(job, StateCompleted, "")
		s.mu.Unlock()
		log.Info("job completed",
			slog.String("job_id", job.ID),
			slog.Int("chunks", job.ChunksTotal),
			slog.Int("degraded", job.Stats.DegradedChunks))

	case errors.Is(err, context.DeadlineExceeded):
		// A timed-out job already consumed its full budget once. Retrying
		// would just burn another timeout's worth of device time.
		s.mu.Lock()
		s.finishLocked(job, StateFailed, fmt.Sprintf("timed out after %s", timeout))
		s.mu.Unlock()
		log.Error("job timed out", slog.String("job_id", job.ID))

	case errors.Is(err, synth.ErrModelUnavailable):
		s.mu.Lock()
		s.finishLocked(job, StateFailed, err.Error())
		s.mu.Unlock()
		log.Error("job failed, model unavailable",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))

	case errors.Is(err, errNoDevice) || errors.Is(err, synth.ErrResourceExhausted):
		if attempts <= s.cfg.MaxRetries {
			s.scheduleRetry(job, err)
			return
		}
		s.mu.Lock()
		s.finishLocked(job, StateFailed, fmt.Sprintf("retries exhausted: %v", err))
		s.mu.Unlock()
		log.Error("job failed after retries",
			slog.String("job_id", job.ID),
			slog.Int("attempts", attempts))

	default:
		s.mu.Lock()
		s.finishLocked(job, StateFailed, err.Error())
		s.mu.Unlock()
		log.Error("job failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}
}

// attempt performs the full synthesis flow for one try. The device lease is
// scoped to this attempt and released on every exit path.
func (s *Scheduler) attempt(ctx context.Context, job *Job) error {
	req := job.Request
	cleaned := strings.TrimSpace(req.Text)

	// Lease an accelerator for the attempt. With no accelerators configured
	// the runtime synthesizes on CPU and there is nothing to lease.
	dev := "cpu"
	if len(s.deviceCfg.Devices) > 0 {
		estDur := s.seg.EstimateSpeakingTime(cleaned)
		devID, ok := s.devices.Allocate(job.ID, s.cfg.EstSessionMemoryMB, estDur)
		if !ok {
			return errNoDevice
		}
		defer s.devices.Release(job.ID)
		dev = devID
	}

	var refSamples []float64
	if job.Kind == KindCloning {
		samples, refRate, err := synth.DecodeWAV(req.ReferenceAudio)
		if err != nil {
			return fmt.Errorf("reference audio: %w", err)
		}
		if refRate != s.synthCfg.SampleRate {
			s.log.Debug("reference sample rate differs from output",
				slog.String("job_id", job.ID),
				slog.Int("reference_rate", refRate))
		}
		refSamples = samples
	}

	segStart := s.clock()
	s.setStage(job, StageSegmenting)
	parts := s.segmentFor(job, cleaned, req.ReferenceText)
	s.recordStage(job, StageSegmenting, s.clock().Sub(segStart))
	if len(parts) == 0 {
		return errors.New("no synthesizable text after cleaning")
	}

	s.mu.Lock()
	job.ChunksTotal = len(parts)
	job.ChunksDone = 0
	job.Stats.ChunkingUsed = len(parts) > 1
	job.Stats.DegradedChunks = 0
	s.mu.Unlock()
	s.publishProgress(job)

	vctx := s.voices.NewContext(refSamples, req.ReferenceText, voice.Params{
		Pitch:  req.Pitch,
		Energy: req.Energy,
		Rate:   req.Rate,
	})
	tracker := s.voices.Track(vctx, time.Duration(s.synthCfg.CrossfadeMS)*time.Millisecond)

	sess, err := s.cache.GetOrCreate(ctx, modelcache.SessionConfig{
		Language:     req.Language,
		Device:       dev,
		ModelPath:    s.modelPath,
		ModelVariant: req.ModelVariant,
	})
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}

	synthStart := s.clock()
	s.setStage(job, StageSynthesizing)
	in := synth.Input{
		Language:       req.Language,
		Voice:          req.Voice,
		ReferenceAudio: refSamples,
		ReferenceText:  req.ReferenceText,
	}
	results := make([]synth.ChunkResult, 0, len(parts))
	states := make([]voice.ChunkState, 0, len(parts))
	for _, chunk := range parts {
		state := tracker.PrepareChunkState(chunk)
		res, err := s.pipe.SynthesizeChunk(ctx, sess, chunk, state, in)
		if err != nil {
			return err
		}
		results = append(results, res)
		states = append(states, state)

		s.mu.Lock()
		job.ChunksDone++
		if res.Degraded {
			job.Stats.DegradedChunks++
		}
		s.mu.Unlock()
		s.publishProgress(job)
	}
	s.recordStage(job, StageSynthesizing, s.clock().Sub(synthStart))

	stitchStart := s.clock()
	s.setStage(job, StageStitching)
	samples, err := s.pipe.Concatenate(results, states)
	if err != nil {
		return fmt.Errorf("stitch chunks: %w", err)
	}
	s.recordStage(job, StageStitching, s.clock().Sub(stitchStart))

	encodeStart := s.clock()
	s.setStage(job, StageEncoding)
	audio, err := synth.EncodeWAV(samples, s.synthCfg.SampleRate)
	if err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	s.recordStage(job, StageEncoding, s.clock().Sub(encodeStart))

	s.mu.Lock()
	job.Result = &Result{
		Audio:          audio,
		SampleRate:     s.synthCfg.SampleRate,
		GenerationTime: s.clock().Sub(job.StartedAt),
	}
	s.mu.Unlock()
	return ctx.Err()
}

// segmentFor picks the segmentation strategy: cloning jobs try to match
// chunk lengths to the reference cadence, everything else uses the general
// splitter.
func (s *Scheduler) segmentFor(job *Job, text, refText string) []segment.Chunk {
	if job.Kind == KindCloning {
		refWords := len(strings.Fields(refText))
		return s.seg.SegmentWithReference(text, refWords)
	}
	return s.seg.Segment(text)
}

func (s *Scheduler) setStage(job *Job, stage string) {
	s.mu.Lock()
	job.Stage = stage
	s.mu.Unlock()
}

func (s *Scheduler) recordStage(job *Job, stage string, d time.Duration) {
	s.mu.Lock()
	job.Stats.StageTimings[stage] += d
	s.mu.Unlock()
}
