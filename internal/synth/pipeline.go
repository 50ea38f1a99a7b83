package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/voxlabs-ai/vox-core/internal/config"
	"github.com/voxlabs-ai/vox-core/internal/segment"
	"github.com/voxlabs-ai/vox-core/internal/voice"
)

// ChunkResult is the outcome of synthesizing one chunk. Degraded marks audio
// produced from truncated text or substituted silence after repeated
// resource exhaustion.
type ChunkResult struct {
	Index    int
	Samples  []float64
	Degraded bool
}

// Pipeline turns segmented chunks into one continuous waveform. It owns
// retry policy and stitching, but never session lifecycle.
type Pipeline struct {
	cfg config.SynthConfig
	log *slog.Logger
}

func NewPipeline(cfg config.SynthConfig, log *slog.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, log: log.With(slog.String("component", "synth-pipeline"))}
}

// SynthesizeChunk renders one chunk through the session, retrying with
// progressively truncated text when the runtime reports resource
// exhaustion. The final fallback is silence sized to the chunk's estimated
// duration, so one bad chunk never sinks a long job.
func (p *Pipeline) SynthesizeChunk(ctx context.Context, sess Session, chunk segment.Chunk, state voice.ChunkState, req Input) (ChunkResult, error) {
	attempts := []struct {
		text     string
		degraded bool
	}{
		{chunk.Text, false},
		{truncateWords(chunk.Text, 0.7), true},
		{truncateWords(chunk.Text, 0.5), true},
	}
	if p.cfg.MaxRetries < 2 {
		attempts = attempts[:1+p.cfg.MaxRetries]
	}

	in := req
	in.Pitch = state.Pitch
	in.Energy = state.Energy
	in.Rate = state.Tempo
	in.SampleRate = p.cfg.SampleRate

	var lastErr error
	for i, attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return ChunkResult{}, err
		}
		in.Text = attempt.text
		samples, err := sess.Run(ctx, in)
		if err == nil {
			if i > 0 {
				p.log.Warn("chunk synthesized with truncated text",
					slog.Int("chunk", chunk.Index),
					slog.Int("attempt", i+1))
			}
			return ChunkResult{Index: chunk.Index, Samples: samples, Degraded: attempt.degraded}, nil
		}
		if !errors.Is(err, ErrResourceExhausted) {
			return ChunkResult{}, fmt.Errorf("chunk %d: %w", chunk.Index, err)
		}
		lastErr = err
	}

	// Silence placeholder keeps timing roughly intact for the listener.
	p.log.Warn("substituting silence after repeated resource exhaustion",
		slog.Int("chunk", chunk.Index),
		slog.Duration("duration", chunk.EstimatedDuration),
		slog.String("error", lastErr.Error()))
	n := int(chunk.EstimatedDuration.Seconds() * float64(p.cfg.SampleRate))
	if n <= 0 {
		n = p.cfg.SampleRate / 10
	}
	return ChunkResult{Index: chunk.Index, Samples: make([]float64, n), Degraded: true}, nil
}

// Concatenate stitches chunk waveforms in index order with amplitude
// normalization and crossfaded joins. A single chunk passes through
// untouched.
func (p *Pipeline) Concatenate(results []ChunkResult, states []voice.ChunkState) ([]float64, error) {
	if len(results) == 0 {
		return nil, errors.New("no chunks to concatenate")
	}
	for i, r := range results {
		if r.Index != i {
			return nil, fmt.Errorf("chunk results out of order: position %d holds index %d", i, r.Index)
		}
	}
	if len(results) == 1 {
		return results[0].Samples, nil
	}

	normalized := p.normalize(results, states)

	out := append([]float64(nil), normalized[0]...)
	for i := 1; i < len(normalized); i++ {
		fade := p.fadeSamples(states, i, len(normalized[i-1]), len(normalized[i]))
		out = crossfade(out, normalized[i], fade, curveAt(states, i))
	}

	if p.cfg.SmoothingWindow > 1 {
		smooth(out, p.cfg.SmoothingWindow)
	}
	return out, nil
}

// normalize scales each chunk toward the first chunk's RMS. Silence is left
// alone, and the correction is clamped so normalization can never introduce
// a bigger discontinuity than it removes. The clamp tightens for chunks
// that start at a clean sentence boundary, where a level shift is natural.
func (p *Pipeline) normalize(results []ChunkResult, states []voice.ChunkState) [][]float64 {
	out := make([][]float64, len(results))
	ref := rms(results[0].Samples)
	out[0] = results[0].Samples
	for i := 1; i < len(results); i++ {
		samples := results[i].Samples
		r := rms(samples)
		if ref == 0 || r == 0 {
			out[i] = samples
			continue
		}
		lo, hi := p.cfg.MinGainRatio, p.cfg.MaxGainRatio
		if i-1 < len(states) && states[i-1].EndsSentence {
			lo, hi = midpoint(lo, 1), midpoint(hi, 1)
		}
		gain := clampf(ref/r, lo, hi)
		if gain == 1 {
			out[i] = samples
			continue
		}
		scaled := make([]float64, len(samples))
		for j, s := range samples {
			scaled[j] = s * gain
		}
		out[i] = scaled
	}
	return out
}

// fadeSamples sizes the overlap at the join before chunk i. The overlap can
// never exceed the shorter of the two adjacent chunks, so a short chunk is
// never consumed past its own boundary.
func (p *Pipeline) fadeSamples(states []voice.ChunkState, i, prevLen, nextLen int) int {
	d := time.Duration(p.cfg.CrossfadeMS) * time.Millisecond
	if i < len(states) && states[i].Fade.Duration > 0 {
		d = states[i].Fade.Duration
	}
	fade := int(d.Seconds() * float64(p.cfg.SampleRate))
	if fade > prevLen {
		fade = prevLen
	}
	if fade > nextLen {
		fade = nextLen
	}
	if fade < 1 {
		fade = 1
	}
	return fade
}

// curveAt picks the fade shape for the join before chunk i from the energy
// on each side of it.
func curveAt(states []voice.ChunkState, i int) voice.FadeCurve {
	if i < 1 || i >= len(states) {
		return voice.CurveCosine
	}
	return voice.CurveBetween(states[i-1].Energy, states[i].Energy)
}

// crossfade overlaps the tail of a with the head of b over n samples.
func crossfade(a, b []float64, n int, curve voice.FadeCurve) []float64 {
	out := a[:len(a)-n]
	mixed := make([]float64, n)
	tail := a[len(a)-n:]
	for i := 0; i < n; i++ {
		t := float64(i) / float64(n)
		w := fadeWeight(t, curve)
		mixed[i] = tail[i]*(1-w) + b[i]*w
	}
	out = append(out, mixed...)
	return append(out, b[n:]...)
}

func fadeWeight(t float64, curve voice.FadeCurve) float64 {
	switch curve {
	case voice.CurveLinear:
		return t
	case voice.CurveSmooth:
		return t * t * (3 - 2*t)
	default:
		return 0.5 - 0.5*math.Cos(math.Pi*t)
	}
}

// smooth applies a small moving average in place to soften residual seams.
func smooth(samples []float64, window int) {
	if len(samples) < window {
		return
	}
	prev := make([]float64, window)
	sum := 0.0
	for i, s := range samples {
		idx := i % window
		if i >= window {
			sum -= prev[idx]
		}
		prev[idx] = s
		sum += s
		if i >= window-1 {
			samples[i-window/2] = sum / float64(window)
		}
	}
}

func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func truncateWords(text string, frac float64) string {
	words := strings.Fields(text)
	keep := int(float64(len(words)) * frac)
	if keep < 1 {
		keep = 1
	}
	return strings.Join(words[:keep], " ")
}

func midpoint(a, b float64) float64 { return (a + b) / 2 }

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
