package voice

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/voxlabs-ai/vox-core/internal/segment"
)

// Params are baseline prosody statistics for a speaker: relative pitch,
// energy, and speaking rate, all centered on 1.0.
type Params struct {
	Pitch  float64
	Energy float64
	Rate   float64
}

// Traits are categorical voice attributes derived from reference material.
type Traits struct {
	Register string // low | mid | high
	Pace     string // slow | steady | fast
}

// Context carries the derived speaker identity for one job. It is created
// once and read-only thereafter.
type Context struct {
	SpeakerKey   string
	Baseline     Params
	Traits       Traits
	RefWordCount int
	RefDuration  time.Duration
}

// FadeCurve selects the crossfade shape applied at a chunk boundary.
type FadeCurve string

const (
	CurveLinear FadeCurve = "linear"
	CurveCosine FadeCurve = "cosine"
	CurveSmooth FadeCurve = "smooth"
)

// FadeConfig describes how a chunk blends into its successor. The curve is
// not part of the config: it is chosen at stitch time from the audio on each
// side of the join, via CurveBetween.
type FadeConfig struct {
	Duration time.Duration
}

// Energy levels that steer curve selection. Below quietEnergy a chunk blends
// so little signal that a plain linear ramp is inaudible; above
// energyJumpDelta the level difference needs the extra smooth curve to avoid
// a pumping artifact.
const (
	quietEnergy     = 0.8
	energyJumpDelta = 0.25
)

// CurveBetween picks the crossfade shape for the join between two chunks
// from their energies: linear when both sides are quiet, extra smooth across
// a large level jump, cosine otherwise.
func CurveBetween(prev, next float64) FadeCurve {
	if prev < quietEnergy && next < quietEnergy {
		return CurveLinear
	}
	if math.Abs(prev-next) > energyJumpDelta {
		return CurveSmooth
	}
	return CurveCosine
}

// ChunkState holds the per-chunk transition parameters handed to the
// synthesis pipeline. States are derived per chunk and discarded after that
// chunk's audio is produced.
type ChunkState struct {
	Index        int
	Pitch        float64
	Energy       float64
	Tempo        float64
	TimbreBlend  float64
	Fade         FadeConfig
	EndsSentence bool
}

// Manager derives voice contexts and caches them by reference material so
// identical references reuse one derivation across jobs.
type Manager struct {
	log *slog.Logger

	mu    sync.Mutex
	cache map[string]*Context
}

func NewManager(log *slog.Logger) *Manager {
	return &Manager{
		log:   log.With(slog.String("component", "voice-continuity")),
		cache: make(map[string]*Context),
	}
}

// NewContext derives (or reuses) the speaker context for the given reference
// material. With no reference audio the supplied params become the baseline
// unchanged.
func (m *Manager) NewContext(refAudio []float64, refText string, base Params) *Context {
	key := contextKey(refAudio, refText)

	// The lock spans check and insert so concurrent jobs with the same
	// reference share one derivation.
	m.mu.Lock()
	if cached, ok := m.cache[key]; ok {
		m.mu.Unlock()
		return cached
	}
	ctx := deriveContext(key, refAudio, refText, base)
	m.cache[key] = ctx
	m.mu.Unlock()

	m.log.Debug("derived voice context",
		slog.String("speaker_key", key),
		slog.Int("ref_words", ctx.RefWordCount))
	return ctx
}

// CachedContexts reports how many derived contexts are held.
func (m *Manager) CachedContexts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

func contextKey(refAudio []float64, refText string) string {
	h := sha256.New()
	for _, s := range refAudio {
		var buf [8]byte
		bits := math.Float64bits(s)
		for i := 0; i < 8; i++ {
			buf[i] = byte(bits >> (8 * i))
		}
		h.Write(buf[:])
	}
	h.Write([]byte{0})
	h.Write([]byte(refText))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func deriveContext(key string, refAudio []float64, refText string, base Params) *Context {
	if base.Pitch == 0 {
		base.Pitch = 1
	}
	if base.Energy == 0 {
		base.Energy = 1
	}
	if base.Rate == 0 {
		base.Rate = 1
	}

	ctx := &Context{
		SpeakerKey:   key,
		Baseline:     base,
		Traits:       Traits{Register: "mid", Pace: "steady"},
		RefWordCount: len(strings.Fields(refText)),
	}
	if len(refAudio) == 0 {
		return ctx
	}

	// Energy from RMS, pitch proxy from zero-crossing rate. Crude, but the
	// pipeline only needs relative factors to pull chunks together.
	rms := 0.0
	crossings := 0
	for i, s := range refAudio {
		rms += s * s
		if i > 0 && (s >= 0) != (refAudio[i-1] >= 0) {
			crossings++
		}
	}
	rms = math.Sqrt(rms / float64(len(refAudio)))
	zcr := float64(crossings) / float64(len(refAudio))

	ctx.Baseline.Energy = clamp(base.Energy*(0.5+rms*2), 0.5, 2)
	ctx.Baseline.Pitch = clamp(base.Pitch*(0.5+zcr*20), 0.5, 2)

	switch {
	case ctx.Baseline.Pitch < 0.85:
		ctx.Traits.Register = "low"
	case ctx.Baseline.Pitch > 1.15:
		ctx.Traits.Register = "high"
	}
	return ctx
}

// Tracker carries per-job continuity state across chunks. It is consulted by
// the worker, never owns synthesis.
type Tracker struct {
	ctx  *Context
	prev *ChunkState

	crossfadeBase time.Duration
}

// Track starts per-job continuity over an immutable context.
func (m *Manager) Track(ctx *Context, crossfadeBase time.Duration) *Tracker {
	return &Tracker{ctx: ctx, crossfadeBase: crossfadeBase}
}

// damping factors per chunk type: dialogue and transition chunks get pulled
// harder toward their neighbors.
func dampingFor(t segment.ChunkType) float64 {
	switch t {
	case segment.TypeDialogue, segment.TypeTransition:
		return 0.6
	default:
		return 0.3
	}
}

// PrepareChunkState derives transition parameters for one chunk, pulling
// pitch/energy/tempo toward the previous chunk's outcome within the
// 0.95–1.05 damping band.
func (t *Tracker) PrepareChunkState(c segment.Chunk) ChunkState {
	base := t.ctx.Baseline

	target := Params{Pitch: base.Pitch, Energy: base.Energy, Rate: base.Rate}
	switch c.Prosody {
	case segment.ProsodyInterrogative:
		target.Pitch *= 1.05
	case segment.ProsodyExclamatory:
		target.Energy *= 1.05
	}

	state := ChunkState{
		Index:        c.Index,
		Pitch:        target.Pitch,
		Energy:       target.Energy,
		Tempo:        target.Rate,
		TimbreBlend:  1,
		EndsSentence: !c.EndsMidSentence,
	}

	if t.prev != nil {
		d := dampingFor(c.Type)
		state.Pitch = blendDamped(target.Pitch, t.prev.Pitch, d)
		state.Energy = blendDamped(target.Energy, t.prev.Energy, d)
		state.Tempo = blendDamped(target.Rate, t.prev.Tempo, d)
		state.TimbreBlend = clamp(1-d*0.1, 0.9, 1)
	}

	state.Fade = t.fadeFor(c)
	t.prev = &state
	return state
}

// Continuity returns the merged view of where the audio left off before the
// given chunk index: the base context adjusted by the previous chunk's
// transition outcome.
func (t *Tracker) Continuity(index int) Params {
	base := t.ctx.Baseline
	if t.prev == nil || t.prev.Index >= index {
		return base
	}
	return Params{
		Pitch:  (base.Pitch + t.prev.Pitch) / 2,
		Energy: (base.Energy + t.prev.Energy) / 2,
		Rate:   (base.Rate + t.prev.Tempo) / 2,
	}
}

// fadeFor widens the crossfade when a boundary lands mid-sentence and
// narrows it at clean sentence ends.
func (t *Tracker) fadeFor(c segment.Chunk) FadeConfig {
	duration := t.crossfadeBase
	switch {
	case c.EndsMidSentence && c.StartsMidSentence:
		duration = duration * 2
	case c.EndsMidSentence || c.StartsMidSentence:
		duration = duration * 3 / 2
	default:
		duration = duration * 3 / 4
	}
	return FadeConfig{Duration: duration}
}

// blendDamped pulls value toward prev, clamping the resulting adjustment to
// the 0.95–1.05 continuity band around the target.
func blendDamped(target, prev, damping float64) float64 {
	blended := target*(1-damping) + prev*damping
	return clamp(blended, target*0.95, target*1.05)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
