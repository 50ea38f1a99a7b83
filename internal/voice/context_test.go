package voice

import (
	"log/slog"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/voxlabs-ai/vox-core/internal/segment"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sine(freq float64, seconds float64, rate int) []float64 {
	n := int(seconds * float64(rate))
	out := make([]float64, n)
	for i := range out {
		out[i] = 0.3 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return out
}

func TestContextCachedByReference(t *testing.T) {
	m := NewManager(testLogger())
	ref := sine(220, 0.5, 24000)

	a := m.NewContext(ref, "hello there", Params{})
	b := m.NewContext(ref, "hello there", Params{})
	if a != b {
		t.Fatal("identical reference material should reuse the derived context")
	}
	if c := m.NewContext(ref, "different text", Params{}); c == a {
		t.Fatal("different reference text must derive a distinct context")
	}
	if m.CachedContexts() != 2 {
		t.Fatalf("CachedContexts = %d, want 2", m.CachedContexts())
	}
}

func TestContextWithoutReferenceKeepsBaseline(t *testing.T) {
	m := NewManager(testLogger())
	ctx := m.NewContext(nil, "", Params{Pitch: 1.1, Energy: 0.9, Rate: 1.0})
	if ctx.Baseline.Pitch != 1.1 || ctx.Baseline.Energy != 0.9 || ctx.Baseline.Rate != 1.0 {
		t.Fatalf("baseline altered without reference audio: %+v", ctx.Baseline)
	}
}

func TestDerivedBaselineTracksReferenceEnergy(t *testing.T) {
	m := NewManager(testLogger())
	quiet := make([]float64, 24000)
	for i := range quiet {
		quiet[i] = 0.01 * math.Sin(2*math.Pi*200*float64(i)/24000)
	}
	loud := sine(200, 1, 24000)

	q := m.NewContext(quiet, "a", Params{})
	l := m.NewContext(loud, "a", Params{})
	if q.Baseline.Energy >= l.Baseline.Energy {
		t.Fatalf("quiet reference energy %.3f should be below loud %.3f",
			q.Baseline.Energy, l.Baseline.Energy)
	}
}

func TestChunkStateStaysWithinContinuityBand(t *testing.T) {
	m := NewManager(testLogger())
	ctx := m.NewContext(nil, "", Params{})
	tr := m.Track(ctx, 80*time.Millisecond)

	chunks := []segment.Chunk{
		{Index: 0, Type: segment.TypeNormal, Prosody: segment.ProsodyDeclarative},
		{Index: 1, Type: segment.TypeDialogue, Prosody: segment.ProsodyExclamatory},
		{Index: 2, Type: segment.TypeNormal, Prosody: segment.ProsodyInterrogative},
		{Index: 3, Type: segment.TypeTransition, Prosody: segment.ProsodyDeclarative},
	}
	for _, c := range chunks {
		st := tr.PrepareChunkState(c)
		for name, v := range map[string]float64{"pitch": st.Pitch, "energy": st.Energy, "tempo": st.Tempo} {
			if v < 0.9 || v > 1.2 {
				t.Fatalf("chunk %d %s %.3f escaped the continuity band", c.Index, name, v)
			}
		}
	}
}

func TestTransitionDampingPullsTowardPrevious(t *testing.T) {
	m := NewManager(testLogger())
	ctx := m.NewContext(nil, "", Params{})
	tr := m.Track(ctx, 80*time.Millisecond)

	first := tr.PrepareChunkState(segment.Chunk{
		Index: 0, Type: segment.TypeNormal, Prosody: segment.ProsodyExclamatory,
	})
	// A declarative chunk after an exclamatory one should land between its
	// own target (1.0) and the previous energy, not snap straight back.
	second := tr.PrepareChunkState(segment.Chunk{
		Index: 1, Type: segment.TypeNormal, Prosody: segment.ProsodyDeclarative,
	})
	if second.Energy <= 1.0 {
		t.Fatalf("energy %.3f should carry some of the previous chunk's %.3f", second.Energy, first.Energy)
	}
	if second.Energy >= first.Energy {
		t.Fatalf("energy %.3f should still decay toward the declarative target", second.Energy)
	}
}

func TestFadeWidensMidSentence(t *testing.T) {
	m := NewManager(testLogger())
	ctx := m.NewContext(nil, "", Params{})
	tr := m.Track(ctx, 80*time.Millisecond)

	clean := tr.PrepareChunkState(segment.Chunk{Index: 0})
	mid := tr.PrepareChunkState(segment.Chunk{Index: 1, StartsMidSentence: true, EndsMidSentence: true})
	half := tr.PrepareChunkState(segment.Chunk{Index: 2, EndsMidSentence: true})

	if !(clean.Fade.Duration < half.Fade.Duration && half.Fade.Duration < mid.Fade.Duration) {
		t.Fatalf("fade durations should widen with mid-sentence boundaries: %v %v %v",
			clean.Fade.Duration, half.Fade.Duration, mid.Fade.Duration)
	}
}

func TestConcurrentDerivationSharesContext(t *testing.T) {
	m := NewManager(testLogger())
	ref := sine(220, 0.5, 24000)

	got := make(chan *Context, 8)
	var wg sync.WaitGroup
	for i := 0; i < cap(got); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got <- m.NewContext(ref, "shared reference", Params{})
		}()
	}
	wg.Wait()
	close(got)

	first := <-got
	for ctx := range got {
		if ctx != first {
			t.Fatal("concurrent callers with the same reference must share one context")
		}
	}
	if m.CachedContexts() != 1 {
		t.Fatalf("CachedContexts = %d, want 1", m.CachedContexts())
	}
}

func TestCurveBetweenFollowsEnergy(t *testing.T) {
	cases := []struct {
		name       string
		prev, next float64
		want       FadeCurve
	}{
		{"quiet to quiet", 0.6, 0.7, CurveLinear},
		{"large jump", 1.0, 1.4, CurveSmooth},
		{"quiet into loud jump", 0.6, 1.2, CurveSmooth},
		{"steady speech", 1.0, 1.05, CurveCosine},
	}
	for _, tc := range cases {
		if got := CurveBetween(tc.prev, tc.next); got != tc.want {
			t.Errorf("%s: CurveBetween(%.2f, %.2f) = %s, want %s", tc.name, tc.prev, tc.next, got, tc.want)
		}
	}
}

func TestContinuityMergesPreviousOutcome(t *testing.T) {
	m := NewManager(testLogger())
	ctx := m.NewContext(nil, "", Params{})
	tr := m.Track(ctx, 80*time.Millisecond)

	if got := tr.Continuity(0); got != ctx.Baseline {
		t.Fatalf("continuity before any chunk should equal the baseline, got %+v", got)
	}
	st := tr.PrepareChunkState(segment.Chunk{Index: 0, Prosody: segment.ProsodyExclamatory})
	merged := tr.Continuity(1)
	want := (ctx.Baseline.Energy + st.Energy) / 2
	if math.Abs(merged.Energy-want) > 1e-9 {
		t.Fatalf("continuity energy = %.4f, want %.4f", merged.Energy, want)
	}
}
