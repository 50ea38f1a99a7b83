package synth

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MockRuntime produces deterministic shaped PCM without a model. It stands in
// for the inference backend in tests and development deployments.
type MockRuntime struct {
	SampleRate     int
	CharsPerSecond float64

	// RunHook, when set, is consulted before each Run and may inject a
	// failure. Used by tests to simulate backend errors.
	RunHook func(in Input) error

	loads atomic.Int64
}

func NewMockRuntime(sampleRate int) *MockRuntime {
	return &MockRuntime{SampleRate: sampleRate, CharsPerSecond: 15}
}

// Loads reports how many sessions this runtime has constructed.
func (m *MockRuntime) Loads() int64 { return m.loads.Load() }

func (m *MockRuntime) LoadSession(_ context.Context, modelPath, device string) (Session, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, ErrModelUnavailable
	}
	m.loads.Add(1)
	return &mockSession{
		id:      uuid.NewString(),
		device:  device,
		runtime: m,
	}, nil
}

type mockSession struct {
	id      string
	device  string
	runtime *MockRuntime
	mu      sync.Mutex
	closed  bool
}

func (s *mockSession) ID() string     { return s.id }
func (s *mockSession) Device() string { return s.device }

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Run emits a sine tone whose frequency derives from the text and voice so
// equal inputs produce equal audio. Duration tracks the length a speaker
// would need, which keeps stitched output plausible for tests.
func (s *mockSession) Run(ctx context.Context, in Input) ([]float64, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.runtime.RunHook != nil {
		if err := s.runtime.RunHook(in); err != nil {
			return nil, err
		}
	}

	sampleRate := in.SampleRate
	if sampleRate <= 0 {
		sampleRate = s.runtime.SampleRate
	}
	cps := s.runtime.CharsPerSecond
	if cps <= 0 {
		cps = 15
	}
	rate := in.Rate
	if rate <= 0 {
		rate = 1
	}

	seconds := float64(len(in.Text)) / (cps * rate)
	if seconds < 0.05 {
		seconds = 0.05
	}
	n := int(seconds * float64(sampleRate))

	h := fnv.New32a()
	h.Write([]byte(in.Voice))
	h.Write([]byte{0})
	h.Write([]byte(in.Text))
	freq := 110 + float64(h.Sum32()%220) + 40*in.Pitch

	amp := 0.3
	if in.Energy > 0 {
		amp = math.Min(0.9, 0.3*in.Energy)
	}

	pcm := make([]float64, n)
	for i := range pcm {
		t := float64(i) / float64(sampleRate)
		pcm[i] = amp * math.Sin(2*math.Pi*freq*t)
	}
	return pcm, nil
}
