package synth

import (
	"context"
	"errors"
)

// Input carries everything one synthesis call needs. Voice names a built-in
// speaker preset; ReferenceAudio and ReferenceText are only set for
// voice-cloning requests.
type Input struct {
	Text           string
	Language       string
	Voice          string
	ReferenceAudio []float64
	ReferenceText  string
	Pitch          float64
	Energy         float64
	Rate           float64
	SampleRate     int
}

// Session is a loaded, ready-to-run instance of the acoustic model bound to
// a device. Sessions are expensive to construct and are cached warm.
type Session interface {
	ID() string
	Device() string
	Run(ctx context.Context, in Input) ([]float64, error)
	Close() error
}

// Runtime constructs sessions against an opaque inference backend. The core
// never interprets model internals beyond treating outputs as sample buffers.
type Runtime interface {
	LoadSession(ctx context.Context, modelPath, device string) (Session, error)
}

var (
	// ErrResourceExhausted marks out-of-memory class failures from the
	// inference backend. Callers retry with degraded input.
	ErrResourceExhausted = errors.New("synthesis resource exhausted")
	// ErrModelUnavailable marks a missing or unloadable model artifact.
	// This is a configuration error and is never retried.
	ErrModelUnavailable = errors.New("model artifact unavailable")
	// ErrSessionClosed is returned when running against a closed session.
	ErrSessionClosed = errors.New("session closed")
)
