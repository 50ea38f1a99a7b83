package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/voxlabs-ai/vox-core/internal/protocol"
)

type Kind string

const (
	KindInteractive Kind = "interactive"
	KindCloning     Kind = "cloning"
)

type State string

const (
	StatePending    State = "pending"
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Stage names reported while a job is processing.
const (
	StageSegmenting   = "segmenting"
	StageSynthesizing = "synthesizing"
	StageStitching    = "stitching"
	StageEncoding     = "encoding"
)

func terminal(s State) bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Result is the finished audio of a completed job.
type Result struct {
	Audio          []byte
	SampleRate     int
	GenerationTime time.Duration
}

// Stats accumulates per-job synthesis accounting.
type Stats struct {
	ChunkingUsed   bool
	DegradedChunks int
	StageTimings   map[string]time.Duration
}

// Job is the scheduler's unit of work. All fields are guarded by the
// scheduler mutex once the job is submitted.
type Job struct {
	ID       string
	Kind     Kind
	ClientID string
	Priority int
	Request  protocol.SubmitRequest

	State       State
	Stage       string
	Message     string
	Attempts    int
	ChunksDone  int
	ChunksTotal int
	Stats       Stats
	Result      *Result

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	seq     uint64
	retries *backoff.ExponentialBackOff
}

// status snapshots the externally visible view. Callers hold the scheduler
// mutex.
func (j *Job) status() protocol.JobStatus {
	st := protocol.JobStatus{
		JobID:          j.ID,
		Kind:           string(j.Kind),
		State:          string(j.State),
		Priority:       j.Priority,
		Message:        j.Message,
		Stage:          j.Stage,
		ChunksDone:     j.ChunksDone,
		ChunksTotal:    j.ChunksTotal,
		ChunkingUsed:   j.Stats.ChunkingUsed,
		DegradedChunks: j.Stats.DegradedChunks,
		CreatedAt:      j.CreatedAt,
		CompletedAt:    j.CompletedAt,
	}
	if j.Result != nil {
		st.SampleRate = j.Result.SampleRate
		st.AudioWAV = j.Result.Audio
		st.GenerationMS = j.Result.GenerationTime.Milliseconds()
	}
	return st
}
