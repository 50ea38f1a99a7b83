package protocol

import "time"

// SubmitRequest asks the scheduler to synthesize a text.
type SubmitRequest struct {
	Kind              string  `json:"kind"` // interactive | cloning
	ClientID          string  `json:"client_id"`
	Priority          int     `json:"priority"`
	Text              string  `json:"text"`
	Language          string  `json:"language"`
	Voice             string  `json:"voice,omitempty"`
	ModelVariant      string  `json:"model_variant,omitempty"`
	ReferenceAudio    []byte  `json:"reference_audio,omitempty"`
	ReferenceText     string  `json:"reference_text,omitempty"`
	Pitch             float64 `json:"pitch,omitempty"`
	Energy            float64 `json:"energy,omitempty"`
	Rate              float64 `json:"rate,omitempty"`
}

// SubmitResponse carries the assigned job id or an admission error.
type SubmitResponse struct {
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// JobStatus is the externally visible view of a job.
type JobStatus struct {
	JobID          string    `json:"job_id"`
	Kind           string    `json:"kind"`
	State          string    `json:"state"`
	Priority       int       `json:"priority"`
	Message        string    `json:"message,omitempty"`
	Stage          string    `json:"stage,omitempty"`
	ChunksDone     int       `json:"chunks_done"`
	ChunksTotal    int       `json:"chunks_total"`
	ChunkingUsed   bool      `json:"chunking_used"`
	DegradedChunks int       `json:"degraded_chunks"`
	SampleRate     int       `json:"sample_rate,omitempty"`
	AudioWAV       []byte    `json:"audio_wav,omitempty"`
	GenerationMS   int64     `json:"generation_ms,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
}

// ErrorResponse is the generic failure reply for lookups.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CancelResponse reports whether a cancel request took effect.
type CancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error,omitempty"`
}

const (
	SubjectJobSubmit       = "tts.job.submit"
	SubjectJobStatusPrefix = "tts.job.status"
	SubjectJobCancelPrefix = "tts.job.cancel"
	SubjectJobProgress     = "tts.job.progress"
)
