package domain

import "time"

// JobStatus tracks each pipeline stage for a single transcription job.
type JobStatus string

const (
	JobStatusInitializing JobStatus = "initializing"
	JobStatusDownloading  JobStatus = "downloading"
	JobStatusTranscribing JobStatus = "transcribing"
	JobStatusRendering    JobStatus = "rendering"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusError        JobStatus = "error"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

// ErrorKind classifies why a job failed.
type ErrorKind string

const (
	ErrorKindSourceFetch   ErrorKind = "source_fetch"
	ErrorKindTranscription ErrorKind = "transcription"
	ErrorKindRender        ErrorKind = "render"
	ErrorKindPersistence   ErrorKind = "persistence"
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindCancelled     ErrorKind = "cancelled"
	ErrorKindInternal      ErrorKind = "internal"
)

// ErrorDetail is recorded on a job once it enters the error state.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Stage   JobStatus `json:"stage"`
	Message string    `json:"message"`
}

// PerformanceStats is filled in after transcription finishes.
type PerformanceStats struct {
	TranscriptionSeconds float64 `json:"transcription_seconds"`
	DetectedLanguage     string  `json:"detected_language"`
	Confidence           float64 `json:"confidence"`
	SegmentCount         int     `json:"segment_count"`
	AudioDurationSeconds float64 `json:"audio_duration_seconds,omitempty"`
	Backend              string  `json:"backend,omitempty"`
}

// Job is the polling view of one submitted transcription request.
type Job struct {
	ID          string                       `json:"job_id"`
	Status      JobStatus                    `json:"status"`
	Progress    float64                      `json:"progress"`
	Message     string                       `json:"message"`
	Title       string                       `json:"title,omitempty"`
	Performance *PerformanceStats            `json:"performance_stats,omitempty"`
	Files       map[string]map[string]string `json:"files,omitempty"`
	Error       *ErrorDetail                 `json:"error,omitempty"`
	CreatedAt   time.Time                    `json:"created_at"`
	UpdatedAt   time.Time                    `json:"updated_at"`
	FinishedAt  *time.Time                   `json:"finished_at,omitempty"`
}

// Clone returns a deep copy that shares no mutable state with j.
func (j Job) Clone() Job {
	out := j
	if j.Performance != nil {
		perf := *j.Performance
		out.Performance = &perf
	}
	if j.Error != nil {
		detail := *j.Error
		out.Error = &detail
	}
	if j.FinishedAt != nil {
		finished := *j.FinishedAt
		out.FinishedAt = &finished
	}
	if j.Files != nil {
		out.Files = make(map[string]map[string]string, len(j.Files))
		for lang, formats := range j.Files {
			inner := make(map[string]string, len(formats))
			for format, name := range formats {
				inner[format] = name
			}
			out.Files[lang] = inner
		}
	}
	return out
}

// Segment is one timed span of transcribed text.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Artifact is one rendered output for a language and format pair.
type Artifact struct {
	Language string
	Format   string
	Content  []byte
}
