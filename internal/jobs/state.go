package jobs

import (
	"errors"
	"fmt"
	"math"
	"time"

	"transcript-server/internal/domain"
)

// ErrTerminal is returned when mutating a job that already completed or failed.
var ErrTerminal = errors.New("job is in a terminal state")

// ErrInvalidTransition is returned for edges outside the job state machine.
var ErrInvalidTransition = errors.New("invalid job transition")

// Band is the slice of 0-100 progress owned by one status.
type Band struct {
	Low  float64
	High float64
}

var bands = map[domain.JobStatus]Band{
	domain.JobStatusInitializing: {0, 0},
	domain.JobStatusDownloading:  {0, 30},
	domain.JobStatusTranscribing: {30, 70},
	domain.JobStatusRendering:    {70, 95},
	domain.JobStatusCompleted:    {100, 100},
}

// BandFor returns the progress band of a non-error status.
func BandFor(status domain.JobStatus) Band {
	return bands[status]
}

// At maps a fraction in [0,1] linearly onto the band.
func (b Band) At(fraction float64) float64 {
	if math.IsNaN(fraction) || fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return b.Low + (b.High-b.Low)*fraction
}

// Advance moves the job to status and records progress and message together.
// Progress is clamped into the status band and never moves backwards.
func Advance(job *domain.Job, status domain.JobStatus, percent float64, message string) error {
	if job.Status.IsTerminal() {
		return ErrTerminal
	}
	if status == domain.JobStatusError || status == domain.JobStatusCompleted {
		return fmt.Errorf("%w: use Fail or Complete for %s", ErrInvalidTransition, status)
	}
	if status != job.Status && !isValidTransition(job.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, status)
	}

	band := bands[status]
	percent = math.Max(band.Low, math.Min(band.High, percent))
	job.Status = status
	job.Progress = math.Max(job.Progress, percent)
	job.Message = message
	return nil
}

// Fail moves a non-terminal job to error. Progress is left where it was.
func Fail(job *domain.Job, detail domain.ErrorDetail) error {
	if job.Status.IsTerminal() {
		return ErrTerminal
	}
	if detail.Stage == "" {
		detail.Stage = job.Status
	}

	now := time.Now().UTC()
	job.Status = domain.JobStatusError
	job.Message = detail.Message
	job.Error = &detail
	job.Files = nil
	job.FinishedAt = &now
	return nil
}

// Complete moves a rendering job to completed with its artifact map.
func Complete(job *domain.Job, files map[string]map[string]string, message string) error {
	if job.Status.IsTerminal() {
		return ErrTerminal
	}
	if !isValidTransition(job.Status, domain.JobStatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, domain.JobStatusCompleted)
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: completed job without artifacts", ErrInvalidTransition)
	}

	now := time.Now().UTC()
	job.Status = domain.JobStatusCompleted
	job.Progress = 100
	job.Message = message
	job.Files = files
	job.Error = nil
	job.FinishedAt = &now
	return nil
}

// isValidTransition enforces the allowed forward edges of the state machine.
func isValidTransition(from, to domain.JobStatus) bool {
	if to == domain.JobStatusError {
		return !from.IsTerminal()
	}
	switch from {
	case domain.JobStatusInitializing:
		return to == domain.JobStatusDownloading
	case domain.JobStatusDownloading:
		return to == domain.JobStatusTranscribing
	case domain.JobStatusTranscribing:
		return to == domain.JobStatusRendering
	case domain.JobStatusRendering:
		return to == domain.JobStatusCompleted
	default:
		return false
	}
}
