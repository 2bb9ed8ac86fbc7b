package pipeline

import (
	"context"
	"errors"
	"fmt"

	"transcript-server/internal/domain"
)

// ErrInvalidRequest is returned by Submit for requests that cannot run.
var ErrInvalidRequest = errors.New("invalid transcription request")

// StageError is a failure attributed to one pipeline stage.
type StageError struct {
	Kind    domain.ErrorKind
	Stage   domain.JobStatus
	Message string
	Err     error
}

// Error formats stage failures for job messages and logs.
func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func stageError(kind domain.ErrorKind, stage domain.JobStatus, message string, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Message: message, Err: err}
}

// detailFor converts any run error into the job's terminal error detail.
// Deadline and cancellation errors win over the stage's own kind.
func detailFor(err error) domain.ErrorDetail {
	detail := domain.ErrorDetail{Kind: domain.ErrorKindInternal}

	var se *StageError
	if errors.As(err, &se) {
		detail.Kind = se.Kind
		detail.Stage = se.Stage
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		detail.Kind = domain.ErrorKindTimeout
		detail.Message = "Error: timed out"
		if detail.Stage != "" {
			detail.Message += " while " + string(detail.Stage)
		}
	case errors.Is(err, context.Canceled):
		detail.Kind = domain.ErrorKindCancelled
		detail.Message = "Error: job cancelled"
	default:
		detail.Message = "Error: " + err.Error()
	}
	return detail
}
