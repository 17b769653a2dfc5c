package media

import (
	"errors"
	"fmt"
)

var (
	ErrAdmissionDenied = errors.New("admission denied")
	ErrRateLimited     = fmt.Errorf("%w: too many concurrent jobs", ErrAdmissionDenied)
	ErrStorageFull     = fmt.Errorf("%w: storage full", ErrAdmissionDenied)
	ErrBadRequest      = fmt.Errorf("%w: bad request", ErrAdmissionDenied)

	ErrExtractionFailed   = errors.New("upstream extraction failed")
	ErrConversionFailed   = errors.New("conversion failed")
	ErrBackendUnavailable = errors.New("transcription backend unavailable, use client-side fallback")
	ErrSegmentFailed      = errors.New("segment transcription failed")
	ErrTimeout            = errors.New("timed out")
	ErrCancelled          = errors.New("cancelled")
	ErrInternal           = errors.New("internal error")
	ErrJobNotFound        = errors.New("job not found")
)

// Reject reasons surfaced at submission time.
const (
	ReasonRateLimited = "rate-limited"
	ReasonStorageFull = "storage-full"
	ReasonBadRequest  = "bad-request"
)

// RejectReason maps an admission error to its reason code.
// It returns an empty string for errors that are not admission rejections.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, ErrStorageFull):
		return ReasonStorageFull
	case errors.Is(err, ErrBadRequest):
		return ReasonBadRequest
	default:
		return ""
	}
}

// StageError is a pipeline failure annotated with the stage that produced it.
type StageError struct {
	Stage string
	Kind  error
	Err   error
}

// NewStageError wraps err as a failure of stage classified by kind.
func NewStageError(stage string, kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// Error formats stage failures for logs and pollers.
func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

// Is matches the taxonomy kind so errors.Is(err, ErrConversionFailed) works.
func (e *StageError) Is(target error) bool {
	return e != nil && e.Kind != nil && errors.Is(e.Kind, target)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// TerminalMessage renders the user-visible message for a failed job.
func TerminalMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrTimeout):
		return "timed out"
	default:
		return err.Error()
	}
}
