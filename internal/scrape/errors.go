package scrape

import "errors"

// Error kinds. Concrete errors wrap one of these so callers can classify with errors.Is.
var (
	// ErrValidation rejects a request before any job record is touched.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound signals that a referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState rejects an operation the job's current status does not allow.
	ErrInvalidState = errors.New("invalid job state")
)

// Concrete errors returned by the stores and the orchestrator.
var (
	ErrJobActive      = wrapKind(ErrValidation, "another job is already active")
	ErrNoTargets      = wrapKind(ErrValidation, "no eligible targets")
	ErrJobNotFound    = wrapKind(ErrNotFound, "job not found")
	ErrTargetNotFound = wrapKind(ErrNotFound, "target not found")
	ErrJobExists      = errors.New("job already exists")
	// ErrStatusConflict is returned when a JobPatch precondition does not match the stored status.
	ErrStatusConflict = wrapKind(ErrInvalidState, "job status changed concurrently")
)

type kindError struct {
	kind error
	msg  string
}

func wrapKind(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }
