package worker

import (
	"context"
	"errors"
)

// JobHandler executes a specific type of background job.
type JobHandler interface {
	// Type returns the job type identifier this handler processes. It must
	// match the job_type column in the jobs table.
	Type() string

	// Handle executes the job. The payload is the raw JSON stored at
	// enqueue time. Wrap errors with NewPermanentError to skip retries.
	Handle(ctx context.Context, payload []byte) error
}

// PermanentError marks a job failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps err so the job is marked failed without retries.
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether the error chain contains a PermanentError.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}
