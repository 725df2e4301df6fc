package domain

import "errors"

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidSpec       = errors.New("invalid job spec")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrNotCancelable     = errors.New("job can no longer be canceled")
	ErrNotRetryable      = errors.New("only failed jobs can be retried")
	ErrNotTerminal       = errors.New("job is still active")
	ErrSchedulerClosed   = errors.New("scheduler is shut down")
)
