package scheduler

import "errors"

var (
	// ErrConfigUnavailable means the desired job list could not be fetched.
	// The pass is skipped and the live schedule stays as it was.
	ErrConfigUnavailable = errors.New("desired config unavailable")
	// ErrTriggerOperation wraps a cron engine register or cancel failure. The
	// job keeps its last known-good state and is retried on the next pass.
	ErrTriggerOperation = errors.New("trigger operation failed")
)
