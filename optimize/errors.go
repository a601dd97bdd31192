package optimize

import "errors"

var (
	// ErrDestroyed is returned when operations are attempted on a destroyed
	// governor.
	ErrDestroyed = errors.New("governor has been destroyed")

	// ErrAlreadyRunning is returned when Start is called on a running
	// governor.
	ErrAlreadyRunning = errors.New("governor already running")

	// ErrQueueClosed is returned when requests are enqueued after Close.
	ErrQueueClosed = errors.New("optimization queue is closed")

	// ErrApplyInProgress is returned by the applier while another request is
	// being applied; the queue keeps the request pending instead of
	// recording a failure.
	ErrApplyInProgress = errors.New("optimization apply already in progress")

	// ErrNilDependency is returned when a required collaborator is missing.
	ErrNilDependency = errors.New("required collaborator is nil")

	// ErrBreakerOpen is returned by a persistence breaker that is rejecting
	// writes after repeated sink failures.
	ErrBreakerOpen = errors.New("persistence breaker is open")
)
