package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a state change is not allowed,
	// for example cancelling a job that already finished.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrQueueFull is returned when the queue is at max capacity.
	ErrQueueFull = errors.New("job queue is full")

	// ErrInvalidRequest is returned when a submission is malformed.
	ErrInvalidRequest = errors.New("invalid job request")

	ErrManagerAlreadyRunning = errors.New("job manager is already running")
	ErrManagerStopped        = errors.New("job manager is stopped")
)

// TransitionError names the rejected transition.
type TransitionError struct {
	JobID string
	From  State
	To    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s cannot move from %s to %s", e.JobID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// coder is implemented by runner errors that carry a JobError code.
type coder interface {
	Code() string
}
