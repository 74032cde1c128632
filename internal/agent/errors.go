package agent

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAgentCommand matches every *CommandError.
	ErrAgentCommand = errors.New("agent command failed")

	// ErrSessionClosed is returned when executing on a stopped session.
	ErrSessionClosed = errors.New("agent session closed")

	// ErrSessionNotFound is returned when no live session exists for a job.
	ErrSessionNotFound = errors.New("agent session not found")

	ErrProxyClosed = errors.New("command proxy closed")
)

// CommandError reports that the agent rejected a command or could not be
// reached. Result is set when the agent answered with a failure.
type CommandError struct {
	Command string
	Detail  string
	Stderr  []string
	Result  *Result
	Err     error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("agent command %q failed: %s", e.Command, e.Detail)
	if len(e.Stderr) > 0 {
		msg += " (stderr: " + strings.Join(e.Stderr, "; ") + ")"
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func (e *CommandError) Is(target error) bool { return target == ErrAgentCommand }

// Code is the job error code for agent failures.
func (e *CommandError) Code() string { return "AGENT_ERROR" }

// Unreachable reports whether the agent never answered.
func (e *CommandError) Unreachable() bool { return e.Result == nil }
