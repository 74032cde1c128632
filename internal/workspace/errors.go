// Package workspace allocates one isolated directory tree per application.
package workspace

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkspaceCreation matches every *CreationError.
	ErrWorkspaceCreation = errors.New("workspace creation failed")

	// ErrWorkspaceNotFound is returned when a workspace directory no longer exists.
	ErrWorkspaceNotFound = errors.New("workspace not found")

	// ErrOutsideRoot guards destructive operations against paths outside the workspace root.
	ErrOutsideRoot = errors.New("path is outside the workspace root")
)

// CreationError explains why a workspace could not be allocated.
type CreationError struct {
	ApplicationID string
	Path          string
	Reason        string
	Err           error
}

func (e *CreationError) Error() string {
	msg := fmt.Sprintf("cannot create workspace for application %q at %s: %s", e.ApplicationID, e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is lets errors.Is(err, ErrWorkspaceCreation) match.
func (e *CreationError) Is(target error) bool {
	return target == ErrWorkspaceCreation
}

func (e *CreationError) Unwrap() error {
	return e.Err
}
