package bridge

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/kandev/devbridge/internal/common/portutil"
)

var (
	// ErrAlreadyInitialized is returned by Activate while a previous
	// activation is still live.
	ErrAlreadyInitialized = errors.New("bridge already initialized")

	// ErrNotActive is returned by operations that need an activated bridge.
	ErrNotActive = errors.New("bridge is not active")
)

// PortConflictError reports that the API port is held by another process.
// Process is nil when the occupant could not be identified.
type PortConflictError struct {
	Host    string
	Port    int
	Process *portutil.ProcessInfo
	Err     error
}

func (e *PortConflictError) Error() string {
	addr := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	if e.Process == nil {
		return fmt.Sprintf("port %s is already in use by an unidentified process", addr)
	}
	return fmt.Sprintf("port %s is already in use by %s", addr, e.Process)
}

func (e *PortConflictError) Unwrap() error { return e.Err }

// Remediation is the operator-facing hint for resolving the conflict.
func (e *PortConflictError) Remediation() string {
	if e.Process == nil {
		return fmt.Sprintf("free port %d, choose another server.port, or start with -on-port-conflict=alternate", e.Port)
	}
	return fmt.Sprintf("stop %s, restart with -on-port-conflict=force to terminate it, or use -on-port-conflict=alternate", e.Process)
}

// StartupError is the terminal failure of a recovery attempt. Recovery is
// ForceRestart or UseAlternatePort.
type StartupError struct {
	Port     int
	Process  *portutil.ProcessInfo
	Recovery Resolution
	Cause    error
}

func (e *StartupError) Error() string {
	if e.Process != nil {
		return fmt.Sprintf("failed to start API server on port %d (held by %s): %v", e.Port, e.Process, e.Cause)
	}
	return fmt.Sprintf("failed to start API server on port %d: %v", e.Port, e.Cause)
}

func (e *StartupError) Unwrap() error { return e.Cause }

// BindError is a bind failure that is not a port conflict, such as a denied
// privileged port or an unresolvable host.
type BindError struct {
	Host  string
	Port  int
	Cause error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind API server to %s: %v", net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Cause)
}

func (e *BindError) Unwrap() error { return e.Cause }
