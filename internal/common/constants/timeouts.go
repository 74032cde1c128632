// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// PortProbeTimeout bounds a single bind-and-release availability probe.
	PortProbeTimeout = 2 * time.Second

	// PortReleaseWait is how long a forced restart waits for a killed
	// process to release its port before giving up.
	PortReleaseWait = 5 * time.Second

	// ProcessLookupTimeout bounds the lsof/ss/netstat calls used to identify a port owner.
	ProcessLookupTimeout = 3 * time.Second

	// WorkspaceReleaseTimeout bounds destroy/archive of a workspace after a job finishes.
	WorkspaceReleaseTimeout = 2 * time.Minute

	// JobPersistTimeout bounds history writes made after the job context is gone.
	JobPersistTimeout = 5 * time.Second
)

// Version is reported by the health endpoint.
const Version = "0.4.0"
