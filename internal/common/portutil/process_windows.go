//go:build windows

package portutil

import (
	"context"
	"errors"
	"strconv"
	"syscall"

	"github.com/kandev/devbridge/internal/common/constants"
)

// wsaeaddrinuse is WSAEADDRINUSE.
const wsaeaddrinuse syscall.Errno = 10048

// windowsFinder resolves the pid with netstat and its image name with tasklist.
type windowsFinder struct {
	run commandRunner
}

func newPlatformFinder(run commandRunner) ProcessFinder {
	return &windowsFinder{run: run}
}

func (f *windowsFinder) ProcessUsingPort(ctx context.Context, port int, _ string) (*ProcessInfo, bool) {
	ctx, cancel := context.WithTimeout(ctx, constants.ProcessLookupTimeout)
	defer cancel()

	out, err := f.run(ctx, "netstat", "-ano", "-p", "TCP")
	if err != nil {
		return nil, false
	}
	pid, ok := parseNetstat(out, port)
	if !ok {
		return nil, false
	}

	info := &ProcessInfo{PID: pid}
	if out, err := f.run(ctx, "tasklist", "/FI", "PID eq "+strconv.Itoa(pid), "/FO", "CSV", "/NH"); err == nil {
		info.Name = parseTasklist(out)
	}
	return info, true
}

type platformKiller struct{}

// KillProcess kills the process tree with taskkill /F /T.
func (platformKiller) KillProcess(ctx context.Context, pid int) error {
	if pid <= 0 {
		return errInvalidPID
	}
	_, err := runCommand(ctx, "taskkill", "/F", "/T", "/PID", strconv.Itoa(pid))
	return err
}

// IsAddrInUse reports whether err is an address-in-use bind failure.
func IsAddrInUse(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == wsaeaddrinuse || errno == syscall.EADDRINUSE
	}
	return false
}
