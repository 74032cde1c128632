//go:build !windows

package portutil

import (
	"context"
	"errors"
	"strconv"
	"syscall"
	"time"

	"github.com/kandev/devbridge/internal/common/constants"
)

// posixFinder asks lsof first and falls back to ss.
type posixFinder struct {
	run commandRunner
}

func newPlatformFinder(run commandRunner) ProcessFinder {
	return &posixFinder{run: run}
}

func (f *posixFinder) ProcessUsingPort(ctx context.Context, port int, _ string) (*ProcessInfo, bool) {
	ctx, cancel := context.WithTimeout(ctx, constants.ProcessLookupTimeout)
	defer cancel()

	if out, err := f.run(ctx, "lsof", "-nP", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN", "-Fpc"); err == nil {
		if info, ok := parseLsof(out); ok {
			return info, true
		}
	}
	if out, err := f.run(ctx, "ss", "-ltnpH"); err == nil {
		return parseSS(out, port)
	}
	return nil, false
}

type platformKiller struct{}

// KillProcess sends SIGTERM, waits briefly, then SIGKILL.
func (platformKiller) KillProcess(ctx context.Context, pid int) error {
	if pid <= 0 {
		return errInvalidPID
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// IsAddrInUse reports whether err is an address-in-use bind failure.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
