//go:build linux

package agent

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the agent in its own process group so its children can be
// signalled together. Pdeathsig stops the agent if the bridge dies without
// running Stop.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}
