//go:build unix && !linux

package agent

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the agent in its own process group. Pdeathsig does not
// exist outside Linux, so orphan cleanup relies on Stop.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}
