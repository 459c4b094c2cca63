//go:build unix

package runtime

import (
	"os/exec"
	"syscall"
)

// setProcessGroup 子进程独立进程组，停止时整组结束
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

func terminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}
