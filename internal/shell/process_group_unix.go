//go:build !windows

package shell

import (
	"fmt"
	"os/exec"
	"syscall"
)

// configureProcessGroup puts the command in its own process group, so
// a kill reaches the whole tree rather than just the direct child.
func configureProcessGroup(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func processGroupID(cmd *exec.Cmd) int {
	if cmd == nil || cmd.Process == nil {
		return 0
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return 0
	}
	return pgid
}

func killProcessGroup(pgid int) error {
	if pgid <= 0 {
		return fmt.Errorf("invalid process group id: %d", pgid)
	}
	return syscall.Kill(-pgid, syscall.SIGKILL)
}
