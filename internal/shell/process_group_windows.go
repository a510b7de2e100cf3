//go:build windows

package shell

import (
	"os/exec"
	"syscall"
)

// Windows has no POSIX process groups. processGroupID always reports
// zero, so the executor falls back to killing the direct child.
func configureProcessGroup(*exec.Cmd) {}

func processGroupID(*exec.Cmd) int { return 0 }

func killProcessGroup(int) error { return syscall.EWINDOWS }
