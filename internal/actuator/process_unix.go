//go:build !windows

package actuator

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup detaches launched commands into their own process
// group so signals aimed at the server do not reach them.
func configureProcessGroup(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
