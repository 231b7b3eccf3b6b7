//go:build windows

package git

import (
	"os/exec"
	"syscall"
)

// hideWindow configures cmd to suppress the console window flash that a GUI
// process otherwise gets for every git child process.
func hideWindow(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.HideWindow = true
}
