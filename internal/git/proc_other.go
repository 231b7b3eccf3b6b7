//go:build !windows

package git

import "os/exec"

func hideWindow(_ *exec.Cmd) {}
