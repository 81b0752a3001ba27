//go:build !windows

package router

import (
	"os/exec"
	"syscall"
)

// setDetached 界面进程放到独立会话，主终端的 Ctrl+C 不会传给它
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
