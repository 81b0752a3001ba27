package sysutil

import (
	"os"
	"runtime"
)

// IsPrivileged sysfs authorized 写入与 fanotify 都需要 root；windows 上无法判断，返回 true 交给后端报错
func IsPrivileged() bool {
	if runtime.GOOS == "windows" {
		return true
	}
	return os.Geteuid() == 0
}
