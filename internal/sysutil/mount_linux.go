//go:build linux

package sysutil

import "time"

func DefaultMountLocator() MountLocator {
	return ProcMountResolver{
		MountsFile:    "/proc/mounts",
		BlockClassDir: "/sys/class/block",
		Interval:      100 * time.Millisecond,
	}
}
