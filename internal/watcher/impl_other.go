//go:build !linux && !windows

package watcher

import (
	"fmt"
	"runtime"
)

func newWatcher(Options) (DeviceWatcher, error) {
	return nil, fmt.Errorf("no USB device source on %s", runtime.GOOS)
}
