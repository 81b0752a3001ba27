//go:build windows

package watcher

import (
	"fmt"

	"github.com/Hara602/usbWarden/internal/authz"
)

// windows 没有 uevent，只能轮询 PnP
func newWatcher(opts Options) (DeviceWatcher, error) {
	switch opts.Mode {
	case "", "auto", "poll":
	default:
		return nil, fmt.Errorf("watcher mode %q is not supported on windows", opts.Mode)
	}
	scanner := PnPScanner{Run: authz.PowerShell}
	return NewPoller(scanner.Scan, opts.PollInterval, opts.Logger.Named("pnp")), nil
}
