//go:build windows

package sysutil

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/Hara602/usbWarden/internal/model"
)

// PnP DeviceID -> DiskDrive -> Partition -> LogicalDisk (盘符)
// USBSTOR 的 DiskDrive 与 USB\VID_ 实例只能通过序列号关联
const driveLetterScript = `Get-CimInstance Win32_DiskDrive | Where-Object { $_.InterfaceType -eq 'USB' -and $_.SerialNumber -like '*%s*' } | ` +
	`Get-CimAssociatedInstance -ResultClassName Win32_DiskPartition | ` +
	`Get-CimAssociatedInstance -ResultClassName Win32_LogicalDisk | Select-Object -First 1 -ExpandProperty DeviceID`

type pnpMountLocator struct{}

func DefaultMountLocator() MountLocator { return pnpMountLocator{} }

func (pnpMountLocator) Wait(ctx context.Context, dev model.Device, timeout time.Duration) (string, error) {
	if dev.Serial == "" {
		return "", fmt.Errorf("%s: %w (no serial to correlate)", dev.BusPath, ErrNoMount)
	}
	serial := strings.ReplaceAll(dev.Serial, "'", "''")
	deadline := time.Now().Add(timeout)
	for {
		out, err := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command",
			fmt.Sprintf(driveLetterScript, serial)).Output()
		if err == nil {
			if letter := strings.TrimSpace(string(out)); letter != "" {
				return letter + `\`, nil
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%s: %w (waited %s)", dev.BusPath, ErrNoMount, timeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
