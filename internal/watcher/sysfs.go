package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Hara602/usbWarden/internal/analysis"
	"github.com/Hara602/usbWarden/internal/model"
)

// SysfsScanner 读取 /sys/bus/usb/devices 下的 USB 设备 (DEVTYPE=usb_device)
type SysfsScanner struct {
	Root string // 通常是 /sys
}

func (s SysfsScanner) devicesDir() string {
	return filepath.Join(s.Root, "bus", "usb", "devices")
}

// Scan 列出当前所有 USB 设备。接口 (1-1:1.0) 与根 hub (usb1) 不算
func (s SysfsScanner) Scan(ctx context.Context) ([]model.Device, error) {
	entries, err := os.ReadDir(s.devicesDir())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceFailed, err)
	}
	var out []model.Device
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !isDeviceName(e.Name()) {
			continue
		}
		d, err := s.Read(e.Name())
		if err != nil {
			// 扫描过程中被拔出
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Read 读取单个设备的属性
func (s SysfsScanner) Read(busPath string) (model.Device, error) {
	link := filepath.Join(s.devicesDir(), busPath)
	sysPath, err := filepath.EvalSymlinks(link)
	if err != nil {
		return model.Device{}, err
	}
	vid, err := readAttr(sysPath, "idVendor")
	if err != nil {
		return model.Device{}, err
	}
	pid, _ := readAttr(sysPath, "idProduct")
	serial, _ := readAttr(sysPath, "serial")
	product, _ := readAttr(sysPath, "product")
	manufacturer, _ := readAttr(sysPath, "manufacturer")

	return model.Device{
		BusPath:   busPath,
		VendorID:  strings.ToLower(vid),
		ProductID: strings.ToLower(pid),
		Serial:    serial,
		Class:     analysis.Classify(sysPath),
		Label:     strings.TrimSpace(manufacturer + " " + product),
		SysPath:   sysPath,
	}, nil
}

// isDeviceName "1-1" "2-1.4.3" 是设备；"1-1:1.0" 是接口；"usb1" 是根 hub
func isDeviceName(name string) bool {
	if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
		return false
	}
	return strings.Contains(name, "-")
}

func readAttr(dir, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
