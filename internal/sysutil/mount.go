package sysutil

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Hara602/usbWarden/internal/model"
)

var ErrNoMount = errors.New("mount point not found")

// MountLocator 查找存储设备的挂载点
type MountLocator interface {
	Wait(ctx context.Context, dev model.Device, timeout time.Duration) (string, error)
}

// ProcMountResolver 扫描 /proc/mounts，通过 /sys/class/block 回溯判断分区是否属于该 USB 设备
type ProcMountResolver struct {
	MountsFile    string // /proc/mounts
	BlockClassDir string // /sys/class/block
	Interval      time.Duration
}

// Lookup 单次查找
func (r ProcMountResolver) Lookup(dev model.Device) (string, error) {
	if dev.SysPath == "" {
		return "", fmt.Errorf("%s: no sysfs path", dev.BusPath)
	}
	usbRoot, err := filepath.EvalSymlinks(dev.SysPath)
	if err != nil {
		return "", err
	}

	f, err := os.Open(r.MountsFile)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		// e.g. /dev/sdb1  /media/usb
		devPath, mountPoint := fields[0], unescapeMount(fields[1])
		// 只关心 /dev/ 开头的设备，且不是 loop 设备
		if !strings.HasPrefix(devPath, "/dev/") || strings.HasPrefix(devPath, "/dev/loop") {
			continue
		}
		realSysPath, err := filepath.EvalSymlinks(filepath.Join(r.BlockClassDir, filepath.Base(devPath)))
		if err != nil {
			continue
		}
		if strings.HasPrefix(realSysPath, usbRoot+string(filepath.Separator)) {
			return mountPoint, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", ErrNoMount
}

// Wait 轮询直到挂载或超时，因为 udev 事件触发时文件系统可能还没挂载好
func (r ProcMountResolver) Wait(ctx context.Context, dev model.Device, timeout time.Duration) (string, error) {
	interval := r.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		mountPoint, err := r.Lookup(dev)
		if err == nil {
			return mountPoint, nil
		}
		if errors.Is(err, os.ErrNotExist) && dev.SysPath != "" {
			if _, statErr := os.Stat(dev.SysPath); statErr != nil {
				// 设备已经拔出
				return "", err
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%s: %w (waited %s)", dev.BusPath, ErrNoMount, timeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
}

// /proc/mounts 中空格等字符以八进制转义 (\040)
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
