package authz

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Hara602/usbWarden/internal/model"
)

// Sysfs 通过 /sys/bus/usb/devices/<bus>/authorized 控制设备
// 写入 "0" 代表物理层级禁用，"1" 重新启用
type Sysfs struct {
	root string
}

// NewSysfs root 通常是 "/sys"，测试时指向临时目录
func NewSysfs(root string) *Sysfs {
	return &Sysfs{root: root}
}

func (s *Sysfs) Name() string { return "sysfs" }

func (s *Sysfs) Authorize(ctx context.Context, d model.Device) (Result, error) {
	return s.set(ctx, OpAuthorize, d, "1")
}

func (s *Sysfs) Deauthorize(ctx context.Context, d model.Device) (Result, error) {
	return s.set(ctx, OpDeauthorize, d, "0")
}

// DevicesDir 例如 /sys/bus/usb/devices
func (s *Sysfs) DevicesDir() string {
	return filepath.Join(s.root, "bus", "usb", "devices")
}

func (s *Sysfs) set(ctx context.Context, op string, d model.Device, want string) (Result, error) {
	fail := func(err error) (Result, error) {
		return Result{}, &ActionError{Op: op, BusPath: d.BusPath, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	// busID 类似于 "1-1.2"
	if d.BusPath == "" || strings.ContainsAny(d.BusPath, `/\`) || d.BusPath == "." || d.BusPath == ".." {
		return fail(fmt.Errorf("invalid bus path %q", d.BusPath))
	}
	devDir := filepath.Join(s.DevicesDir(), d.BusPath)
	if _, err := os.Stat(devDir); err != nil {
		return fail(mapFSError(err, ErrDeviceNotFound))
	}

	path := filepath.Join(devDir, "authorized")
	current, err := os.ReadFile(path)
	if err != nil {
		// 设备目录还在但没有 authorized 属性：内核不支持
		return fail(mapFSError(err, ErrBackendUnavailable))
	}
	if strings.TrimSpace(string(current)) == want {
		return Result{Changed: false}, nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fail(mapFSError(err, ErrDeviceNotFound))
	}
	_, err = f.WriteString(want)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fail(mapFSError(err, ErrDeviceNotFound))
	}
	return Result{Changed: true}, nil
}

// mapFSError 把 errno 归入错误分类；missing 决定 ENOENT 的含义
func mapFSError(err error, missing error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENODEV):
		return fmt.Errorf("%w: %v", missing, err)
	}
	return err
}
