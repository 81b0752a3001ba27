// Package authz sets a USB device's authorized/blocked state through the
// platform mechanism: the sysfs "authorized" attribute on Linux, PnP
// enable/disable on Windows.
package authz

import (
	"context"

	"github.com/Hara602/usbWarden/internal/model"
)

const (
	OpAuthorize   = "authorize"
	OpDeauthorize = "deauthorize"
)

// Result 动作结果。Changed=false 表示设备本来就处于目标状态
type Result struct {
	Changed bool
}

// Backend 授权后端。两个动作都是幂等的
type Backend interface {
	Name() string
	Authorize(ctx context.Context, d model.Device) (Result, error)
	Deauthorize(ctx context.Context, d model.Device) (Result, error)
}

// Apply 按目标状态调用对应动作
func Apply(ctx context.Context, b Backend, d model.Device, target model.AuthState) (Result, error) {
	if target == model.StateAuthorized {
		return b.Authorize(ctx, d)
	}
	return b.Deauthorize(ctx, d)
}

// Unavailable 平台没有可用的授权机制时使用，所有动作都返回 ErrBackendUnavailable
type Unavailable struct {
	Reason string
}

func (u Unavailable) Name() string { return "unavailable" }

func (u Unavailable) Authorize(_ context.Context, d model.Device) (Result, error) {
	return Result{}, u.fail(OpAuthorize, d)
}

func (u Unavailable) Deauthorize(_ context.Context, d model.Device) (Result, error) {
	return Result{}, u.fail(OpDeauthorize, d)
}

func (u Unavailable) fail(op string, d model.Device) error {
	err := ErrBackendUnavailable
	if u.Reason != "" {
		err = &reasonError{reason: u.Reason, err: ErrBackendUnavailable}
	}
	return &ActionError{Op: op, BusPath: d.BusPath, Err: err}
}

type reasonError struct {
	reason string
	err    error
}

func (e *reasonError) Error() string { return e.err.Error() + ": " + e.reason }
func (e *reasonError) Unwrap() error { return e.err }
