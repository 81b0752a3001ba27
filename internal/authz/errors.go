package authz

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound 决策与执行之间设备已拔出，由随后的 Detached 事件收尾
	ErrDeviceNotFound = errors.New("device not found")
	// ErrPermissionDenied 权限不足，需要人工介入
	ErrPermissionDenied = errors.New("permission denied")
	// ErrBackendUnavailable 平台缺少授权机制
	ErrBackendUnavailable = errors.New("authorization backend unavailable")
	// ErrTimeout 超出限定时间，可重试
	ErrTimeout = errors.New("authorization action timed out")
)

// ActionError 一次授权动作的失败
type ActionError struct {
	Op      string // authorize | deauthorize
	BusPath string
	Err     error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.BusPath, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Kind 错误分类，决定是否重试
type Kind string

const (
	KindNone        Kind = ""
	KindNotFound    Kind = "not-found"
	KindPermission  Kind = "permission-denied"
	KindUnavailable Kind = "backend-unavailable"
	KindTimeout     Kind = "timeout"
	KindCanceled    Kind = "canceled"
	KindFailed      Kind = "failed"
)

// Retryable 超时与未分类的失败可以重试；权限与缺失后端不重试
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindFailed
}

func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrDeviceNotFound):
		return KindNotFound
	case errors.Is(err, ErrPermissionDenied):
		return KindPermission
	case errors.Is(err, ErrBackendUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindFailed
}
