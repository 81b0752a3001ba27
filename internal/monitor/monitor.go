// Package monitor reports file activity under a storage device's mount
// point. It only observes; the audit manager decides what to keep.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/model"
)

// ErrUnsupported 当前内核或权限不支持该审计源
var ErrUnsupported = errors.New("audit source unsupported")

// Activity 一次文件操作
type Activity struct {
	Path    string
	OldPath string // 仅 rename
	Op      model.AuditOp
	PID     int32
	Process string
	At      time.Time
}

// Source 审计源。Watch 阻塞直到 ctx 取消或出错；ctx 取消时返回 nil
type Source interface {
	Name() string
	Watch(ctx context.Context, mountPoint string, report func(Activity)) error
}

// New kind: auto | fanotify | fsnotify
func New(kind string, log *zap.Logger) (Source, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch kind {
	case "fsnotify":
		return NewFsnotify(log), nil
	case "fanotify":
		return newFanotify(log)
	case "", "auto":
		primary, err := newFanotify(log)
		if err != nil {
			return NewFsnotify(log), nil
		}
		return &fallback{primary: primary, secondary: NewFsnotify(log), log: log}, nil
	}
	return nil, fmt.Errorf("unknown audit source %q", kind)
}

// fallback 每次 Watch 先尝试 primary，不支持时改用 secondary
type fallback struct {
	primary, secondary Source
	log                *zap.Logger
}

func (f *fallback) Name() string { return f.primary.Name() + "+" + f.secondary.Name() }

func (f *fallback) Watch(ctx context.Context, mountPoint string, report func(Activity)) error {
	err := f.primary.Watch(ctx, mountPoint, report)
	if !errors.Is(err, ErrUnsupported) {
		return err
	}
	f.log.Warn("⚠️ falling back to "+f.secondary.Name(), zap.String("mount", mountPoint), zap.Error(err))
	return f.secondary.Watch(ctx, mountPoint, report)
}
