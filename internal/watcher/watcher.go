// Package watcher enumerates USB devices and turns bus activity into an
// ordered stream of Attached / Detached / Changed events.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/model"
)

// ErrSourceFailed 枚举源不可恢复地失败 (例如权限被收回)
var ErrSourceFailed = errors.New("device enumeration failed")

func sourceFailed(err error) error {
	if errors.Is(err, ErrSourceFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrSourceFailed, err)
}

// DeviceWatcher 设备枚举器
// 同一个 bus path 在没有 Detached 的情况下不会重复 Attached。
// 返回的 channel 在 ctx 取消或出现终止性错误时关闭，随后 Err 给出原因 (ctx 取消时为 nil)
type DeviceWatcher interface {
	Start(ctx context.Context) (<-chan model.DeviceEvent, error)
	Err() error
}

type Options struct {
	Mode         string // auto | netlink | poll
	PollInterval time.Duration
	SysfsRoot    string
	Logger       *zap.Logger
}

// New 按平台与 Mode 构造枚举器
func New(opts Options) (DeviceWatcher, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SysfsRoot == "" {
		opts.SysfsRoot = "/sys"
	}
	return newWatcher(opts)
}

// fallback 主枚举器启动失败时改用备用的
type fallback struct {
	primary, secondary DeviceWatcher
	log                *zap.Logger

	mu     sync.Mutex
	active DeviceWatcher
}

func (f *fallback) Start(ctx context.Context) (<-chan model.DeviceEvent, error) {
	events, err := f.primary.Start(ctx)
	if err == nil {
		f.setActive(f.primary)
		return events, nil
	}
	f.log.Warn("⚠️ primary device source unavailable, falling back to polling", zap.Error(err))
	events, err = f.secondary.Start(ctx)
	if err != nil {
		return nil, err
	}
	f.setActive(f.secondary)
	return events, nil
}

func (f *fallback) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil
	}
	return f.active.Err()
}

func (f *fallback) setActive(w DeviceWatcher) {
	f.mu.Lock()
	f.active = w
	f.mu.Unlock()
}

// stream 发送端公共部分：带缓冲的有序 channel 与终止错误
type stream struct {
	events chan model.DeviceEvent

	mu  sync.Mutex
	err error
}

func newStream() *stream {
	return &stream{events: make(chan model.DeviceEvent, 64)}
}

// send 返回 false 表示 ctx 已取消
func (s *stream) send(ctx context.Context, ev model.DeviceEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish 关闭 channel；err 为 nil 表示正常结束
func (s *stream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
