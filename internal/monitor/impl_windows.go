//go:build windows

package monitor

import "go.uber.org/zap"

// windows 没有 fanotify，auto 模式下直接使用 fsnotify
func newFanotify(*zap.Logger) (Source, error) {
	return nil, ErrUnsupported
}
