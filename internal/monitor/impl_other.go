//go:build !linux && !windows

package monitor

import "go.uber.org/zap"

func newFanotify(*zap.Logger) (Source, error) {
	return nil, ErrUnsupported
}
