package watcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/model"
)

const (
	maxPollInterval = time.Second
	// 连续失败这么多次后认为枚举源已不可用
	maxScanFailures = 3
)

// ScanFunc 返回当前所有在线设备
type ScanFunc func(ctx context.Context) ([]model.Device, error)

// Poller 周期性全量扫描，与上一次结果对比产生事件
type Poller struct {
	*stream
	scan     ScanFunc
	interval time.Duration
	log      *zap.Logger
	tracker  *tracker
}

// NewPoller interval 超过 1s 时按 1s 处理，保证延迟有上限
func NewPoller(scan ScanFunc, interval time.Duration, log *zap.Logger) *Poller {
	if interval <= 0 || interval > maxPollInterval {
		interval = maxPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		stream:   newStream(),
		scan:     scan,
		interval: interval,
		log:      log,
		tracker:  newTracker(),
	}
}

func (p *Poller) Start(ctx context.Context) (<-chan model.DeviceEvent, error) {
	go p.loop(ctx)
	return p.events, nil
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		devices, err := p.scan(ctx)
		switch {
		case ctx.Err() != nil:
			p.finish(nil)
			return
		case err != nil:
			failures++
			p.log.Warn("device scan failed", zap.Int("consecutive", failures), zap.Error(err))
			if failures >= maxScanFailures {
				p.finish(sourceFailed(err))
				return
			}
		default:
			failures = 0
			for _, ev := range p.tracker.reconcile(devices, time.Now()) {
				if !p.send(ctx, ev) {
					p.finish(nil)
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			p.finish(nil)
			return
		case <-ticker.C:
		}
	}
}
