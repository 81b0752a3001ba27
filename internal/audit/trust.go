package audit

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Hara602/usbWarden/internal/analysis"
	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/monitor"
)

// Escalator 接收可疑行为报告，由 *engine.Engine 实现
type Escalator interface {
	ReportSuspicious(busPath string, gen uint64, reason string)
}

// TrustLimits 可疑行为阈值，0 表示不检查该项
type TrustLimits struct {
	MaxFilesPerMinute int
	MaxBytes          uint64
	Executables       bool
}

func (l TrustLimits) enabled() bool {
	return l.MaxFilesPerMinute > 0 || l.MaxBytes > 0 || l.Executables
}

// tracker 一个 watch 的行为统计。每个 watch 最多报告一次
type tracker struct {
	limits TrustLimits

	mu          sync.Mutex
	windowStart time.Time
	windowFiles int
	bytes       uint64
	reported    bool
}

// sample 一次文件活动中与信任判定相关的部分
type sample struct {
	at         time.Time
	path       string
	size       uint64
	executable bool
}

// measure 在文件可能被隔离改名之前读取大小与类型
func measure(a monitor.Activity, limits TrustLimits) sample {
	s := sample{at: a.At, path: a.Path}
	if a.Op == model.OpDelete {
		return s
	}
	if limits.MaxBytes > 0 && a.Op != model.OpRename {
		if fi, err := os.Stat(a.Path); err == nil && fi.Mode().IsRegular() {
			s.size = uint64(fi.Size())
		}
	}
	if limits.Executables {
		s.executable = analysis.Executable(a.Path)
	}
	return s
}

// observe 记录一次活动，越过阈值时返回原因
func (t *tracker) observe(s sample) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reported {
		return ""
	}
	if s.at.Sub(t.windowStart) > time.Minute {
		t.windowStart = s.at
		t.windowFiles = 0
	}
	t.windowFiles++
	t.bytes += s.size

	var reason string
	switch {
	case s.executable:
		reason = "executable file activity: " + s.path
	case t.limits.MaxFilesPerMinute > 0 && t.windowFiles > t.limits.MaxFilesPerMinute:
		reason = fmt.Sprintf("high file activity rate: %d files in a minute", t.windowFiles)
	case t.limits.MaxBytes > 0 && t.bytes > t.limits.MaxBytes:
		reason = "data volume exceeded: " + humanize.Bytes(t.bytes)
	default:
		return ""
	}
	t.reported = true
	return reason
}
