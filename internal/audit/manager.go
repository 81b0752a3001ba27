// Package audit runs one file-activity watch per authorized storage device
// and appends what it sees to an append-only log.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/analysis"
	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/monitor"
	"github.com/Hara602/usbWarden/internal/sysutil"
)

// Sink 审计事件的去处，由 Log 实现
type Sink interface {
	Append(ev model.AuditEvent) error
}

type Options struct {
	Source    monitor.Source
	Mounts    sysutil.MountLocator
	Sink      Sink
	MountWait time.Duration

	// Inspector 为 nil 时不做伪装文件检测
	Inspector  *analysis.TypeInspector
	Quarantine bool

	// Escalate 为 nil 时只记录不封锁
	Escalate Escalator
	Trust    TrustLimits
	Logger   *zap.Logger
}

// watch 一个设备的审计任务。gen 区分同一 bus path 先后的多次 watch
type watch struct {
	gen    uint64
	device model.Device
	cancel context.CancelFunc
	trust  *tracker // nil 表示不做信任判定

	mu      sync.RWMutex
	stopped bool
}

// Manager 审计任务管理。Start/Stop 不阻塞，可以在引擎的处理循环里直接调用
type Manager struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	watches map[string]*watch
	nextGen uint64
	wg      sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MountWait <= 0 {
		opts.MountWait = 10 * time.Second
	}
	return &Manager{
		opts:    opts,
		log:     opts.Logger.Named("audit"),
		watches: make(map[string]*watch),
	}
}

// Start 为设备启动审计，返回 watch 的 generation。已在审计的设备直接返回当前 generation
func (m *Manager) Start(d model.Device) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watches[d.BusPath]; ok {
		return w.gen
	}
	m.nextGen++
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{gen: m.nextGen, device: d, cancel: cancel}
	if m.opts.Escalate != nil && m.opts.Trust.enabled() {
		w.trust = &tracker{limits: m.opts.Trust}
	}
	m.watches[d.BusPath] = w

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, w)
	}()
	return w.gen
}

// Stop 停止设备的审计。返回后该 watch 不会再产生任何事件
func (m *Manager) Stop(busPath string) bool {
	m.mu.Lock()
	w, ok := m.watches[busPath]
	delete(m.watches, busPath)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.halt(w)
	return true
}

// StopAll 停止全部审计并等待所有 worker 退出
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*watch, 0, len(m.watches))
	for bus, w := range m.watches {
		all = append(all, w)
		delete(m.watches, bus)
	}
	m.mu.Unlock()
	for _, w := range all {
		m.halt(w)
	}
	m.wg.Wait()
}

// Generation 当前 watch 的 generation，0 表示没有在审计
func (m *Manager) Generation(busPath string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watches[busPath]; ok {
		return w.gen
	}
	return 0
}

func (m *Manager) halt(w *watch) {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cancel()
	m.log.Info("⏹️ audit stopped", zap.String("bus", w.device.BusPath), zap.Uint64("gen", w.gen))
}

func (m *Manager) current(w *watch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.watches[w.device.BusPath]
	return ok && cur.gen == w.gen
}

func (m *Manager) run(ctx context.Context, w *watch) {
	d := w.device
	log := m.log.With(zap.String("bus", d.BusPath), zap.Uint64("gen", w.gen))

	// udev 事件触发时文件系统可能还没挂载好
	mountPoint, err := m.opts.Mounts.Wait(ctx, d, m.opts.MountWait)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("device authorized but mount point not found", zap.Error(err))
		}
		return
	}
	log.Info("📂 auditing storage device", zap.String("mount", mountPoint), zap.String("source", m.opts.Source.Name()))

	err = m.opts.Source.Watch(ctx, mountPoint, func(a monitor.Activity) { m.deliver(w, a) })
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("❌ audit watch failed", zap.String("mount", mountPoint), zap.Error(err))
	}
}

// deliver 丢弃已停止或已被替换的 watch 的迟到事件
func (m *Manager) deliver(w *watch, a monitor.Activity) {
	if !m.current(w) {
		m.log.Debug("late audit event discarded", zap.String("bus", w.device.BusPath), zap.Uint64("gen", w.gen))
		return
	}
	ev := model.AuditEvent{
		BusPath:   w.device.BusPath,
		Serial:    w.device.Serial,
		Path:      a.Path,
		OldPath:   a.OldPath,
		Operation: a.Op,
		PID:       a.PID,
		ProcName:  a.Process,
		TimeStamp: a.At,
	}
	if ev.TimeStamp.IsZero() {
		ev.TimeStamp = time.Now()
	}
	var s sample
	if w.trust != nil {
		a.At = ev.TimeStamp
		s = measure(a, m.opts.Trust)
	}
	if m.opts.Inspector != nil && (a.Op == model.OpCreate || a.Op == model.OpModify) {
		m.inspect(&ev)
	}
	if !m.record(w, ev) || w.trust == nil {
		return
	}

	if ev.Risk == string(analysis.RiskHigh) && m.opts.Trust.Executables {
		s.executable = true
	}
	// 上报时不能持有 w.mu：引擎可能正在 Stop 这个 watch
	if reason := w.trust.observe(s); reason != "" {
		m.log.Warn("🚨 suspicious activity on device",
			zap.String("bus", w.device.BusPath),
			zap.Uint64("gen", w.gen),
			zap.String("reason", reason))
		m.opts.Escalate.ReportSuspicious(w.device.BusPath, w.gen, reason)
	}
}

// record 写入审计日志；watch 已停止时返回 false
func (m *Manager) record(w *watch, ev model.AuditEvent) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return false
	}
	m.log.Info("📝 file activity",
		zap.String("bus", ev.BusPath),
		zap.String("op", string(ev.Operation)),
		zap.String("path", ev.Path),
		zap.Int32("pid", ev.PID),
		zap.String("process", ev.ProcName))
	if err := m.opts.Sink.Append(ev); err != nil {
		m.log.Warn("audit event dropped", zap.String("path", ev.Path), zap.Error(err))
	}
	return true
}

func (m *Manager) inspect(ev *model.AuditEvent) {
	finding, err := m.opts.Inspector.Inspect(ev.Path)
	if err != nil {
		// 目录或已被删除
		return
	}
	if !finding.Masquerade {
		return
	}
	ev.Risk = string(finding.Risk)
	ev.Detail = finding.Message
	m.log.Warn("🚨 masquerade file detected",
		zap.String("path", ev.Path),
		zap.String("risk", ev.Risk),
		zap.String("detail", ev.Detail))
	if finding.Risk == analysis.RiskHigh && m.opts.Quarantine {
		if target, err := analysis.Quarantine(ev.Path); err == nil {
			ev.Detail += "; quarantined as " + target
		} else {
			m.log.Warn("quarantine failed", zap.String("path", ev.Path), zap.Error(err))
		}
	}
}
