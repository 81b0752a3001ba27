// Package engine is the policy reconciliation actor. It is the only writer
// of the device registry: enumerator events, manual toggles and backend
// results are all applied by the goroutine running Run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/authz"
	"github.com/Hara602/usbWarden/internal/clock"
	"github.com/Hara602/usbWarden/internal/journal"
	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/policy"
)

var (
	// ErrStaleIndex 下标已不指向请求方看到的那个设备
	ErrStaleIndex = errors.New("stale device index")
	// ErrShuttingDown 引擎正在退出或已退出
	ErrShuttingDown = errors.New("engine is shutting down")
	// ErrDeviceGone 请求完成前设备已拔出
	ErrDeviceGone = errors.New("device was removed")
	// ErrInvalidTarget 手动切换只能切到 authorized / blocked
	ErrInvalidTarget = errors.New("invalid target state")
	// ErrSourceStopped 枚举源没有给出原因就停止了
	ErrSourceStopped = errors.New("device source stopped")
)

// Source 设备事件源，由 watcher.DeviceWatcher 实现
type Source interface {
	Start(ctx context.Context) (<-chan model.DeviceEvent, error)
	Err() error
}

// Evaluator 策略匹配，由 *policy.Store 实现
type Evaluator interface {
	Evaluate(d model.Device) policy.Decision
}

// Auditor 审计任务控制，由 *audit.Manager 实现。两个方法都不能阻塞
type Auditor interface {
	Start(d model.Device) uint64
	Stop(busPath string) bool
}

// Recorder 设备历史，由 *audit.Log 实现
type Recorder interface {
	Transition(rec journal.HistoryRecord) error
}

type Config struct {
	Policy  Evaluator
	Backend authz.Backend
	Auditor Auditor  // 可选
	History Recorder // 可选
	Clock   clock.Clock
	Logger  *zap.Logger

	ActionTimeout time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	HistorySize   int
}

type Engine struct {
	cfg     Config
	backend authz.Backend
	clock   clock.Clock
	log     *zap.Logger

	toggles    chan toggleRequest
	drains     chan drainRequest
	results    chan actionResult
	releases   chan string
	retries    chan retryTick
	suspicions chan suspicionReport
	done       chan struct{}
	running    atomic.Bool
	snap       atomic.Pointer[model.Snapshot]

	// 以下字段只在 Run 的 goroutine 中访问
	runCtx       context.Context
	entries      map[string]*entry
	order        []string // bus path，按插入顺序
	recent       []model.DeviceView
	revision     uint64
	inFlight     int
	busyBus      map[string]struct{}
	draining     bool
	drainWaiters []chan struct{}
	seq          uint64
}

func New(cfg Config) (*Engine, error) {
	if cfg.Policy == nil {
		return nil, errors.New("engine: policy is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("engine: authorization backend is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 64
	}
	backend := cfg.Backend
	if cfg.ActionTimeout > 0 {
		backend = authz.Bounded(backend, cfg.ActionTimeout)
	}
	e := &Engine{
		cfg:        cfg,
		backend:    backend,
		clock:      cfg.Clock,
		log:        cfg.Logger.Named("engine"),
		toggles:    make(chan toggleRequest),
		drains:     make(chan drainRequest),
		results:    make(chan actionResult, 64),
		releases:   make(chan string, 16),
		retries:    make(chan retryTick, 16),
		suspicions: make(chan suspicionReport, 16),
		done:       make(chan struct{}),
		entries:    make(map[string]*entry),
		busyBus:    make(map[string]struct{}),
	}
	e.snap.Store(&model.Snapshot{TakenAt: cfg.Clock.Now()})
	return e, nil
}

// Run 处理循环。ctx 取消时返回 nil；枚举源终止时返回其错误
func (e *Engine) Run(ctx context.Context, src Source) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine: Run called twice")
	}
	defer close(e.done)
	defer e.stopTimers()

	e.runCtx = ctx
	events, err := src.Start(ctx)
	if err != nil {
		return fmt.Errorf("start device source: %w", err)
	}
	e.log.Info("🚀 policy engine started", zap.String("backend", e.backend.Name()))

	for {
		select {
		case <-ctx.Done():
			e.log.Info("policy engine stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				err := src.Err()
				if err == nil {
					err = ErrSourceStopped
				}
				e.log.Error("❌ device source failed, engine halting", zap.Error(err))
				return fmt.Errorf("device source: %w", err)
			}
			e.handleEvent(ev)
		case req := <-e.toggles:
			e.handleToggle(req)
		case req := <-e.drains:
			e.handleDrain(req)
		case r := <-e.results:
			e.handleResult(r)
		case bus := <-e.releases:
			e.handleRelease(bus)
		case t := <-e.retries:
			e.handleRetry(t)
		case r := <-e.suspicions:
			e.handleSuspicion(r)
		}
		e.publish()
	}
}

// Done Run 退出后关闭
func (e *Engine) Done() <-chan struct{} { return e.done }

// Snapshot 最近一次状态变化后的 registry 副本
func (e *Engine) Snapshot() model.Snapshot {
	return *e.snap.Load()
}

type toggleReply struct {
	view model.DeviceView
	err  error
}

type toggleRequest struct {
	index   int
	entryID string
	target  model.AuthState
	reply   chan toggleReply
}

// Toggle 手动切换第 index 个设备 (从 1 开始)。entryID 必须是请求方在该下标看到的条目，
// 不一致时返回 ErrStaleIndex。target 为空表示切到相反状态。
// 返回时后端动作已经完成
func (e *Engine) Toggle(ctx context.Context, index int, entryID string, target model.AuthState) (model.DeviceView, error) {
	switch target {
	case "", model.StateAuthorized, model.StateBlocked:
	default:
		return model.DeviceView{}, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	req := toggleRequest{index: index, entryID: entryID, target: target, reply: make(chan toggleReply, 1)}
	select {
	case e.toggles <- req:
	case <-ctx.Done():
		return model.DeviceView{}, ctx.Err()
	case <-e.done:
		return model.DeviceView{}, ErrShuttingDown
	}
	select {
	case r := <-req.reply:
		return r.view, r.err
	case <-ctx.Done():
		return model.DeviceView{}, ctx.Err()
	case <-e.done:
		return model.DeviceView{}, ErrShuttingDown
	}
}

type drainRequest struct {
	settled chan struct{}
}

// Drain 停止处理新插入的设备，取消待执行的重试，等待进行中的后端动作结束 (受 ctx 限制)
func (e *Engine) Drain(ctx context.Context) error {
	req := drainRequest{settled: make(chan struct{})}
	select {
	case e.drains <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return nil
	}
	select {
	case <-req.settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return nil
	}
}

func (e *Engine) handleDrain(req drainRequest) {
	if !e.draining {
		e.draining = true
		e.log.Info("⏳ draining: new attach events are ignored")
		for _, bus := range e.order {
			ent := e.entries[bus]
			ent.cancelRetry()
			// 尚未开始的动作不再执行
			for _, a := range ent.queue {
				a.respond(model.DeviceView{}, ErrShuttingDown)
			}
			ent.queue = nil
		}
	}
	if e.inFlight == 0 {
		close(req.settled)
		return
	}
	e.drainWaiters = append(e.drainWaiters, req.settled)
}

func (e *Engine) stopTimers() {
	for _, ent := range e.entries {
		ent.cancelRetry()
	}
}

func (e *Engine) now() time.Time { return e.clock.Now() }
