package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/authz"
	"github.com/Hara602/usbWarden/internal/model"
)

// action 一次待执行的后端调用
type action struct {
	seq     uint64
	target  model.AuthState
	origin  model.Origin
	attempt int
	reply   chan toggleReply // 仅手动切换
}

// respond 每个手动请求只回复一次
func (a *action) respond(v model.DeviceView, err error) {
	if a.reply == nil {
		return
	}
	a.reply <- toggleReply{view: v, err: err}
	a.reply = nil
}

type actionResult struct {
	busPath string
	entryID string
	action  *action
	res     authz.Result
	err     error

	// abandoned 超时返回但底层调用仍在运行，bus path 保持占用直到 release
	abandoned bool
}

type retryTick struct {
	busPath string
	entryID string
	seq     uint64
	failed  *action
}

func dropPolicy(queue []*action) []*action {
	out := queue[:0]
	for _, a := range queue {
		if a.origin == model.OriginManual {
			out = append(out, a)
		}
	}
	return out
}

func (e *Engine) enqueue(ent *entry, a *action) {
	e.seq++
	a.seq = e.seq
	ent.queue = append(ent.queue, a)
	e.dispatch(ent)
}

// dispatch 设备空闲时取出下一个动作，在独立 goroutine 中调用后端，
// 慢设备不会阻塞其它设备的事件处理
func (e *Engine) dispatch(ent *entry) {
	bus := ent.device.BusPath
	if ent.inFlight != nil || len(ent.queue) == 0 || e.busy(bus) {
		return
	}
	a := ent.queue[0]
	ent.queue = ent.queue[1:]
	ent.inFlight = a
	e.inFlight++
	e.markBusy(bus, true)

	d, id := ent.device, ent.id
	ctx := e.runCtx
	e.log.Debug("dispatching authorization action", zap.String("bus", bus),
		zap.String("target", string(a.target)), zap.String("origin", string(a.origin)), zap.Int("attempt", a.attempt))
	go func() {
		res, err := authz.Apply(ctx, e.backend, d, a.target)
		settled := authz.Settled(err)
		select {
		case e.results <- actionResult{busPath: bus, entryID: id, action: a, res: res, err: err, abandoned: settled != nil}:
		case <-e.done:
			return
		}
		if settled == nil {
			return
		}
		select {
		case <-settled:
		case <-e.done:
			return
		}
		select {
		case e.releases <- bus:
		case <-e.done:
		}
	}()
}

// release 释放 bus path 上的后端调用槽位，然后继续该设备排队的动作
func (e *Engine) release(bus string) {
	e.inFlight--
	e.markBusy(bus, false)
}

func (e *Engine) handleRelease(bus string) {
	e.log.Info("abandoned authorization call returned", zap.String("bus", bus))
	e.release(bus)
	e.settle()
	if ent, ok := e.entries[bus]; ok {
		e.dispatch(ent)
	}
}

func (e *Engine) handleResult(r actionResult) {
	if !r.abandoned {
		e.release(r.busPath)
	}
	defer e.settle()

	ent, ok := e.entries[r.busPath]
	if !ok || ent.id != r.entryID {
		// 设备在动作进行中被拔出 (或已被新设备占用同一端口)
		e.log.Info("result for removed device discarded", zap.String("bus", r.busPath),
			zap.String("target", string(r.action.target)), zap.Error(r.err))
		if ok {
			e.dispatch(ent)
		}
		return
	}
	ent.inFlight = nil
	a := r.action
	kind := authz.Classify(r.err)

	switch {
	case kind == authz.KindNone:
		ent.origin = a.origin
		ent.needsAttention = false
		ent.lastErr = ""
		e.setState(ent, a.target)
		e.log.Info(stateIcon(a.target)+" authorization applied", append(e.fields(ent), zap.Bool("changed", r.res.Changed))...)
		e.syncAudit(ent)
		a.respond(ent.view(e.indexOf(ent)), nil)

	case kind == authz.KindNotFound:
		// 良性竞争：随后的 Detached 事件会清理
		e.log.Info("device vanished before action applied", append(e.fields(ent), errorKind(r.err))...)
		for _, q := range ent.queue {
			q.respond(model.DeviceView{}, ErrDeviceGone)
		}
		ent.queue = nil
		a.respond(model.DeviceView{}, fmt.Errorf("%w: %v", ErrDeviceGone, r.err))

	default:
		ent.lastErr = r.err.Error()
		e.setState(ent, model.StateActionFailed)
		if a.origin == model.OriginPolicy && kind.Retryable() && a.attempt < e.cfg.MaxRetries && !e.draining && len(ent.queue) == 0 {
			e.scheduleRetry(ent, a)
			e.log.Warn("⚠️ authorization failed, will retry", append(e.fields(ent),
				errorKind(r.err), zap.Int("attempt", a.attempt+1), zap.Error(r.err))...)
		} else {
			ent.needsAttention = true
			e.log.Error("❌ authorization failed, manual intervention required", append(e.fields(ent),
				errorKind(r.err), zap.Int("attempts", a.attempt+1), zap.Error(r.err))...)
		}
		e.syncAudit(ent)
		a.respond(ent.view(e.indexOf(ent)), r.err)
	}
	e.dispatch(ent)
}

func (e *Engine) scheduleRetry(ent *entry, failed *action) {
	delay := e.cfg.RetryBackoff << failed.attempt
	e.seq++
	seq := e.seq
	ent.retrySeq = seq
	tick := retryTick{busPath: ent.device.BusPath, entryID: ent.id, seq: seq, failed: failed}
	ent.retry = e.clock.AfterFunc(delay, func() {
		select {
		case e.retries <- tick:
		case <-e.done:
		}
	})
}

func (e *Engine) handleRetry(t retryTick) {
	ent, ok := e.entries[t.busPath]
	if !ok || ent.id != t.entryID || ent.retrySeq != t.seq || ent.retry == nil {
		return
	}
	ent.retry = nil
	e.log.Info("🔄 retrying authorization", zap.String("bus", t.busPath), zap.Int("attempt", t.failed.attempt+2))
	e.enqueue(ent, &action{target: t.failed.target, origin: model.OriginPolicy, attempt: t.failed.attempt + 1})
}

func (e *Engine) handleToggle(req toggleRequest) {
	fail := func(err error) { req.reply <- toggleReply{err: err} }
	if e.draining {
		fail(ErrShuttingDown)
		return
	}
	if req.index < 1 || req.index > len(e.order) {
		fail(fmt.Errorf("%w: %d is out of range (1-%d)", ErrStaleIndex, req.index, len(e.order)))
		return
	}
	ent := e.entries[e.order[req.index-1]]
	if req.entryID == "" || ent.id != req.entryID {
		fail(fmt.Errorf("%w: device at %d has changed", ErrStaleIndex, req.index))
		return
	}
	target := req.target
	if target == "" {
		target = ent.state.Opposite()
	}

	e.log.Info("👆 manual toggle", append(e.fields(ent), zap.String("target", string(target)))...)
	if target == model.StateAuthorized && ent.suspicion != "" {
		// 操作员为可疑设备担保
		e.log.Warn("suspicion cleared by manual authorization", append(e.fields(ent),
			zap.String("suspicion", ent.suspicion))...)
		ent.suspicion = ""
	}
	// 手动操作取代尚未执行的策略动作与重试；进行中的动作不打断
	ent.cancelRetry()
	ent.queue = dropPolicy(ent.queue)
	e.enqueue(ent, &action{target: target, origin: model.OriginManual, reply: req.reply})
}

// settle 没有进行中的动作时唤醒 Drain
func (e *Engine) settle() {
	if e.inFlight > 0 || len(e.drainWaiters) == 0 {
		return
	}
	for _, w := range e.drainWaiters {
		close(w)
	}
	e.drainWaiters = nil
}

func (e *Engine) indexOf(ent *entry) int {
	for i, bus := range e.order {
		if bus == ent.device.BusPath {
			return i + 1
		}
	}
	return 0
}

func stateIcon(s model.AuthState) string {
	if s == model.StateAuthorized {
		return "✅"
	}
	return "🚫"
}

// busy 同一 bus path 的后端调用 (包括已拔出设备遗留的) 互斥
func (e *Engine) busy(bus string) bool {
	_, ok := e.busyBus[bus]
	return ok
}

func (e *Engine) markBusy(bus string, on bool) {
	if on {
		e.busyBus[bus] = struct{}{}
		return
	}
	delete(e.busyBus, bus)
}
