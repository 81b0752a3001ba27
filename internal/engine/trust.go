package engine

import (
	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/model"
)

type suspicionReport struct {
	busPath string
	gen     uint64
	reason  string
}

// ReportSuspicious 审计发现可疑行为。gen 必须是设备当前审计的 generation，
// 否则报告被丢弃。由审计 worker 调用，引擎退出后立即返回
func (e *Engine) ReportSuspicious(busPath string, gen uint64, reason string) {
	select {
	case e.suspicions <- suspicionReport{busPath: busPath, gen: gen, reason: reason}:
	case <-e.done:
	}
}

// handleSuspicion 标记设备并按策略来源排队 block。之后的策略评估都按 block 处理，
// 直到有人手动授权
func (e *Engine) handleSuspicion(r suspicionReport) {
	ent, ok := e.entries[r.busPath]
	if !ok || !ent.auditing || ent.auditGen != r.gen {
		e.log.Debug("stale suspicion report discarded", zap.String("bus", r.busPath), zap.Uint64("gen", r.gen))
		return
	}
	if ent.suspicion != "" {
		return
	}
	ent.suspicion = r.reason
	e.log.Warn("🚨 device flagged suspicious, blocking", append(e.fields(ent), zap.String("reason", r.reason))...)
	e.record(ent, "suspicious")
	if e.draining {
		return
	}
	ent.cancelRetry()
	ent.queue = dropPolicy(ent.queue)
	if ent.state == model.StateBlocked && ent.inFlight == nil && len(ent.queue) == 0 {
		return
	}
	e.enqueue(ent, &action{target: model.StateBlocked, origin: model.OriginPolicy})
}
