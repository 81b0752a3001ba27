package engine

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/authz"
	"github.com/Hara602/usbWarden/internal/clock"
	"github.com/Hara602/usbWarden/internal/journal"
	"github.com/Hara602/usbWarden/internal/model"
)

// entry registry 中的一个在线设备
type entry struct {
	id             string
	device         model.Device
	state          model.AuthState
	origin         model.Origin
	firstSeen      time.Time
	lastChange     time.Time
	needsAttention bool
	lastErr        string

	// 同一设备同时最多一个后端动作，其余排队
	inFlight *action
	queue    []*action

	retry    *clock.Timer
	retrySeq uint64

	auditing bool
	auditGen uint64

	// suspicion 非空时策略结论一律视为 block
	suspicion string
}

func (ent *entry) cancelRetry() {
	if ent.retry != nil {
		ent.retry.Stop()
		ent.retry = nil
	}
}

func (ent *entry) view(index int) model.DeviceView {
	return model.DeviceView{
		Index:          index,
		EntryID:        ent.id,
		Device:         ent.device,
		State:          ent.state,
		Origin:         ent.origin,
		FirstSeen:      ent.firstSeen,
		LastChange:     ent.lastChange,
		NeedsAttention: ent.needsAttention,
		LastError:      ent.lastErr,
		Busy:           ent.inFlight != nil,
		Queued:         len(ent.queue),
		Auditing:       ent.auditing,
		Suspicion:      ent.suspicion,
	}
}

func (e *Engine) fields(ent *entry) []zap.Field {
	d := ent.device
	return []zap.Field{
		zap.String("bus", d.BusPath),
		zap.String("vid", d.VendorID),
		zap.String("pid", d.ProductID),
		zap.String("serial", d.Serial),
		zap.String("state", string(ent.state)),
		zap.String("origin", string(ent.origin)),
	}
}

func (e *Engine) handleEvent(ev model.DeviceEvent) {
	switch ev.Kind {
	case model.EventAttached:
		e.attach(ev.Device)
	case model.EventChanged:
		if _, ok := e.entries[ev.Device.BusPath]; !ok {
			e.attach(ev.Device)
			return
		}
		e.change(ev.Device)
	case model.EventDetached:
		e.detach(ev.Device.BusPath)
	}
}

func (e *Engine) attach(d model.Device) {
	if e.draining {
		e.log.Warn("attach ignored while draining", zap.String("bus", d.BusPath))
		return
	}
	if _, ok := e.entries[d.BusPath]; ok {
		// 枚举器保证不会重复 Attached，这里按属性变化处理
		e.change(d)
		return
	}
	now := e.now()
	ent := &entry{
		id:         uuid.NewString(),
		device:     d,
		state:      model.StateUnknown,
		origin:     model.OriginPolicy,
		firstSeen:  now,
		lastChange: now,
	}
	if prev, ok := e.lookupRecent(d); ok {
		// 同一个设备重新插入：沿用首次出现时间；手动覆盖不保留
		ent.firstSeen = prev.FirstSeen
		e.log.Info("🔁 device re-attached", zap.String("bus", d.BusPath), zap.String("serial", d.Serial),
			zap.String("previous_bus", prev.Device.BusPath))
	}
	e.entries[d.BusPath] = ent
	e.order = append(e.order, d.BusPath)

	e.log.Info("🔌 device attached", append(e.fields(ent),
		zap.String("class", string(d.Class)), zap.String("label", d.Label))...)
	if d.Class == model.ClassBadUSBSuspect {
		e.log.Warn("🚨 POTENTIAL BADUSB DETECTED", zap.String("bus", d.BusPath), zap.String("serial", d.Serial))
	}
	e.setState(ent, model.StateEvaluating)
	e.evaluate(ent)
}

// change 设备属性变化。手动覆盖的设备不再按策略重新评估
func (e *Engine) change(d model.Device) {
	ent := e.entries[d.BusPath]
	if ent.device == d {
		return
	}
	ent.device = d
	e.log.Info("device changed", append(e.fields(ent), zap.String("class", string(d.Class)))...)
	if ent.origin == model.OriginPolicy && !e.draining {
		e.evaluate(ent)
	}
	e.syncAudit(ent)
}

// evaluate 查询策略并排队相应动作。已处于目标状态且空闲时不调用后端
func (e *Engine) evaluate(ent *entry) {
	decision := e.cfg.Policy.Evaluate(ent.device)
	target := decision.Action.Target()
	e.log.Info("⚖️ policy decision", append(e.fields(ent),
		zap.String("action", string(decision.Action)),
		zap.String("reason", decision.Reason))...)
	if ent.suspicion != "" && target != model.StateBlocked {
		e.log.Warn("policy allow overridden by suspicious activity", append(e.fields(ent),
			zap.String("suspicion", ent.suspicion))...)
		target = model.StateBlocked
	}

	if ent.state == target && ent.inFlight == nil && len(ent.queue) == 0 {
		return
	}
	// 新的策略结论取代尚未执行的策略动作与重试
	ent.cancelRetry()
	ent.queue = dropPolicy(ent.queue)
	e.enqueue(ent, &action{target: target, origin: model.OriginPolicy})
}

func (e *Engine) detach(busPath string) {
	ent, ok := e.entries[busPath]
	if !ok {
		return
	}
	ent.cancelRetry()
	if ent.auditing && e.cfg.Auditor != nil {
		e.cfg.Auditor.Stop(busPath)
		ent.auditing = false
	}
	for _, a := range ent.queue {
		a.respond(model.DeviceView{}, ErrDeviceGone)
	}
	ent.queue = nil
	if ent.inFlight != nil {
		// 进行中的动作允许完成，但结果会被丢弃
		ent.inFlight.respond(model.DeviceView{}, ErrDeviceGone)
	}

	delete(e.entries, busPath)
	for i, bus := range e.order {
		if bus == busPath {
			e.order = append(e.order[:i:i], e.order[i+1:]...)
			break
		}
	}
	e.setState(ent, model.StateRemoved)
	e.remember(ent.view(0))
	e.log.Info("⏏️ device removed", e.fields(ent)...)
}

func (e *Engine) lookupRecent(d model.Device) (model.DeviceView, bool) {
	if d.Serial == "" {
		return model.DeviceView{}, false
	}
	for i := len(e.recent) - 1; i >= 0; i-- {
		prev := e.recent[i]
		if prev.Device.Serial == d.Serial && prev.Device.VendorID == d.VendorID && prev.Device.ProductID == d.ProductID {
			return prev, true
		}
	}
	return model.DeviceView{}, false
}

func (e *Engine) remember(v model.DeviceView) {
	e.recent = append(e.recent, v)
	if over := len(e.recent) - e.cfg.HistorySize; over > 0 {
		e.recent = append(e.recent[:0:0], e.recent[over:]...)
	}
}

// setState 状态真正变化时才更新 lastChange 并记录历史
func (e *Engine) setState(ent *entry, s model.AuthState) {
	if ent.state == s {
		return
	}
	ent.state = s
	ent.lastChange = e.now()
	if s != model.StateEvaluating {
		e.record(ent, string(s))
	}
}

// record 写一条设备历史；event 为状态名或 suspicious
func (e *Engine) record(ent *entry, event string) {
	if e.cfg.History == nil {
		return
	}
	rec := journal.HistoryRecord{
		TimeStamp: e.now(),
		Event:     event,
		EntryID:   ent.id,
		Device:    ent.device,
		State:     ent.state,
		Origin:    ent.origin,
		FirstSeen: ent.firstSeen,
		LastError: ent.lastErr,
	}
	if event == "suspicious" {
		rec.LastError = ent.suspicion
	}
	if err := e.cfg.History.Transition(rec); err != nil {
		e.log.Warn("device history not recorded", zap.String("bus", ent.device.BusPath), zap.Error(err))
	}
}

// syncAudit 只有已授权的存储设备才审计。动作失败时保持原样，设备可能仍可访问
func (e *Engine) syncAudit(ent *entry) {
	if e.cfg.Auditor == nil {
		return
	}
	want := ent.device.Class.HasStorage() &&
		(ent.state == model.StateAuthorized || (ent.state == model.StateActionFailed && ent.auditing))
	switch {
	case want && !ent.auditing:
		gen := e.cfg.Auditor.Start(ent.device)
		ent.auditing = true
		ent.auditGen = gen
		e.log.Info("🔎 audit started", zap.String("bus", ent.device.BusPath), zap.Uint64("gen", gen))
	case !want && ent.auditing:
		e.cfg.Auditor.Stop(ent.device.BusPath)
		ent.auditing = false
		ent.auditGen = 0
	}
}

func (e *Engine) publish() {
	e.revision++
	snap := &model.Snapshot{
		Revision: e.revision,
		TakenAt:  e.now(),
		Devices:  make([]model.DeviceView, 0, len(e.order)),
		Recent:   append([]model.DeviceView(nil), e.recent...),
		Draining: e.draining,
	}
	for i, bus := range e.order {
		snap.Devices = append(snap.Devices, e.entries[bus].view(i+1))
	}
	e.snap.Store(snap)
}

// errorKind 日志字段
func errorKind(err error) zap.Field {
	return zap.String("error_kind", string(authz.Classify(err)))
}
