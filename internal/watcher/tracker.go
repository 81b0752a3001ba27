package watcher

import (
	"sort"
	"time"

	"github.com/Hara602/usbWarden/internal/model"
)

// tracker 记录当前在线的设备，保证 Attached/Detached 成对且不重复
type tracker struct {
	present map[string]model.Device
}

func newTracker() *tracker {
	return &tracker{present: make(map[string]model.Device)}
}

// attach 新设备产生 Attached；已知设备属性变化时产生 Changed；否则不产生事件
func (t *tracker) attach(d model.Device, at time.Time) (model.DeviceEvent, bool) {
	old, ok := t.present[d.BusPath]
	t.present[d.BusPath] = d
	if !ok {
		return model.Attached(d, at), true
	}
	if old != d {
		return model.Changed(d, at), true
	}
	return model.DeviceEvent{}, false
}

// refresh 只对已知设备产生 Changed
func (t *tracker) refresh(d model.Device, at time.Time) (model.DeviceEvent, bool) {
	if _, ok := t.present[d.BusPath]; !ok {
		return model.DeviceEvent{}, false
	}
	return t.attach(d, at)
}

func (t *tracker) detach(busPath string, at time.Time) (model.DeviceEvent, bool) {
	if _, ok := t.present[busPath]; !ok {
		return model.DeviceEvent{}, false
	}
	delete(t.present, busPath)
	return model.Detached(busPath, at), true
}

// reconcile 把一次完整扫描的结果与上次对比，先报告拔出，再报告插入与变化
func (t *tracker) reconcile(devices []model.Device, at time.Time) []model.DeviceEvent {
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		seen[d.BusPath] = true
	}

	var gone []string
	for bus := range t.present {
		if !seen[bus] {
			gone = append(gone, bus)
		}
	}
	sort.Strings(gone)

	var out []model.DeviceEvent
	for _, bus := range gone {
		if ev, ok := t.detach(bus, at); ok {
			out = append(out, ev)
		}
	}
	sorted := make([]model.Device, len(devices))
	copy(sorted, devices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BusPath < sorted[j].BusPath })
	for _, d := range sorted {
		if ev, ok := t.attach(d, at); ok {
			out = append(out, ev)
		}
	}
	return out
}
