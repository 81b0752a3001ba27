package model

import (
	"fmt"
	"time"
)

// DeviceClass 设备分类 (由接口类别推断)
type DeviceClass string

const (
	ClassOther   DeviceClass = "other"
	ClassStorage DeviceClass = "storage"
	ClassHID     DeviceClass = "hid"
	ClassHub     DeviceClass = "hub"
	// 同时具备 08(存储) 和 03(HID) 接口
	ClassBadUSBSuspect DeviceClass = "badusb-suspect"
)

// HasStorage 是否需要文件审计
func (c DeviceClass) HasStorage() bool {
	return c == ClassStorage || c == ClassBadUSBSuspect
}

// AuthState 设备授权状态
type AuthState string

const (
	StateUnknown      AuthState = "unknown"
	StateEvaluating   AuthState = "evaluating"
	StateAuthorized   AuthState = "authorized"
	StateBlocked      AuthState = "blocked"
	StateActionFailed AuthState = "action-failed"
	StateRemoved      AuthState = "removed"
)

// Opposite 手动切换的目标状态
func (s AuthState) Opposite() AuthState {
	if s == StateAuthorized {
		return StateBlocked
	}
	return StateAuthorized
}

// Origin 决策来源
type Origin string

const (
	OriginPolicy Origin = "policy"
	OriginManual Origin = "manual"
)

// Device 一个物理 USB 设备
// BusPath 在插入期间稳定，是 registry 的 key；Serial 用于重新插入时识别“同一个”设备
type Device struct {
	BusPath   string      `json:"bus_path"` // linux: "1-1.2"; windows: PnP InstanceId
	VendorID  string      `json:"vendor_id"`
	ProductID string      `json:"product_id"`
	Serial    string      `json:"serial,omitempty"`
	Class     DeviceClass `json:"class"`
	Label     string      `json:"label,omitempty"`
	SysPath   string      `json:"sys_path,omitempty"`
}

// Identity vid:pid:serial
func (d Device) Identity() string {
	serial := d.Serial
	if serial == "" {
		serial = "NOSERIAL"
	}
	return fmt.Sprintf("%s:%s:%s", d.VendorID, d.ProductID, serial)
}

// EventKind 枚举器事件类型
type EventKind string

const (
	EventAttached EventKind = "attached"
	EventDetached EventKind = "detached"
	EventChanged  EventKind = "changed"
)

// DeviceEvent 硬件插拔事件
// Detached 事件只保证 Device.BusPath 有值
type DeviceEvent struct {
	Kind      EventKind
	Device    Device
	TimeStamp time.Time
}

func Attached(d Device, at time.Time) DeviceEvent {
	return DeviceEvent{Kind: EventAttached, Device: d, TimeStamp: at}
}

func Detached(busPath string, at time.Time) DeviceEvent {
	return DeviceEvent{Kind: EventDetached, Device: Device{BusPath: busPath}, TimeStamp: at}
}

func Changed(d Device, at time.Time) DeviceEvent {
	return DeviceEvent{Kind: EventChanged, Device: d, TimeStamp: at}
}

// AuditOp 文件操作类型
type AuditOp string

const (
	OpCreate AuditOp = "create"
	OpModify AuditOp = "modify"
	OpDelete AuditOp = "delete"
	OpRename AuditOp = "rename"
)

// AuditEvent 审计事件，创建后不可修改
type AuditEvent struct {
	BusPath   string    `json:"bus_path"`
	Serial    string    `json:"serial,omitempty"`
	Path      string    `json:"path"`
	OldPath   string    `json:"old_path,omitempty"`
	Operation AuditOp   `json:"op"`
	PID       int32     `json:"pid,omitempty"`
	ProcName  string    `json:"process,omitempty"`
	Risk      string    `json:"risk,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	TimeStamp time.Time `json:"ts"`
}
