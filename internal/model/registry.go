package model

import "time"

// DeviceView registry 中一个设备的只读快照
type DeviceView struct {
	Index          int       `json:"index"` // 从 1 开始，仅在所属快照中有效
	EntryID        string    `json:"entry_id"`
	Device         Device    `json:"device"`
	State          AuthState `json:"state"`
	Origin         Origin    `json:"origin"`
	FirstSeen      time.Time `json:"first_seen"`
	LastChange     time.Time `json:"last_change"`
	NeedsAttention bool      `json:"needs_attention,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	Busy           bool      `json:"busy,omitempty"`
	Queued         int       `json:"queued,omitempty"`
	Auditing       bool      `json:"auditing,omitempty"`

	// Suspicion 审计发现可疑行为后设备被封锁的原因，手动授权后清除
	Suspicion string `json:"suspicion,omitempty"`
}

// Snapshot 整个 registry 的不可变副本
type Snapshot struct {
	Revision uint64       `json:"revision"`
	TakenAt  time.Time    `json:"taken_at"`
	Devices  []DeviceView `json:"devices"`
	Recent   []DeviceView `json:"recent,omitempty"` // 最近拔出的设备
	Draining bool         `json:"draining,omitempty"`
}

// SessionState 交互界面的连接状态
type SessionState string

const (
	SessionDetached  SessionState = "detached"
	SessionConnected SessionState = "connected"
)

// InteractiveSession 交互界面会话
type InteractiveSession struct {
	ID            string       `json:"id"`
	PID           int          `json:"pid,omitempty"`
	State         SessionState `json:"state"`
	ConnectedAt   time.Time    `json:"connected_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Pending       int          `json:"pending"`
}
