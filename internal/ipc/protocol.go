// Package ipc is the control channel between the agent and the interactive
// surface: one CBOR request and one CBOR response per Unix socket
// connection. The surface never touches devices directly; every change
// goes through the engine behind this socket.
package ipc

import (
	"errors"
	"fmt"

	"github.com/Hara602/usbWarden/internal/authz"
	"github.com/Hara602/usbWarden/internal/codec"
	"github.com/Hara602/usbWarden/internal/engine"
	"github.com/Hara602/usbWarden/internal/model"
)

const (
	ActionHello     = "hello"
	ActionHeartbeat = "heartbeat"
	ActionBye       = "bye"
	ActionSnapshot  = "snapshot"
	ActionToggle    = "toggle"
	ActionAuditTail = "audit-tail"
	ActionLogTail   = "log-tail"
	ActionSessions  = "sessions"
)

// ErrDisconnected 无法连接 agent 或连接中断 (IPCDisconnected)
var ErrDisconnected = errors.New("control channel disconnected")

// ErrUnknownSession 会话不存在 (agent 重启过，或已超时被清理)
var ErrUnknownSession = errors.New("unknown session")

// Request 所有动作共用一个请求结构，未用到的字段省略
type Request struct {
	Action    string          `json:"action"`
	SessionID string          `json:"session_id,omitempty"`
	PID       int             `json:"pid,omitempty"`
	Index     int             `json:"index,omitempty"`
	EntryID   string          `json:"entry_id,omitempty"`
	Target    model.AuthState `json:"target,omitempty"`
	Limit     int             `json:"limit,omitempty"`
}

// Response {ok, error?, code?, data?}
type Response struct {
	OK    bool             `json:"ok"`
	Error string           `json:"error,omitempty"`
	Code  string           `json:"code,omitempty"`
	Data  codec.RawMessage `json:"data,omitempty"`
}

// HelloReply 连接时直接带上当前快照，界面不需要再单独请求
type HelloReply struct {
	Session  model.InteractiveSession `json:"session"`
	Snapshot model.Snapshot           `json:"snapshot"`
}

// 错误码让客户端可以用 errors.Is 判断
const (
	CodeStaleIndex     = "stale-index"
	CodeShuttingDown   = "shutting-down"
	CodeDeviceGone     = "device-gone"
	CodeInvalidTarget  = "invalid-target"
	CodeUnknownSession = "unknown-session"
)

var codeErrors = []struct {
	code string
	err  error
}{
	{CodeStaleIndex, engine.ErrStaleIndex},
	{CodeShuttingDown, engine.ErrShuttingDown},
	{CodeDeviceGone, engine.ErrDeviceGone},
	{CodeInvalidTarget, engine.ErrInvalidTarget},
	{CodeUnknownSession, ErrUnknownSession},
	{string(authz.KindNotFound), authz.ErrDeviceNotFound},
	{string(authz.KindPermission), authz.ErrPermissionDenied},
	{string(authz.KindUnavailable), authz.ErrBackendUnavailable},
	{string(authz.KindTimeout), authz.ErrTimeout},
}

func errorCode(err error) string {
	for _, c := range codeErrors {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	if kind := authz.Classify(err); kind != authz.KindNone {
		return string(kind)
	}
	return ""
}

func codeError(code string) error {
	for _, c := range codeErrors {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// RemoteError agent 返回 ok=false
type RemoteError struct {
	Action  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

func (e *RemoteError) Unwrap() error { return codeError(e.Code) }
