package ipc

import (
	"context"

	"github.com/Hara602/usbWarden/internal/model"
)

const defaultTail = 50

// Engine 由 *engine.Engine 实现
type Engine interface {
	Snapshot() model.Snapshot
	Toggle(ctx context.Context, index int, entryID string, target model.AuthState) (model.DeviceView, error)
}

// AuditTail 由 *audit.Log 实现
type AuditTail interface {
	Recent(n int) []model.AuditEvent
}

// LogTail 由 *sysutil.LogTail 实现
type LogTail interface {
	Last(n int) []string
}

// Agent 控制协议背后的各个组件。Audit 和 Logs 可以为 nil
type Agent struct {
	Engine   Engine
	Sessions *Sessions
	Audit    AuditTail
	Logs     LogTail
}

// Register 注册全部动作
func Register(s *Server, a Agent) {
	s.Handle(ActionHello, func(_ context.Context, req Request) (any, error) {
		sess := a.Sessions.Hello(req.PID)
		return HelloReply{Session: sess, Snapshot: a.Engine.Snapshot()}, nil
	})
	s.Handle(ActionHeartbeat, func(_ context.Context, req Request) (any, error) {
		return nil, a.Sessions.Heartbeat(req.SessionID)
	})
	s.Handle(ActionBye, func(_ context.Context, req Request) (any, error) {
		a.Sessions.Bye(req.SessionID)
		return nil, nil
	})
	s.Handle(ActionSnapshot, func(context.Context, Request) (any, error) {
		return a.Engine.Snapshot(), nil
	})
	s.Handle(ActionToggle, func(ctx context.Context, req Request) (any, error) {
		if req.SessionID != "" {
			a.Sessions.Begin(req.SessionID)
			defer a.Sessions.End(req.SessionID)
		}
		return a.Engine.Toggle(ctx, req.Index, req.EntryID, req.Target)
	})
	s.Handle(ActionAuditTail, func(_ context.Context, req Request) (any, error) {
		if a.Audit == nil {
			return []model.AuditEvent{}, nil
		}
		return a.Audit.Recent(limit(req.Limit)), nil
	})
	s.Handle(ActionLogTail, func(_ context.Context, req Request) (any, error) {
		if a.Logs == nil {
			return []string{}, nil
		}
		return a.Logs.Last(limit(req.Limit)), nil
	})
	s.Handle(ActionSessions, func(context.Context, Request) (any, error) {
		return a.Sessions.List(), nil
	})
}

func limit(n int) int {
	if n <= 0 {
		return defaultTail
	}
	return n
}
