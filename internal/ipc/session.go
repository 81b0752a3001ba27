package ipc

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/clock"
	"github.com/Hara602/usbWarden/internal/model"
)

// Sessions 交互界面会话表。界面退出、崩溃或心跳超时都只影响会话状态，不影响引擎
type Sessions struct {
	mu       sync.Mutex
	clock    clock.Clock
	timeout  time.Duration
	sessions map[string]*model.InteractiveSession
	log      *zap.Logger
}

func NewSessions(clk clock.Clock, timeout time.Duration, log *zap.Logger) *Sessions {
	if clk == nil {
		clk = clock.Real()
	}
	return &Sessions{
		clock:    clk,
		timeout:  timeout,
		sessions: make(map[string]*model.InteractiveSession),
		log:      log.Named("session"),
	}
}

// Hello 新建会话
func (s *Sessions) Hello(pid int) model.InteractiveSession {
	now := s.clock.Now()
	sess := &model.InteractiveSession{
		ID:            uuid.NewString(),
		PID:           pid,
		State:         model.SessionConnected,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.log.Info("🖥️ interactive surface connected", zap.String("session", sess.ID), zap.Int("pid", pid))
	return *sess
}

// Heartbeat 超时后重新发来的心跳会把会话恢复为 Connected
func (s *Sessions) Heartbeat(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	sess.LastHeartbeat = s.clock.Now()
	sess.State = model.SessionConnected
	return nil
}

func (s *Sessions) Bye(id string) {
	s.detach(func(sess *model.InteractiveSession) bool { return sess.ID == id }, "surface closed")
}

// DetachPID 界面进程退出
func (s *Sessions) DetachPID(pid int) {
	if pid <= 0 {
		return
	}
	s.detach(func(sess *model.InteractiveSession) bool { return sess.PID == pid }, "surface process exited")
}

func (s *Sessions) detach(match func(*model.InteractiveSession) bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if match(sess) && sess.State == model.SessionConnected {
			sess.State = model.SessionDetached
			s.log.Info("interactive surface detached", zap.String("session", sess.ID), zap.String("reason", reason))
		}
	}
}

// Begin / End 统计会话中尚未完成的切换请求
func (s *Sessions) Begin(id string) {
	s.adjust(id, 1)
}

func (s *Sessions) End(id string) {
	s.adjust(id, -1)
}

func (s *Sessions) adjust(id string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Pending += delta
	}
}

// List 先按心跳判定超时，再按连接时间排序返回
func (s *Sessions) List() []model.InteractiveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	out := make([]model.InteractiveSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Connected 是否还有活着的界面
func (s *Sessions) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	for _, sess := range s.sessions {
		if sess.State == model.SessionConnected {
			return true
		}
	}
	return false
}

func (s *Sessions) expireLocked() {
	if s.timeout <= 0 {
		return
	}
	now := s.clock.Now()
	for _, sess := range s.sessions {
		if sess.State == model.SessionConnected && now.Sub(sess.LastHeartbeat) > s.timeout {
			sess.State = model.SessionDetached
			s.log.Warn("interactive surface heartbeat lost", zap.String("session", sess.ID),
				zap.Duration("silence", now.Sub(sess.LastHeartbeat)))
		}
	}
}
