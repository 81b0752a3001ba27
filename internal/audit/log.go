package audit

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/journal"
	"github.com/Hara602/usbWarden/internal/model"
)

// ErrClosed Log 已关闭
var ErrClosed = errors.New("audit log closed")

const (
	logBuffer  = 1024
	writeBatch = 256

	// historyBacklog 历史记录积压上限，超出时丢弃最旧的
	historyBacklog = 1 << 16
)

// Store 持久化后端，由 journal.Journal 实现
type Store interface {
	AppendAudit(ctx context.Context, events ...model.AuditEvent) error
	RecordTransition(ctx context.Context, records ...journal.HistoryRecord) error
}

type item struct {
	event   *model.AuditEvent
	flushed chan struct{}
}

// Log 只追加的审计日志。单个写入 goroutine 按到达顺序批量落盘。
// 设备历史走独立的队列，审计事件积压时 Transition 也不会阻塞
type Log struct {
	store Store
	log   *zap.Logger

	mu     sync.RWMutex
	closed bool
	in     chan item
	done   chan struct{}

	histMu     sync.Mutex
	histClosed bool
	history    []journal.HistoryRecord
	dropped    int
	wake       chan struct{}

	recentMu  sync.Mutex
	recent    []model.AuditEvent
	recentCap int
}

func NewLog(store Store, recentCap int, log *zap.Logger) *Log {
	if recentCap <= 0 {
		recentCap = 200
	}
	l := &Log{
		store:     store,
		log:       log.Named("audit-log"),
		in:        make(chan item, logBuffer),
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		recentCap: recentCap,
	}
	go l.run()
	return l
}

// Append 记录一条审计事件；缓冲满时阻塞
func (l *Log) Append(ev model.AuditEvent) error {
	if err := l.push(item{event: &ev}); err != nil {
		return err
	}
	l.remember(ev)
	return nil
}

// Transition 记录一条设备历史，从不阻塞
func (l *Log) Transition(rec journal.HistoryRecord) error {
	l.histMu.Lock()
	if l.histClosed {
		l.histMu.Unlock()
		return ErrClosed
	}
	l.history = append(l.history, rec)
	if over := len(l.history) - historyBacklog; over > 0 {
		l.history = append(l.history[:0], l.history[over:]...)
		l.dropped += over
	}
	l.histMu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// takeHistory 取走积压的历史记录
func (l *Log) takeHistory() ([]journal.HistoryRecord, int) {
	l.histMu.Lock()
	defer l.histMu.Unlock()
	recs, dropped := l.history, l.dropped
	l.history, l.dropped = nil, 0
	return recs, dropped
}

// Flush 等待此前提交的所有记录落盘
func (l *Log) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	if err := l.push(item{flushed: flushed}); err != nil {
		return err
	}
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 落盘剩余记录并停止写入 goroutine
func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.in)
	l.mu.Unlock()
	l.histMu.Lock()
	l.histClosed = true
	l.histMu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recent 内存中最近的 n 条审计事件，按时间先后排列
func (l *Log) Recent(n int) []model.AuditEvent {
	l.recentMu.Lock()
	defer l.recentMu.Unlock()
	if n <= 0 || n > len(l.recent) {
		n = len(l.recent)
	}
	out := make([]model.AuditEvent, n)
	copy(out, l.recent[len(l.recent)-n:])
	return out
}

func (l *Log) remember(ev model.AuditEvent) {
	l.recentMu.Lock()
	defer l.recentMu.Unlock()
	l.recent = append(l.recent, ev)
	if over := len(l.recent) - l.recentCap; over > 0 {
		l.recent = append(l.recent[:0], l.recent[over:]...)
	}
}

func (l *Log) push(it item) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	l.in <- it
	return nil
}

func (l *Log) run() {
	defer close(l.done)
	var events []model.AuditEvent
	write := func(history []journal.HistoryRecord) {
		// 落盘不受调用方 ctx 影响
		ctx := context.Background()
		if len(events) > 0 {
			if err := l.store.AppendAudit(ctx, events...); err != nil {
				l.log.Error("❌ failed to persist audit events", zap.Int("count", len(events)), zap.Error(err))
			}
		}
		if len(history) > 0 {
			if err := l.store.RecordTransition(ctx, history...); err != nil {
				l.log.Error("❌ failed to persist device history", zap.Int("count", len(history)), zap.Error(err))
			}
		}
		events = events[:0]
	}
	// 历史记录在每一批写入时一并取走，Flush 之前提交的也就一定落盘
	flushHistory := func() {
		history, dropped := l.takeHistory()
		if dropped > 0 {
			l.log.Warn("⚠️ device history backlog overflowed, oldest records dropped", zap.Int("dropped", dropped))
		}
		write(history)
	}

	for {
		var waiters []chan struct{}
		select {
		case <-l.wake:
		case it, ok := <-l.in:
			if !ok {
				flushHistory()
				return
			}
			take := func(it item) {
				if it.event != nil {
					events = append(events, *it.event)
				}
				if it.flushed != nil {
					waiters = append(waiters, it.flushed)
				}
			}
			take(it)
			// 把已经排队的记录攒成一批
		drain:
			for len(events) < writeBatch {
				select {
				case next, ok := <-l.in:
					if !ok {
						break drain
					}
					take(next)
				default:
					break drain
				}
			}
		}
		flushHistory()
		for _, w := range waiters {
			close(w)
		}
	}
}
