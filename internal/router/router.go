// Package router owns the process lifecycle at the main control point:
// it opens the interactive surface, reads the operator's relaunch and quit
// commands, and runs the ordered shutdown. It never touches devices.
package router

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/model"
)

// Engine 由 *engine.Engine 实现
type Engine interface {
	Drain(ctx context.Context) error
	Snapshot() model.Snapshot
}

// Auditor 由 *audit.Manager 实现
type Auditor interface {
	StopAll()
}

// AuditLog 由 *audit.Log 实现
type AuditLog interface {
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Sessions 由 *ipc.Sessions 实现
type Sessions interface {
	DetachPID(pid int)
	List() []model.InteractiveSession
}

type Options struct {
	Engine     Engine
	Auditor    Auditor  // 可选
	AuditLog   AuditLog // 可选
	Sessions   Sessions
	Launcher   Launcher // nil 表示不打开界面
	Autolaunch bool
	Grace      time.Duration
	Input      io.Reader
	Output     io.Writer
	Logger     *zap.Logger
}

// Command 主终端命令
type Command int

const (
	CmdUnknown Command = iota
	CmdNone
	CmdRelaunch
	CmdQuit
	CmdStatus
	CmdHelp
)

func ParseCommand(line string) Command {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return CmdNone
	case "r", "relaunch":
		return CmdRelaunch
	case "q", "quit", "exit":
		return CmdQuit
	case "s", "status":
		return CmdStatus
	case "h", "help", "?":
		return CmdHelp
	}
	return CmdUnknown
}

const help = "Type 'r' to relaunch the interactive surface, 's' for status, 'q' to quit."

type Router struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	proc   Process
	exited chan struct{}
}

func New(opts Options) *Router {
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	return &Router{opts: opts, log: opts.Logger.Named("router")}
}

// Run 阻塞直到收到 q 或 ctx 取消 (信号)，两种情况都执行完整的退出流程
func (r *Router) Run(ctx context.Context) error {
	lines := make(chan string)
	if r.opts.Input != nil {
		go r.readInput(ctx, lines)
	}
	if r.opts.Autolaunch {
		r.launch()
	}
	fmt.Fprintln(r.opts.Output, help)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("signal received")
			return r.shutdown()
		case line, ok := <-lines:
			if !ok {
				// stdin 关闭 (作为服务运行)：只能通过信号退出
				lines = nil
				continue
			}
			switch ParseCommand(line) {
			case CmdRelaunch:
				r.log.Info("🔁 relaunching interactive surface")
				r.launch()
			case CmdQuit:
				return r.shutdown()
			case CmdStatus:
				r.status()
			case CmdHelp:
				fmt.Fprintln(r.opts.Output, help)
			case CmdUnknown:
				fmt.Fprintf(r.opts.Output, "unknown command %q. %s\n", strings.TrimSpace(line), help)
			}
		}
	}
}

func (r *Router) readInput(ctx context.Context, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r.opts.Input)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

// launch 已有界面时先关闭旧的，再从 agent 当前状态打开新的
func (r *Router) launch() {
	if r.opts.Launcher == nil {
		return
	}
	r.terminateSurface()
	p, err := r.opts.Launcher.Launch()
	if err != nil {
		r.log.Warn("⚠️ could not open the interactive surface", zap.Error(err))
		fmt.Fprintf(r.opts.Output, "Run this in another terminal: %s\n", r.opts.Launcher.Manual())
		return
	}
	exited := make(chan struct{})
	r.mu.Lock()
	r.proc, r.exited = p, exited
	r.mu.Unlock()

	go func() {
		err := p.Wait()
		if r.opts.Sessions != nil {
			r.opts.Sessions.DetachPID(p.PID())
		}
		r.log.Info("interactive surface exited, monitoring continues", zap.Int("pid", p.PID()), zap.Error(err))
		r.mu.Lock()
		if r.proc == p {
			r.proc = nil
		}
		r.mu.Unlock()
		close(exited)
	}()
}

func (r *Router) terminateSurface() {
	r.mu.Lock()
	p, exited := r.proc, r.exited
	r.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.Kill(); err != nil {
		r.log.Debug("surface kill failed", zap.Int("pid", p.PID()), zap.Error(err))
	}
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		r.log.Warn("surface process did not exit", zap.Int("pid", p.PID()))
	}
}

// shutdown 停止接入新设备 -> 等待进行中的授权动作 -> 停止审计 -> 落盘审计日志 -> 关闭界面。
// 设备保持最后一次生效的授权状态，不做回滚
func (r *Router) shutdown() error {
	r.log.Info("🛑 shutting down", zap.Duration("grace", r.opts.Grace))
	var errs []error

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.Grace)
	if err := r.opts.Engine.Drain(ctx); err != nil {
		r.log.Warn("in-flight authorization actions did not settle in time", zap.Error(err))
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}
	cancel()

	if r.opts.Auditor != nil {
		r.opts.Auditor.StopAll()
	}
	if r.opts.AuditLog != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.Grace)
		if err := r.opts.AuditLog.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush audit log: %w", err))
		}
		if err := r.opts.AuditLog.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close audit log: %w", err))
		}
		cancel()
	}
	r.terminateSurface()
	r.log.Info("👋 stopped; devices keep their last applied authorization")
	return errors.Join(errs...)
}

func (r *Router) status() {
	snap := r.opts.Engine.Snapshot()
	out := r.opts.Output
	fmt.Fprintf(out, "%d device(s) attached, revision %d\n", len(snap.Devices), snap.Revision)
	for _, v := range snap.Devices {
		d := v.Device
		line := fmt.Sprintf("  %d. %s:%s %-14s %-15s %s", v.Index, d.VendorID, d.ProductID, d.Class, v.State, v.Origin)
		if v.NeedsAttention {
			line += "  ⚠️ " + v.LastError
		}
		if v.Suspicion != "" {
			line += "  🚨 " + v.Suspicion
		}
		fmt.Fprintln(out, line)
	}
	if r.opts.Sessions == nil {
		return
	}
	for _, s := range r.opts.Sessions.List() {
		fmt.Fprintf(out, "  surface %s pid=%d %s (last heartbeat %s)\n",
			shortID(s.ID), s.PID, s.State, s.LastHeartbeat.Format(time.TimeOnly))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
