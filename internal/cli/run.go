package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Hara602/usbWarden/internal/analysis"
	"github.com/Hara602/usbWarden/internal/audit"
	"github.com/Hara602/usbWarden/internal/authz"
	"github.com/Hara602/usbWarden/internal/clock"
	"github.com/Hara602/usbWarden/internal/config"
	"github.com/Hara602/usbWarden/internal/engine"
	"github.com/Hara602/usbWarden/internal/ipc"
	"github.com/Hara602/usbWarden/internal/journal"
	"github.com/Hara602/usbWarden/internal/monitor"
	"github.com/Hara602/usbWarden/internal/router"
	"github.com/Hara602/usbWarden/internal/sysutil"
	"github.com/Hara602/usbWarden/internal/watcher"
)

// 内存中保留的最近审计事件数，供界面的审计视图使用
const recentAudit = 200

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground (default command)",
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tail, err := sysutil.InitLogger(sysutil.LogOptions{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		TailLines: cfg.Logging.TailLines,
	})
	if err != nil {
		return &config.Error{Path: cfg.Path(), Err: fmt.Errorf("logging: %w", err)}
	}
	log := sysutil.Log
	defer log.Sync()

	log.Info("🛡️ USB Warden agent starting",
		zap.String("config", cfg.Path()),
		zap.String("default_action", string(cfg.Policy.DefaultAction)),
		zap.Int("rules", len(cfg.Policy.Rules)),
	)
	// sysfs 写入与 fanotify 都需要 root
	if !sysutil.IsPrivileged() {
		log.Warn("⚠️ not running as root: authorization changes and fanotify auditing will fail")
	}

	store, err := cfg.PolicyStore()
	if err != nil {
		return &config.Error{Path: cfg.Path(), Err: err}
	}

	jr, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer jr.Close()
	auditLog := audit.NewLog(jr, recentAudit, log)

	backend, err := authz.Detect(cfg.Authz.Backend, cfg.Authz.SysfsRoot)
	if err != nil {
		return &config.Error{Path: cfg.Path(), Err: err}
	}
	log.Info("authorization backend selected", zap.String("backend", backend.Name()))

	ecfg := engine.Config{
		Policy:        store,
		Backend:       backend,
		History:       auditLog,
		Logger:        log,
		ActionTimeout: cfg.Engine.ActionTimeout.D(),
		MaxRetries:    cfg.Engine.MaxRetries,
		RetryBackoff:  cfg.Engine.RetryBackoff.D(),
		HistorySize:   cfg.Engine.HistorySize,
	}
	ropts := router.Options{
		AuditLog:   auditLog,
		Autolaunch: cfg.Surface.Autolaunch,
		Grace:      cfg.Engine.ShutdownGrace.D(),
		Input:      os.Stdin,
		Output:     os.Stdout,
		Logger:     log,
	}
	esc := &escalation{}
	if cfg.Audit.Enabled {
		manager, err := newAuditManager(cfg, auditLog, esc, log)
		if err != nil {
			return err
		}
		ecfg.Auditor = manager
		ropts.Auditor = manager
	} else {
		log.Info("file activity auditing disabled")
	}

	eng, err := engine.New(ecfg)
	if err != nil {
		return err
	}
	esc.eng = eng
	devices, err := watcher.New(watcher.Options{
		Mode:         cfg.Watcher.Mode,
		PollInterval: cfg.Watcher.PollInterval.D(),
		SysfsRoot:    cfg.Watcher.SysfsRoot,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("device watcher: %w", err)
	}

	sessions := ipc.NewSessions(clock.Real(), cfg.Surface.HeartbeatTimeout.D(), log)
	server := ipc.NewServer(cfg.Surface.Socket, log)
	ipc.Register(server, ipc.Agent{Engine: eng, Sessions: sessions, Audit: auditLog, Logs: tail})
	if err := server.Listen(); err != nil {
		return fmt.Errorf("control socket: %w", err)
	}

	ropts.Engine = eng
	ropts.Sessions = sessions
	ropts.Launcher = router.NewExecLauncher(cfg.Surface.Terminal, router.SurfaceCommand(cfg.Surface.Socket), log)

	sigCtx, stop := signalContext()
	defer stop()
	routerCtx, cancelRouter := context.WithCancel(sigCtx)
	defer cancelRouter()

	// 引擎和控制通道在退出流程结束后才停止：Drain 需要引擎仍在运行
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()
	engineDone := make(chan error, 1)
	go func() {
		err := eng.Run(engineCtx, devices)
		if err != nil {
			cancelRouter()
		}
		engineDone <- err
	}()

	serverCtx, cancelServer := context.WithCancel(context.Background())
	defer cancelServer()
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Serve(serverCtx) }()

	routerErr := router.New(ropts).Run(routerCtx)

	cancelServer()
	if err := <-serverDone; err != nil {
		log.Warn("control socket closed with error", zap.Error(err))
	}
	cancelEngine()
	if err := <-engineDone; err != nil {
		return err
	}
	if routerErr != nil {
		log.Warn("shutdown finished with errors", zap.Error(routerErr))
	}
	return routerErr
}

// escalation 审计管理器先于引擎创建，可疑行为报告经由它转给引擎。
// eng 在 Run 之前赋值，审计 worker 只会在 Run 开始后启动
type escalation struct {
	eng *engine.Engine
}

func (x *escalation) ReportSuspicious(busPath string, gen uint64, reason string) {
	x.eng.ReportSuspicious(busPath, gen, reason)
}

func newAuditManager(cfg *config.Config, sink audit.Sink, esc audit.Escalator, log *zap.Logger) (*audit.Manager, error) {
	source, err := monitor.New(cfg.Audit.Source, log)
	if err != nil {
		return nil, &config.Error{Path: cfg.Path(), Err: err}
	}
	opts := audit.Options{
		Source:     source,
		Mounts:     sysutil.DefaultMountLocator(),
		Sink:       sink,
		MountWait:  cfg.Audit.MountWait.D(),
		Quarantine: cfg.Audit.Quarantine,
		Logger:     log,
	}
	if cfg.Audit.Inspect {
		opts.Inspector = analysis.NewTypeInspector()
	}
	if t := cfg.Audit.Trust; t.Enabled {
		opts.Escalate = esc
		opts.Trust = audit.TrustLimits{
			MaxFilesPerMinute: t.MaxFilesPerMinute,
			MaxBytes:          uint64(t.MaxData),
			Executables:       t.BlockExecutables,
		}
		log.Info("progressive trust enabled",
			zap.Int("max_files_per_minute", t.MaxFilesPerMinute),
			zap.Uint64("max_data", uint64(t.MaxData)),
			zap.Bool("block_executables", t.BlockExecutables))
	}
	log.Info("file activity auditing enabled", zap.String("source", source.Name()))
	return audit.NewManager(opts), nil
}
