package router

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// ErrNoTerminal 找不到可以打开新窗口的终端
var ErrNoTerminal = errors.New("no terminal emulator available")

// Process 已启动的界面进程
type Process interface {
	PID() int
	Wait() error
	Kill() error
}

// Launcher 在新窗口中启动交互界面
type Launcher interface {
	Launch() (Process, error)
	// Manual 自动启动失败时提示用户手动执行的命令
	Manual() string
}

// ExecLauncher 通过终端模拟器启动 `<self> surface --socket <path>`
type ExecLauncher struct {
	// Terminal 为空时自动探测；否则作为前缀，界面命令追加在其后
	Terminal []string
	Command  []string
	log      *zap.Logger
	lookPath func(string) (string, error)
}

func NewExecLauncher(terminal, command []string, log *zap.Logger) *ExecLauncher {
	return &ExecLauncher{
		Terminal: terminal,
		Command:  command,
		log:      log.Named("launcher"),
		lookPath: exec.LookPath,
	}
}

// SurfaceCommand 当前可执行文件的 surface 子命令
func SurfaceCommand(socket string) []string {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	return []string{self, "surface", "--socket", socket}
}

func (l *ExecLauncher) Manual() string {
	return strings.Join(l.Command, " ")
}

func (l *ExecLauncher) Launch() (Process, error) {
	lastErr := ErrNoTerminal
	for _, argv := range l.candidates() {
		path, err := l.lookPath(argv[0])
		if err != nil {
			continue
		}
		cmd := exec.Command(path, argv[1:]...)
		setDetached(cmd)
		if err := cmd.Start(); err != nil {
			lastErr = fmt.Errorf("start %s: %w", argv[0], err)
			l.log.Debug("terminal failed to start", zap.String("terminal", argv[0]), zap.Error(err))
			continue
		}
		l.log.Info("🖥️ interactive surface launched", zap.String("terminal", argv[0]), zap.Int("pid", cmd.Process.Pid))
		return &execProcess{cmd: cmd}, nil
	}
	return nil, lastErr
}

// candidates 按顺序尝试的完整命令行
func (l *ExecLauncher) candidates() [][]string {
	with := func(prefix ...string) []string {
		return append(append([]string{}, prefix...), l.Command...)
	}
	if len(l.Terminal) > 0 {
		return [][]string{with(l.Terminal...)}
	}
	if runtime.GOOS == "windows" {
		return [][]string{with("cmd", "/c", "start", "usbWarden", "/wait")}
	}
	// sudo 环境下 gnome-terminal 需要 dbus-launch
	return [][]string{
		with("dbus-launch", "gnome-terminal", "--wait", "--geometry=130x40", "--"),
		with("xterm", "-geometry", "130x40", "-e"),
		with("gnome-terminal", "--wait", "--geometry=130x40", "--"),
		with("x-terminal-emulator", "-e"),
	}
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }
