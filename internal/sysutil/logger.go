package sysutil

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log *zap.Logger
var LogSugar *zap.SugaredLogger

func init() {
	Log = zap.NewNop()
	LogSugar = Log.Sugar()
}

// LogOptions 日志配置
type LogOptions struct {
	Level     string // debug / info / warn / error
	File      string // 可选：JSON 日志文件
	TailLines int    // 内存中保留的最近日志行数 (供交互界面查看)
}

// InitLogger 控制台 (彩色) + 可选 JSON 文件 + 内存 tail 三路输出
func InitLogger(opts LogOptions) (*LogTail, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, err
		}
		level.SetLevel(parsed)
	}

	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder        // 格式化时间输出
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder // 彩色级别
	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(config.EncoderConfig),
			zapcore.AddSync(os.Stdout),
			level,
		),
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0750); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			return nil, err
		}
		jsonConfig := zap.NewProductionEncoderConfig()
		jsonConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(jsonConfig), zapcore.AddSync(f), level))
	}

	tail := NewLogTail(opts.TailLines)
	plain := zap.NewDevelopmentEncoderConfig()
	plain.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	plain.EncodeLevel = zapcore.CapitalLevelEncoder
	plain.CallerKey = ""
	cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(plain), zapcore.AddSync(tail), level))

	Log = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	LogSugar = Log.Sugar()
	return tail, nil
}

// LogTail 环形缓冲：保存最近 N 行已渲染的日志
type LogTail struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func NewLogTail(size int) *LogTail {
	if size <= 0 {
		size = 200
	}
	return &LogTail{lines: make([]string, size)}
}

// Write zap 每条日志调用一次 Write
func (t *LogTail) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	t.mu.Lock()
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
	t.mu.Unlock()
	return len(p), nil
}

func (t *LogTail) Sync() error { return nil }

// Last 最近 n 行，按时间先后排序
func (t *LogTail) Last(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := t.next
	if t.full {
		count = len(t.lines)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]string, 0, n)
	start := t.next - n
	if start < 0 {
		start += len(t.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, t.lines[(start+i)%len(t.lines)])
	}
	return out
}
