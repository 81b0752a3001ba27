package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/Hara602/usbWarden/internal/policy"
)

const DefaultPath = "/etc/usbwarden/config.yaml"

// Error ConfigError：策略或配置不可解析。启动时致命
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Duration 支持 "500ms" / "5s" 形式的 YAML 字段
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d Duration) D() time.Duration { return time.Duration(d) }

// Size 支持 "100MB" / "1.5GiB" 形式的 YAML 字段
type Size uint64

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = Size(n)
	return nil
}

func (s Size) MarshalYAML() (any, error) { return humanize.Bytes(uint64(s)), nil }

type Policy struct {
	DefaultAction     policy.Action `yaml:"default_action"`
	DenyWithoutSerial bool          `yaml:"deny_without_serial"`
	Rules             []policy.Rule `yaml:"rules"`
	// 单独的规则文件 (只读取其中的 rules 列表，追加在内联规则之后)
	RulesFile string `yaml:"rules_file,omitempty"`
}

type Engine struct {
	ActionTimeout Duration `yaml:"action_timeout"`
	MaxRetries    int      `yaml:"max_retries"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
	HistorySize   int      `yaml:"history_size"`
}

type Watcher struct {
	Mode         string   `yaml:"mode"` // auto | netlink | poll
	PollInterval Duration `yaml:"poll_interval"`
	SysfsRoot    string   `yaml:"sysfs_root"`
}

type Authz struct {
	Backend   string `yaml:"backend"` // auto | sysfs | pnp
	SysfsRoot string `yaml:"sysfs_root"`
}

type Audit struct {
	Enabled    bool     `yaml:"enabled"`
	Source     string   `yaml:"source"` // auto | fanotify | fsnotify
	MountWait  Duration `yaml:"mount_wait"`
	Inspect    bool     `yaml:"inspect"`
	Quarantine bool     `yaml:"quarantine"`
	Trust      Trust    `yaml:"trust"`
}

// Trust 审计中发现可疑行为时自动封锁设备
type Trust struct {
	Enabled           bool `yaml:"enabled"`
	MaxFilesPerMinute int  `yaml:"max_files_per_minute"` // 0 不限制
	MaxData           Size `yaml:"max_data"`             // 0 不限制
	BlockExecutables  bool `yaml:"block_executables"`
}

type Journal struct {
	Path string `yaml:"path"`
}

type Surface struct {
	Socket           string   `yaml:"socket"`
	Autolaunch       bool     `yaml:"autolaunch"`
	Terminal         []string `yaml:"terminal"`
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
}

type Logging struct {
	Level     string `yaml:"level"`
	File      string `yaml:"file"`
	TailLines int    `yaml:"tail_lines"`
}

type Config struct {
	Policy  Policy  `yaml:"policy"`
	Engine  Engine  `yaml:"engine"`
	Watcher Watcher `yaml:"watcher"`
	Authz   Authz   `yaml:"authz"`
	Audit   Audit   `yaml:"audit"`
	Journal Journal `yaml:"journal"`
	Surface Surface `yaml:"surface"`
	Logging Logging `yaml:"logging"`

	path string
}

// Default 配置文件缺失时使用：默认拒绝，无规则
func Default() *Config {
	return &Config{
		Policy: Policy{DefaultAction: policy.Block},
		Engine: Engine{
			ActionTimeout: Duration(3 * time.Second),
			MaxRetries:    3,
			RetryBackoff:  Duration(500 * time.Millisecond),
			ShutdownGrace: Duration(5 * time.Second),
			HistorySize:   64,
		},
		Watcher: Watcher{Mode: "auto", PollInterval: Duration(time.Second), SysfsRoot: "/sys"},
		Authz:   Authz{Backend: "auto", SysfsRoot: "/sys"},
		Audit: Audit{
			Enabled:   true,
			Source:    "auto",
			MountWait: Duration(10 * time.Second),
			Inspect:   true,
			Trust: Trust{
				Enabled:           true,
				MaxFilesPerMinute: 10,
				MaxData:           Size(100 * humanize.MByte),
				BlockExecutables:  true,
			},
		},
		Journal: Journal{Path: "/var/lib/usbwarden/journal.db"},
		Surface: Surface{
			Socket:           "/run/usbwarden/control.sock",
			Autolaunch:       true,
			HeartbeatTimeout: Duration(5 * time.Second),
		},
		Logging: Logging{Level: "info", TailLines: 200},
	}
}

// Load 读取 YAML 配置。path 为空时读取 DefaultPath，该文件不存在则使用默认值；
// 显式指定的文件不存在以及其它错误一律返回 *Error
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	cfg.path = path

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return cfg, nil
	}
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	if cfg.Policy.RulesFile != "" {
		rulesPath := cfg.Policy.RulesFile
		if !filepath.IsAbs(rulesPath) {
			rulesPath = filepath.Join(filepath.Dir(path), rulesPath)
		}
		extra, err := loadRules(rulesPath)
		if err != nil {
			return nil, &Error{Path: rulesPath, Err: err}
		}
		cfg.Policy.Rules = append(cfg.Policy.Rules, extra...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRules(path string) ([]policy.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Rules []policy.Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Rules, nil
}

// Validate 检查取值范围，并确认策略可以构建
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return &Error{Path: c.path, Err: fmt.Errorf(format, args...)}
	}
	if _, err := c.PolicyStore(); err != nil {
		return fail("policy: %w", err)
	}
	if c.Engine.ActionTimeout <= 0 {
		return fail("engine.action_timeout must be positive")
	}
	if c.Engine.MaxRetries < 0 {
		return fail("engine.max_retries must not be negative")
	}
	if c.Engine.RetryBackoff <= 0 {
		return fail("engine.retry_backoff must be positive")
	}
	if c.Engine.HistorySize <= 0 {
		return fail("engine.history_size must be positive")
	}
	switch c.Watcher.Mode {
	case "auto", "netlink", "poll":
	default:
		return fail("watcher.mode %q (want auto, netlink or poll)", c.Watcher.Mode)
	}
	switch c.Authz.Backend {
	case "auto", "sysfs", "pnp":
	default:
		return fail("authz.backend %q (want auto, sysfs or pnp)", c.Authz.Backend)
	}
	switch c.Audit.Source {
	case "auto", "fanotify", "fsnotify":
	default:
		return fail("audit.source %q (want auto, fanotify or fsnotify)", c.Audit.Source)
	}
	if c.Audit.Trust.MaxFilesPerMinute < 0 {
		return fail("audit.trust.max_files_per_minute must not be negative")
	}
	if c.Surface.Socket == "" {
		return fail("surface.socket must be set")
	}
	return nil
}

func (c *Config) PolicyStore() (*policy.Store, error) {
	return policy.New(c.Policy.Rules, c.Policy.DefaultAction,
		policy.DenyWithoutSerial(c.Policy.DenyWithoutSerial))
}

func (c *Config) Path() string { return c.path }

// Overrides 命令行覆盖项
type Overrides struct {
	ConfigPath string
	Socket     string
	LogLevel   string
	Journal    string
	NoSurface  bool
}

func (o *Overrides) AddFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&o.ConfigPath, "config", "c", "", "path to the YAML configuration file (default "+DefaultPath+")")
	flags.StringVar(&o.Socket, "socket", "", "control socket path (overrides surface.socket)")
	flags.StringVar(&o.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&o.Journal, "journal", "", "SQLite journal path (overrides journal.path)")
	flags.BoolVar(&o.NoSurface, "no-surface", false, "do not launch the interactive surface at start-up")
}

func (o *Overrides) Apply(c *Config) {
	if o.Socket != "" {
		c.Surface.Socket = o.Socket
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.Journal != "" {
		c.Journal.Path = o.Journal
	}
	if o.NoSurface {
		c.Surface.Autolaunch = false
	}
}
