package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Hara602/usbWarden/internal/config"
)

// ExitConfig EX_CONFIG：配置或策略不可用
const ExitConfig = 78

var overrides config.Overrides

var rootCmd = &cobra.Command{
	Use:   "usbwarden",
	Short: "USB device policy enforcement agent",
	Long: "Watches USB devices, applies the allow/block policy to every attach, " +
		"accepts live overrides from the interactive surface and audits file activity on authorized storage.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAgent,
}

func init() {
	overrides.AddFlags(rootCmd.PersistentFlags())
}

// Execute 执行命令行并返回进程退出码
func Execute() int {
	return execute(rootCmd, os.Stderr)
}

func execute(cmd *cobra.Command, stderr io.Writer) int {
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		fmt.Fprintf(stderr, "FATAL: %v\n", err)
		return ExitConfig
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

// loadConfig 读取配置文件并应用命令行覆盖项
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(overrides.ConfigPath)
	if err != nil {
		return nil, err
	}
	overrides.Apply(cfg)
	return cfg, nil
}

// socketPath --socket 优先，否则取配置文件中的 surface.socket
func socketPath() (string, error) {
	if overrides.Socket != "" {
		return overrides.Socket, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Surface.Socket, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
