// cmd/shellgui — ShellGui 后端入口。
//
// 子命令:
//
//	shellgui serve              启动 WebSocket 服务
//	shellgui migrate            只执行后端库迁移
//	shellgui user add NAME PW   创建用户 (含默认配置档)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/multi-agent/shellgui/internal/config"
	"github.com/multi-agent/shellgui/pkg/logger"
)

// Version 构建时注入: -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()
	root := &cobra.Command{
		Use:           "shellgui",
		Short:         "ShellGui WebSocket backend",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.LogDir != "" {
				if err := logger.InitWithFile(cfg.LogDir); err != nil {
					return err
				}
			}
			logger.SetLevel(cfg.LogLevel)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logger.ShutdownFileHandler()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.BackendDriver, "driver", cfg.BackendDriver, "backend database driver (sqlite|postgres)")
	flags.StringVar(&cfg.BackendDSN, "dsn", cfg.BackendDSN, "backend database DSN or SQLite file path")
	flags.StringVar(&cfg.MigrationsDir, "migrations", cfg.MigrationsDir, "migration directory (empty = embedded)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "DEBUG|INFO|WARN|ERROR")

	root.AddCommand(newServeCmd(cfg), newMigrateCmd(cfg), newUserCmd(cfg))
	return root
}
