package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/multi-agent/shellgui/internal/commands"
	"github.com/multi-agent/shellgui/internal/config"
	"github.com/multi-agent/shellgui/internal/database"
	"github.com/multi-agent/shellgui/internal/dbsession"
	"github.com/multi-agent/shellgui/internal/dispatch"
	"github.com/multi-agent/shellgui/internal/store"
	"github.com/multi-agent/shellgui/internal/wsapi"
	"github.com/multi-agent/shellgui/pkg/logger"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "listen address")
	f.BoolVar(&cfg.LocalUserMode, "local-user", cfg.LocalUserMode, "single local administrator, no passwords")
	f.BoolVar(&cfg.RequireBasicAuth, "basic-auth", cfg.RequireBasicAuth, "require HTTP Basic credentials on upgrade")
	f.StringVar(&cfg.AllowedOrigins, "origins", cfg.AllowedOrigins, "comma separated allowed origins (scheme://host, any port)")
	f.StringVar(&cfg.ShellCommand, "shell", cfg.ShellCommand, "shell used by gui.shell sessions")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	// 服务级后端会话: 迁移, 本地用户, 日志落库。每个连接另开自己的会话。
	sess, err := database.OpenBackend(ctx, cfg, "server")
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := database.Migrate(ctx, sess, cfg.MigrationsDir); err != nil {
		return err
	}
	backend := store.New(sess)
	if cfg.LocalUserMode {
		if _, err := backend.Users.EnsureLocalUser(ctx); err != nil {
			return err
		}
	}
	if cfg.LogToDB {
		logger.AttachDBHandler(backend.Logs)
		defer logger.ShutdownDBHandler()
	}

	reg := dispatch.NewRegistry()
	if err := commands.Register(reg, commands.Deps{
		Version:      Version,
		DBDefaults:   editorDefaults(cfg),
		ShellCommand: cfg.ShellCommand,
	}); err != nil {
		return err
	}
	disp := dispatch.New(reg)
	srv := wsapi.New(cfg, disp)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.ListenAddr) })
	if cfg.LogToDB && cfg.LogRetentionDays > 0 {
		g.Go(func() error {
			pruneLogs(gctx, backend.Logs, cfg.LogRetentionDays)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		disp.Wait()
		logger.Info("shellgui: workers drained")
		return nil
	})
	logger.Info("shellgui: started", logger.FieldAddr, cfg.ListenAddr, logger.FieldVersion, Version)
	return g.Wait()
}

const logPruneInterval = 6 * time.Hour

// pruneLogs 启动时与之后每 logPruneInterval 删除过期日志, 直到 ctx 取消。
func pruneLogs(ctx context.Context, logs *store.SystemLogStore, days int) {
	ticker := time.NewTicker(logPruneInterval)
	defer ticker.Stop()
	for {
		if n, err := logs.Cleanup(ctx, days); err != nil {
			logger.Warn("shellgui: log cleanup failed", logger.FieldError, err)
		} else if n > 0 {
			logger.Info("shellgui: old logs removed", logger.FieldCount, n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// editorDefaults SQL 编辑器子会话的重试 / 超时模板。
func editorDefaults(cfg *config.Config) dbsession.Config {
	d := cfg.DBSession()
	return dbsession.Config{
		Reconnect:         dbsession.ReconnectStandard,
		OpenRetries:       d.OpenRetries,
		ReconnectAttempts: d.ReconnectAttempts,
		ReconnectDelay:    d.ReconnectDelay,
		LockTimeout:       d.LockTimeout,
		PingInterval:      d.PingInterval,
	}
}
