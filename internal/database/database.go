// Package database 后端存储的启动与迁移。
//
// 后端库只通过 dbsession.Session 访问 (SQLite 文件库或 PostgreSQL),
// 裸写 SQL, 占位符统一使用 "?" 由会话按驱动改写。
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/multi-agent/shellgui/internal/config"
	"github.com/multi-agent/shellgui/internal/dbsession"
	"github.com/multi-agent/shellgui/pkg/logger"
)

// BackendOptions 将配置中的驱动与 DSN 转为会话连接参数。
func BackendOptions(cfg *config.Config) (dbsession.Driver, dbsession.Options, error) {
	if cfg.BackendDSN == "" {
		return nil, nil, fmt.Errorf("SHELLGUI_BACKEND_DSN is required")
	}
	drv, err := dbsession.LookupDriver(cfg.BackendDriver)
	if err != nil {
		return nil, nil, err
	}
	switch drv.Name() {
	case dbsession.SQLiteDriverName:
		return drv, dbsession.Options{"path": cfg.BackendDSN}, nil
	default:
		return drv, dbsession.Options{"dsn": cfg.BackendDSN}, nil
	}
}

// OpenBackend 打开一个后端库会话。id 用于日志与任务关联, 可为空。
//
// 每个 WebSocket 连接各持有一个会话, 服务级操作 (迁移, 日志落库) 另开一个。
func OpenBackend(ctx context.Context, cfg *config.Config, id string) (*dbsession.Session, error) {
	drv, opts, err := BackendOptions(cfg)
	if err != nil {
		return nil, err
	}
	d := cfg.DBSession()
	s, err := dbsession.Open(ctx, dbsession.Config{
		ID:                id,
		Driver:            drv,
		Options:           opts,
		Reconnect:         dbsession.ReconnectStandard,
		OpenRetries:       d.OpenRetries,
		ReconnectAttempts: d.ReconnectAttempts,
		ReconnectDelay:    d.ReconnectDelay,
		LockTimeout:       d.LockTimeout,
		PingInterval:      backendPingInterval(drv, d.PingInterval),
	})
	if err != nil {
		return nil, fmt.Errorf("open backend %s: %w", drv.Name(), err)
	}
	logger.Debug("backend session opened",
		logger.FieldDriver, drv.Name(),
		logger.FieldDBSession, s.ID())
	return s, nil
}

// backendPingInterval 嵌入式文件库没有服务端空闲超时, 不需要保活。
func backendPingInterval(drv dbsession.Driver, d time.Duration) time.Duration {
	if drv.Name() == dbsession.SQLiteDriverName {
		return 0
	}
	return d
}
