// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"time"

	"github.com/multi-agent/shellgui/pkg/util"
)

// 后端驱动名。
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 服务
	ListenAddr       string `env:"SHELLGUI_LISTEN" default:"127.0.0.1:8000"`
	MaxConnections   int    `env:"SHELLGUI_MAX_CONNECTIONS" default:"100" min:"1"`
	MaxMessageBytes  int    `env:"SHELLGUI_MAX_MESSAGE_BYTES" default:"16777216" min:"1024"` // 16MB
	DeliveryPollMs   int    `env:"SHELLGUI_DELIVERY_POLL_MS" default:"1000" min:"10"`
	PromptTimeoutSec int    `env:"SHELLGUI_PROMPT_TIMEOUT_SEC" default:"300" min:"1"`
	AllowedOrigins   string `env:"SHELLGUI_ALLOWED_ORIGINS"` // 逗号分隔, 空 = 仅 localhost

	// 认证
	LocalUserMode            bool `env:"SHELLGUI_LOCAL_USER_MODE" default:"false"`
	RequireBasicAuth         bool `env:"SHELLGUI_REQUIRE_BASIC_AUTH" default:"false"`
	AuthCacheTTLSec          int  `env:"SHELLGUI_AUTH_CACHE_TTL_SEC" default:"60" min:"1"`
	SessionRecoveryMaxAgeSec int  `env:"SHELLGUI_SESSION_RECOVERY_MAX_AGE_SEC" default:"86400" min:"0"`

	// 后端数据库
	BackendDriver string `env:"SHELLGUI_BACKEND_DRIVER" default:"sqlite"`
	BackendDSN    string `env:"SHELLGUI_BACKEND_DSN" default:"shellgui.sqlite3"`
	MigrationsDir string `env:"SHELLGUI_MIGRATIONS_DIR"` // 空 = 内置迁移

	// 数据库会话
	DBOpenRetries       int `env:"SHELLGUI_DB_OPEN_RETRIES" default:"3" min:"1"`
	DBReconnectAttempts int `env:"SHELLGUI_DB_RECONNECT_ATTEMPTS" default:"3" min:"1"`
	DBReconnectDelaySec int `env:"SHELLGUI_DB_RECONNECT_DELAY_SEC" default:"5" min:"0"`
	DBLockTimeoutSec    int `env:"SHELLGUI_DB_LOCK_TIMEOUT_SEC" default:"5" min:"1"`
	DBPingIntervalSec   int `env:"SHELLGUI_DB_PING_INTERVAL_SEC" default:"60" min:"0"` // 0 = 不保活

	// 交互 shell
	ShellCommand string `env:"SHELLGUI_SHELL_COMMAND" default:"/bin/sh"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
	LogDir   string `env:"SHELLGUI_LOG_DIR"`
	LogToDB  bool   `env:"SHELLGUI_LOG_TO_DB" default:"true"`
	// LogRetentionDays log 表保留天数, 0 = 不清理。
	LogRetentionDays int `env:"SHELLGUI_LOG_RETENTION_DAYS" default:"30" min:"0"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	_ = util.LoadFromEnv(&cfg)
	return &cfg
}

// PromptTimeout prompt 往返最长等待时间。
func (c *Config) PromptTimeout() time.Duration {
	return time.Duration(c.PromptTimeoutSec) * time.Second
}

// DeliveryPoll 投递 goroutine 的轮询超时。
func (c *Config) DeliveryPoll() time.Duration {
	return time.Duration(c.DeliveryPollMs) * time.Millisecond
}

// AuthCacheTTL 凭据缓存有效期。
func (c *Config) AuthCacheTTL() time.Duration {
	return time.Duration(c.AuthCacheTTLSec) * time.Second
}

// SessionRecoveryMaxAge 会话恢复窗口; 0 表示不限。
func (c *Config) SessionRecoveryMaxAge() time.Duration {
	return time.Duration(c.SessionRecoveryMaxAgeSec) * time.Second
}

// DBSessionDefaults 数据库会话的重试 / 超时默认值。
type DBSessionDefaults struct {
	OpenRetries       int
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	LockTimeout       time.Duration
	PingInterval      time.Duration
}

// DBSession 投影数据库会话相关字段。
func (c *Config) DBSession() DBSessionDefaults {
	return DBSessionDefaults{
		OpenRetries:       c.DBOpenRetries,
		ReconnectAttempts: c.DBReconnectAttempts,
		ReconnectDelay:    time.Duration(c.DBReconnectDelaySec) * time.Second,
		LockTimeout:       time.Duration(c.DBLockTimeoutSec) * time.Second,
		PingInterval:      time.Duration(c.DBPingIntervalSec) * time.Second,
	}
}
