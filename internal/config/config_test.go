// config_test.go — 配置加载默认值 + 环境变量覆盖测试。
package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"ListenAddr", cfg.ListenAddr, "127.0.0.1:8000"},
		{"MaxConnections", cfg.MaxConnections, 100},
		{"PromptTimeoutSec", cfg.PromptTimeoutSec, 300},
		{"LocalUserMode", cfg.LocalUserMode, false},
		{"BackendDriver", cfg.BackendDriver, DriverSQLite},
		{"BackendDSN", cfg.BackendDSN, "shellgui.sqlite3"},
		{"DBOpenRetries", cfg.DBOpenRetries, 3},
		{"DBReconnectAttempts", cfg.DBReconnectAttempts, 3},
		{"DBReconnectDelaySec", cfg.DBReconnectDelaySec, 5},
		{"DBLockTimeoutSec", cfg.DBLockTimeoutSec, 5},
		{"ShellCommand", cfg.ShellCommand, "/bin/sh"},
		{"LogLevel", cfg.LogLevel, "INFO"},
		{"LogToDB", cfg.LogToDB, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SHELLGUI_LISTEN", "0.0.0.0:9000")
	t.Setenv("SHELLGUI_BACKEND_DRIVER", "postgres")
	t.Setenv("SHELLGUI_LOCAL_USER_MODE", "true")
	t.Setenv("SHELLGUI_DB_LOCK_TIMEOUT_SEC", "0") // min:"1" 兜底
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := Load()

	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.BackendDriver != DriverPostgres {
		t.Errorf("BackendDriver = %q", cfg.BackendDriver)
	}
	if !cfg.LocalUserMode {
		t.Error("LocalUserMode = false, want true")
	}
	if cfg.DBLockTimeoutSec != 1 {
		t.Errorf("DBLockTimeoutSec = %d, want clamped 1", cfg.DBLockTimeoutSec)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestDurations(t *testing.T) {
	cfg := Load()
	if cfg.PromptTimeout() != 5*time.Minute {
		t.Errorf("PromptTimeout = %v", cfg.PromptTimeout())
	}
	if cfg.DeliveryPoll() != time.Second {
		t.Errorf("DeliveryPoll = %v", cfg.DeliveryPoll())
	}
	db := cfg.DBSession()
	if db.ReconnectDelay != 5*time.Second || db.LockTimeout != 5*time.Second || db.OpenRetries != 3 {
		t.Errorf("DBSession = %+v", db)
	}
}
