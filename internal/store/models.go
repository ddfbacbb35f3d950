// models.go — 后端库行模型与哨兵错误。
package store

import (
	"errors"
	"time"

	apperrors "github.com/multi-agent/shellgui/pkg/errors"
)

var (
	// ErrReadOnlyViolation SQL 包含写入关键词。
	ErrReadOnlyViolation = apperrors.Sentinel("read-only SQL violation: write keywords detected")

	// ErrMultiStatement SQL 包含多条语句。
	ErrMultiStatement = apperrors.Sentinel("only single SQL statement allowed")

	// ErrDangerousSQL SQL 包含危险操作。
	ErrDangerousSQL = apperrors.Sentinel("dangerous SQL operation blocked")

	errNoID = errors.New("insert returned no id")
)

// PrivilegeExecute 命令执行类权限 (access_pattern 与点分命令名匹配)。
const PrivilegeExecute = "execute"

// 内置角色。
const (
	RoleAdministrator = "Administrator"
	RolePoweruser     = "Poweruser"
	RoleUser          = "User"
)

// LocalUserName 本地单用户模式下的固定用户。
const LocalUserName = "LocalAdministrator"

// DefaultProfileName 惰性创建的默认配置档名。
const DefaultProfileName = "Default"

// SessionRow session 表一行。UserID 为 0 表示未认证。
type SessionRow struct {
	ID                 int64      `json:"id"`
	UUID               string     `json:"uuid"`
	ContinuedSessionID int64      `json:"continued_session_id"`
	UserID             int64      `json:"user_id,omitempty"`
	Started            time.Time  `json:"started"`
	Ended              *time.Time `json:"ended,omitempty"`
	SourceIP           string     `json:"source_ip"`
}

// User user 表一行。
type User struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	PasswordHash     string `json:"-"`
	AllowedHosts     string `json:"allowed_hosts,omitempty"`
	DefaultProfileID int64  `json:"default_profile_id,omitempty"`
}

// Profile 用户配置档。
type Profile struct {
	ID          int64          `json:"id"`
	UserID      int64          `json:"user_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Options     map[string]any `json:"options"`
}

// DBConnection 连接目录中的一条数据库连接。
type DBConnection struct {
	ID          int64          `json:"id"`
	ProfileID   int64          `json:"profile_id"`
	FolderPath  string         `json:"folder_path"`
	Caption     string         `json:"caption"`
	Description string         `json:"description,omitempty"`
	DBType      string         `json:"db_type"`
	Options     map[string]any `json:"options"`
}

// SystemLog log 表一行。
type SystemLog struct {
	ID          int64          `json:"id"`
	Ts          time.Time      `json:"ts"`
	Level       string         `json:"level"`
	Logger      string         `json:"logger,omitempty"`
	Message     string         `json:"message"`
	Source      string         `json:"source,omitempty"`
	Component   string         `json:"component,omitempty"`
	SessionUUID string         `json:"session_uuid,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Command     string         `json:"command,omitempty"`
	DurationMS  *int64         `json:"duration_ms,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}
