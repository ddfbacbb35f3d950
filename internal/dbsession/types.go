// Package dbsession 数据库会话抽象: 单一 owner goroutine 持有物理连接,
// 其它 goroutine 通过任务队列访问。
//
// 核心能力:
//   - Open / Close, 连接状态机 (DISCONNECTED → CONNECTING → CONNECTED ⇄ RECONNECTING)
//   - 按 ReconnectMode 自动重连, 重连成功后原语句重试一次
//   - 每次 (重) 连接后依序执行 SetupTask 管道
//   - 任务队列: task_id = 发起请求的 request_id, 支持按 id 取消
//   - LockUsage 独占借用 (带超时, 超时报错)
//   - 诊断: 最近错误 / 执行耗时 / 影响行数 / 最近插入 id
package dbsession

import (
	"context"
	"maps"
	"strconv"
	"strings"
)

// State 会话连接状态。
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// ReconnectMode 自动重连策略。
type ReconnectMode int

const (
	// ReconnectNone 不自动重连。
	ReconnectNone ReconnectMode = iota
	// ReconnectStandard 仅在 "服务端断开" 类错误时重连。
	ReconnectStandard
	// ReconnectExtended 额外覆盖会话空闲超时类错误。
	ReconnectExtended
)

// ParseReconnectMode 解析 "none"/"standard"/"extended" (大小写不敏感), 未知值按 standard。
func ParseReconnectMode(s string) ReconnectMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off", "0":
		return ReconnectNone
	case "extended":
		return ReconnectExtended
	default:
		return ReconnectStandard
	}
}

// ErrorClass 驱动对错误的分类, 决定是否重试 / 重连。
type ErrorClass int

const (
	ClassOther ErrorClass = iota
	// ClassOpen 打开连接时的瞬时错误, Open 会重试。
	ClassOpen
	// ClassServerGone 连接丢失 / 服务端断开。
	ClassServerGone
	// ClassIdleTimeout 服务端因会话空闲而断开。
	ClassIdleTimeout
	// ClassAccessDenied 认证失败 (隧道重新认证时重试)。
	ClassAccessDenied
)

// reconnectable 判断给定策略下该类错误是否触发自动重连。
func (m ReconnectMode) reconnectable(c ErrorClass) bool {
	switch m {
	case ReconnectStandard:
		return c == ClassServerGone
	case ReconnectExtended:
		return c == ClassServerGone || c == ClassIdleTimeout
	default:
		return false
	}
}

// Result 单条语句的执行结果。
type Result struct {
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	RowsAffected int64    `json:"rows_affected"`
	LastInsertID int64    `json:"last_insert_id,omitempty"`
}

// Maps 以列名为键返回每一行。
func (r *Result) Maps() []map[string]any {
	if r == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}

// Options 连接参数 (驱动自行解释键名)。
type Options map[string]any

// Clone 浅拷贝。
func (o Options) Clone() Options {
	if o == nil {
		return Options{}
	}
	return maps.Clone(o)
}

// String 读取字符串参数, 数值类型按十进制格式化。
func (o Options) String(key string) string {
	switch v := o[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

// Conn 物理连接, 只允许 owner goroutine 使用。
type Conn interface {
	Query(ctx context.Context, query string, args ...any) (*Result, error)
	Exec(ctx context.Context, query string, args ...any) (*Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// Driver 建立物理连接并对错误分类。
type Driver interface {
	Name() string
	Dial(ctx context.Context, opts Options) (Conn, error)
	Classify(err error) ErrorClass
	// BindType 占位符风格 (sqlx.QUESTION / sqlx.DOLLAR …)。
	BindType() int
}

// Describer 可选: 连接后采集元数据。
type Describer interface {
	Describe(ctx context.Context, c Conn) (Info, error)
}

// CapabilityDetector 可选: 探测服务端可选能力。
type CapabilityDetector interface {
	DetectCapabilities(ctx context.Context, c Conn) (map[string]bool, error)
}

// Info 连接级元数据, 每次重连后刷新。
type Info struct {
	ConnectionID  string `json:"connection_id,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
}

// Execer 任务函数内可用的语句执行器。
type Execer interface {
	Query(ctx context.Context, query string, args ...any) (*Result, error)
	Exec(ctx context.Context, query string, args ...any) (*Result, error)
}

// TaskFunc 在 owner goroutine 上执行的任务体。
type TaskFunc func(ctx context.Context, x Execer) (*Result, error)

// TaskState 任务生命周期通知。
type TaskState string

const (
	TaskStarted   TaskState = "started"
	TaskFinished  TaskState = "finished"
	TaskCancelled TaskState = "cancelled"
)

// IsQuery 粗略判断语句是否返回结果集。
func IsQuery(query string) bool {
	q := strings.TrimLeft(query, " \t\r\n(")
	for strings.HasPrefix(q, "--") || strings.HasPrefix(q, "/*") {
		if strings.HasPrefix(q, "--") {
			nl := strings.IndexByte(q, '\n')
			if nl < 0 {
				return false
			}
			q = strings.TrimLeft(q[nl+1:], " \t\r\n(")
			continue
		}
		end := strings.Index(q, "*/")
		if end < 0 {
			return false
		}
		q = strings.TrimLeft(q[end+2:], " \t\r\n(")
	}
	word := q
	if i := strings.IndexAny(q, " \t\r\n(;"); i >= 0 {
		word = q[:i]
	}
	switch strings.ToUpper(word) {
	case "SELECT", "WITH", "VALUES", "PRAGMA", "SHOW", "EXPLAIN", "TABLE", "DESCRIBE":
		return true
	}
	return strings.Contains(strings.ToUpper(query), "RETURNING")
}
