package dispatch

import (
	"context"

	"github.com/multi-agent/shellgui/internal/dbsession"
	"github.com/multi-agent/shellgui/internal/modsession"
	"github.com/multi-agent/shellgui/internal/protocol"
	"github.com/multi-agent/shellgui/pkg/util"
)

// WebSession 调度器所见的客户端连接。
type WebSession interface {
	SessionUUID() string
	UserID() int64
	ProfileID() int64
	// IsLocal 本地单用户模式。
	IsLocal() bool
	// Backend 该连接独占的后端数据库会话。
	Backend() *dbsession.Session
	ModuleSessions() *modsession.Registry
	// PrivilegePatterns 当前用户在给定权限类别下的 access_pattern 列表。
	PrivilegePatterns(ctx context.Context, privilegeType string) ([]string, error)
	// Send 入队一条响应。终止响应同时解除 request_id 与模块会话的绑定。
	Send(resp protocol.Response)
	// Prompt 发出 prompt 并阻塞等待回复 (有超时)。
	Prompt(ctx context.Context, requestID string, p protocol.Prompt) (protocol.PromptReply, error)
}

// Call 一次命令调用的上下文包。参数改写后的结果全部在这里。
type Call struct {
	RequestID string
	Command   string
	Args      map[string]any

	UserID    int64
	ProfileID int64
	Local     bool

	Web       WebSession
	BeSession *dbsession.Session

	// Session 由 module_session_id 选出的数据库子会话。
	Session         *dbsession.Session
	ModuleSession   modsession.Session
	ModuleSessionID string
}

// String 读取字符串参数。
func (c *Call) String(key string) string {
	s, _ := c.Args[key].(string)
	return s
}

// Int64 读取整数参数。
func (c *Call) Int64(key string) (int64, bool) {
	v, ok := c.Args[key]
	if !ok || v == nil {
		return 0, false
	}
	return util.ToInt64(v)
}

// Bool 读取布尔参数, 缺省为 def。
func (c *Call) Bool(key string, def bool) bool {
	if b, ok := c.Args[key].(bool); ok {
		return b
	}
	return def
}

// Map 读取对象参数, 缺省返回空 map。
func (c *Call) Map(key string) map[string]any {
	v, ok := c.Args[key]
	if !ok || v == nil {
		return map[string]any{}
	}
	return util.ToMapAny(v)
}

// Has 参数是否由客户端提供 (或被注入)。
func (c *Call) Has(key string) bool {
	_, ok := c.Args[key]
	return ok
}

// SendGUIMessage 发送一条 PENDING 中间响应。已含 request_state 的 map 原样转发。
func (c *Call) SendGUIMessage(payload any) {
	c.Web.Send(protocol.Envelope(protocol.StatePending, c.RequestID, payload))
}

// Prompt 向客户端提问并等待回复。
func (c *Call) Prompt(ctx context.Context, p protocol.Prompt) (protocol.PromptReply, error) {
	return c.Web.Prompt(ctx, c.RequestID, p)
}
