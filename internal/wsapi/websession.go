package wsapi

import (
	"context"

	"github.com/multi-agent/shellgui/internal/dbsession"
	"github.com/multi-agent/shellgui/internal/dispatch"
	"github.com/multi-agent/shellgui/internal/modsession"
	"github.com/multi-agent/shellgui/internal/protocol"
	"github.com/multi-agent/shellgui/pkg/logger"
)

var _ dispatch.WebSession = (*conn)(nil)

func (c *conn) SessionUUID() string                  { return c.sessionUUID }
func (c *conn) UserID() int64                        { return c.userID.Load() }
func (c *conn) ProfileID() int64                     { return c.profileID.Load() }
func (c *conn) IsLocal() bool                        { return c.srv.cfg.LocalUserMode }
func (c *conn) Backend() *dbsession.Session          { return c.backend }
func (c *conn) ModuleSessions() *modsession.Registry { return c.modules }

// SetProfileID 切换当前配置档 (gui.users.set_current_profile)。
func (c *conn) SetProfileID(id int64) { c.profileID.Store(id) }

func (c *conn) PrivilegePatterns(ctx context.Context, privilegeType string) ([]string, error) {
	return c.store.Privileges.Patterns(ctx, c.UserID(), privilegeType)
}

// Send worker 的响应出口。终止响应解除 request_id 与模块会话的绑定。
func (c *conn) Send(r protocol.Response) {
	if r.IsTerminal() {
		c.modules.UnregisterRequest(r.RequestID())
	}
	c.reply(r)
}

// Prompt 发出 prompt 并阻塞到客户端回复, 超时或连接关闭时返回 ErrCancelled。
func (c *conn) Prompt(ctx context.Context, requestID string, p protocol.Prompt) (protocol.PromptReply, error) {
	ch, err := c.prompts.open(requestID)
	if err != nil {
		return protocol.PromptReply{}, err
	}
	c.reply(protocol.PromptMessage(requestID, p))
	reply, err := c.prompts.wait(ctx, requestID, ch, c.srv.cfg.PromptTimeout())
	if err != nil {
		logger.Warn("ws-server: prompt abandoned",
			logger.FieldSessionUUID, c.sessionUUID, logger.FieldRequestID, requestID, logger.FieldError, err)
	}
	return reply, err
}
