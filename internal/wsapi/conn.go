// conn.go — 单个 WebSocket 连接: 状态机, 读循环, 投递 goroutine 与关闭序列。
package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/multi-agent/shellgui/internal/dbsession"
	"github.com/multi-agent/shellgui/internal/dispatch"
	"github.com/multi-agent/shellgui/internal/modsession"
	"github.com/multi-agent/shellgui/internal/protocol"
	"github.com/multi-agent/shellgui/internal/store"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
	"github.com/multi-agent/shellgui/pkg/logger"
	"github.com/multi-agent/shellgui/pkg/util"
)

// State 连接状态。
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const (
	writeTimeout = 10 * time.Second
	closeTimeout = 5 * time.Second
)

// 响应消息文本。
const (
	msgNotAuthenticated     = "This session is not yet authenticated."
	msgAlreadyAuthenticated = "This session was already authenticated."
	msgUnprocessable        = "Unable to process the request."
	msgResponseCancelled    = "Response cancelled by the application."
	msgAuthFailed           = "User could not be authenticated. Incorrect username or password."
)

// conn 一个客户端连接。实现 dispatch.WebSession。
type conn struct {
	srv      *Server
	id       string
	ws       *websocket.Conn
	remoteIP string
	basicKey string // 经 Basic 认证的凭据缓存键

	ctx    context.Context
	cancel context.CancelFunc

	backend *dbsession.Session
	store   *store.Backend
	modules *modsession.Registry
	prompts *promptTable
	out     *outbox

	state       atomic.Int32
	sessionUUID string
	sessionID   int64
	userID      atomic.Int64
	profileID   atomic.Int64

	wrMu         sync.Mutex // 序列化所有写操作
	delivering   atomic.Bool
	deliveryDone chan struct{}
	closeOnce    sync.Once
}

func newConn(parent context.Context, srv *Server, id string, ws *websocket.Conn, be *dbsession.Session, remoteIP string) *conn {
	ctx, cancel := context.WithCancel(parent)
	c := &conn{
		srv:          srv,
		id:           id,
		ws:           ws,
		remoteIP:     remoteIP,
		ctx:          ctx,
		cancel:       cancel,
		backend:      be,
		store:        store.New(be),
		modules:      modsession.NewRegistry(),
		prompts:      newPromptTable(),
		out:          newOutbox(),
		deliveryDone: make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State 当前状态。
func (c *conn) State() State { return State(c.state.Load()) }

func (c *conn) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		logger.Debug("ws-server: state change",
			logger.FieldConn, c.id, logger.FieldSessionUUID, c.sessionUUID,
			"from", old.String(), logger.FieldState, s.String())
	}
}

// ─── 握手后 ───

// start 采用识别出的身份, 发送欢迎消息并启动投递 goroutine。
func (c *conn) start(id identity) {
	c.sessionUUID = id.uuid
	c.sessionID = id.sessionID
	c.setState(StateAuthenticating)

	extra := map[string]any{
		"session_uuid":    c.sessionUUID,
		"local_user_mode": c.srv.cfg.LocalUserMode,
	}
	msg := "A new session has been created"
	if id.recovered {
		msg = "Session recovered"
		if id.userID != 0 {
			if profile, err := c.store.Profiles.Default(c.ctx, id.userID); err != nil {
				logger.Warn("ws-server: recovered session has no usable profile, authentication required",
					logger.FieldSessionUUID, c.sessionUUID, logger.FieldUserID, id.userID, logger.FieldError, err)
			} else {
				c.userID.Store(id.userID)
				c.profileID.Store(profile.ID)
				extra["active_profile"] = profile
				c.setState(StateAuthenticated)
			}
		}
	}
	c.reply(protocol.OK("", msg, extra))

	c.delivering.Store(true)
	util.SafeGoRecover(c.deliveryLoop, func(err error) {
		logger.Error("ws-server: delivery loop panic", logger.FieldConn, c.id, logger.FieldError, err)
	})
	logger.Info("ws-server: session started",
		logger.FieldConn, c.id, logger.FieldSessionUUID, c.sessionUUID,
		logger.FieldSessionID, c.sessionID, logger.FieldState, c.State().String())
}

// ─── 入站 ───

// readLoop 读取并处理消息, 直到连接断开或登出。
// gorilla/websocket 已将分片重组为完整消息。
func (c *conn) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("ws-server: read loop panic", logger.FieldConn, c.id, logger.FieldError, r)
		}
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("ws-server: unexpected close", logger.FieldConn, c.id, logger.FieldError, err)
			}
			return
		}
		if !c.handleMessage(data) {
			return
		}
	}
}

// handleMessage 处理一条消息。返回 false 表示连接应进入关闭序列。
func (c *conn) handleMessage(data []byte) bool {
	req, perr := protocol.ParseRequest(data)

	// 入站消息落库失败则不处理该消息。
	if err := c.store.Messages.Log(c.ctx, c.sessionID, string(data), false, req.RequestID); err != nil {
		logger.Error("ws-server: inbound message not logged, rejected",
			logger.FieldSessionUUID, c.sessionUUID, logger.FieldRequestID, req.RequestID, logger.FieldError, err)
		c.reply(protocol.Error(req.RequestID, msgUnprocessable, nil))
		return true
	}
	if perr != nil {
		c.reply(protocol.FromError(req.RequestID, perr))
		return true
	}

	logger.Debug("ws-server: request",
		logger.FieldSessionUUID, c.sessionUUID, logger.FieldRequest, req.Request, logger.FieldRequestID, req.RequestID)

	if req.Request == protocol.RequestAuthenticate {
		if c.State() == StateAuthenticated {
			c.reply(protocol.Error(req.RequestID, msgAlreadyAuthenticated, nil))
			return true
		}
		c.authenticate(req)
		return true
	}
	if c.State() != StateAuthenticated {
		c.reply(protocol.Error(req.RequestID, msgNotAuthenticated, nil))
		return true
	}

	switch req.Request {
	case protocol.RequestLogout:
		c.logout(req)
		return false
	case protocol.RequestExecute:
		c.execute(req)
	case protocol.RequestCancel:
		c.cancelRequest(req)
	case protocol.RequestPromptReply:
		c.promptReply(req)
	default:
		c.reply(protocol.Error(req.RequestID, fmt.Sprintf("Unknown request: %s.", req.Request), nil))
	}
	return true
}

func (c *conn) authenticate(req *protocol.Request) {
	username := req.String("username")
	userID, err := c.checkCredentials(username, req.String("password"))
	if err == nil {
		err = c.adoptUser(userID)
	}
	if err != nil {
		if c.basicKey != "" {
			c.srv.forgetCredentials(c.basicKey)
		}
		logger.Warn("ws-server: authentication failed",
			logger.FieldSessionUUID, c.sessionUUID, logger.FieldName, username, logger.FieldError, err)
		c.reply(protocol.FromError(req.RequestID, err))
		return
	}

	profile, err := c.store.Profiles.Default(c.ctx, userID)
	if err != nil {
		c.userID.Store(0)
		c.reply(protocol.FromError(req.RequestID,
			apperrors.Wrap(err, "conn.authenticate", "Could not get the default profile for the user")))
		return
	}
	c.profileID.Store(profile.ID)
	c.setState(StateAuthenticated)
	logger.Info("ws-server: user authenticated",
		logger.FieldSessionUUID, c.sessionUUID, logger.FieldUserID, userID)
	c.reply(protocol.OK(req.RequestID, fmt.Sprintf("User %s was successfully authenticated.", username),
		map[string]any{"active_profile": profile}))
}

// checkCredentials 本地单用户模式只接受固定用户名, 不校验口令。
func (c *conn) checkCredentials(username, password string) (int64, error) {
	if c.srv.cfg.LocalUserMode {
		if username != store.LocalUserName {
			return 0, apperrors.WithCode(apperrors.ErrUnauthorized, "conn.checkCredentials", apperrors.CodeAuth, msgAuthFailed)
		}
		return c.store.Users.EnsureLocalUser(c.ctx)
	}
	u, err := c.store.Users.Authenticate(c.ctx, username, password)
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

func (c *conn) adoptUser(userID int64) error {
	if err := c.store.Sessions.SetUser(c.ctx, c.sessionID, userID); err != nil {
		return apperrors.WithCode(err, "conn.adoptUser", apperrors.CodeDB, "Could not bind the session to the user")
	}
	c.userID.Store(userID)
	return nil
}

func (c *conn) logout(req *protocol.Request) {
	if err := c.store.Sessions.ClearUser(c.ctx, c.sessionID); err != nil {
		logger.Warn("ws-server: clear session user failed",
			logger.FieldSessionUUID, c.sessionUUID, logger.FieldError, err)
	}
	if c.basicKey != "" {
		c.srv.forgetCredentials(c.basicKey)
	}
	logger.Info("ws-server: user logged out",
		logger.FieldSessionUUID, c.sessionUUID, logger.FieldUserID, c.userID.Load())
	c.userID.Store(0)
	c.setState(StateClosing)
	c.reply(protocol.OK(req.RequestID, "User successfully logged out.", nil))
}

func (c *conn) execute(req *protocol.Request) {
	command := req.String("command")
	if command == "" {
		c.reply(protocol.Error(req.RequestID, "No command given. Please provide the command.", nil))
		return
	}
	args, err := req.Map("args")
	if err == nil {
		var kwargs map[string]any
		kwargs, err = req.Map("kwargs")
		if err == nil {
			err = c.srv.disp.Execute(c.ctx, c, dispatch.ExecuteRequest{
				RequestID: req.RequestID,
				Command:   command,
				Args:      args,
				Kwargs:    kwargs,
			})
		}
	}
	if err != nil {
		logger.Info("ws-server: execute rejected",
			logger.FieldSessionUUID, c.sessionUUID, logger.FieldRequestID, req.RequestID,
			logger.FieldCommand, command, logger.FieldError, err)
		c.reply(protocol.FromError(req.RequestID, err))
	}
}

// cancelRequest 成功时不回复, 被取消请求自己以 CANCELLED 结束。
func (c *conn) cancelRequest(req *protocol.Request) {
	if err := c.srv.disp.Cancel(c, req.RequestID); err != nil {
		c.reply(protocol.FromError(req.RequestID, err))
	}
}

func (c *conn) promptReply(req *protocol.Request) {
	if err := c.prompts.resolve(req.RequestID, protocol.ParsePromptReply(req)); err != nil {
		logger.Warn("ws-server: unexpected prompt reply",
			logger.FieldSessionUUID, c.sessionUUID, logger.FieldRequestID, req.RequestID)
		c.reply(protocol.FromError(req.RequestID, err))
	}
}

// ─── 出站 ───

// reply 入队一条连接自身产生的响应, 不触碰请求注册表。
func (c *conn) reply(r protocol.Response) {
	if !c.out.push(r) {
		logger.Debug("ws-server: response dropped after close",
			logger.FieldSessionUUID, c.sessionUUID, logger.FieldRequestID, r.RequestID())
	}
}

// deliveryLoop 唯一的投递 goroutine。关闭序列置 delivering=false 后, 排空队列再退出。
func (c *conn) deliveryLoop() {
	defer close(c.deliveryDone)
	poll := c.srv.cfg.DeliveryPoll()
	for {
		r, ok := c.out.pop(poll)
		if ok {
			c.deliver(r)
			continue
		}
		if !c.delivering.Load() && c.out.len() == 0 {
			return
		}
	}
}

// deliver 出站消息先落库; 落库失败则替换为通用错误再发送。
func (c *conn) deliver(r protocol.Response) {
	data, err := json.Marshal(r)
	if err != nil {
		logger.Error("ws-server: marshal response failed",
			logger.FieldSessionUUID, c.sessionUUID, logger.FieldRequestID, r.RequestID(), logger.FieldError, err)
		data, _ = json.Marshal(protocol.Error(r.RequestID(), "The response could not be serialized.", nil))
	}
	if err := c.store.Messages.Log(context.Background(), c.sessionID, string(data), true, r.RequestID()); err != nil {
		logger.Error("ws-server: outbound message not logged, replaced",
			logger.FieldSessionUUID, c.sessionUUID, logger.FieldRequestID, r.RequestID(), logger.FieldError, err)
		data, _ = json.Marshal(protocol.Error(r.RequestID(), msgResponseCancelled, nil))
	}
	if err := c.writeMsg(data); err != nil {
		logger.Debug("ws-server: write failed",
			logger.FieldConn, c.id, logger.FieldRequestID, r.RequestID(), logger.FieldError, err)
	}
}

// writeMsg 线程安全地写入一条文本消息。
func (c *conn) writeMsg(data []byte) error {
	c.wrMu.Lock()
	defer c.wrMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ─── 关闭 ───

// close 关闭序列, 只执行一次:
// CLOSING → 放弃待回复 prompt → 关闭模块会话 → 标记会话结束 → 排空并等待投递 goroutine
// → 关闭传输与后端会话 → CLOSED。
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)

		if n := c.prompts.failAll(); n > 0 {
			logger.Info("ws-server: pending prompts abandoned",
				logger.FieldSessionUUID, c.sessionUUID, logger.FieldCount, n)
		}
		if err := c.modules.CloseAll(); err != nil {
			logger.Warn("ws-server: close module sessions failed",
				logger.FieldSessionUUID, c.sessionUUID, logger.FieldError, err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := c.store.Sessions.End(ctx, c.sessionID); err != nil {
			logger.Warn("ws-server: mark session ended failed",
				logger.FieldSessionUUID, c.sessionUUID, logger.FieldError, err)
		}
		cancel()

		if c.delivering.Swap(false) {
			c.out.close()
			<-c.deliveryDone
		} else {
			c.out.close()
		}

		c.cancel()
		_ = c.ws.Close()
		if err := c.backend.Close(); err != nil {
			logger.Warn("ws-server: close backend session failed",
				logger.FieldSessionUUID, c.sessionUUID, logger.FieldError, err)
		}
		c.setState(StateClosed)
		logger.Info("ws-server: session closed",
			logger.FieldConn, c.id, logger.FieldSessionUUID, c.sessionUUID)
	})
}
