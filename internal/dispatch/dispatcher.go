// Package dispatch 命令调度: 名称解析 → 权限检查 → 参数改写 → 独立 goroutine 执行 → 结果投递。
//
// 同步阶段 (Execute 返回前) 的任何失败都不会启动 worker, 由调用方直接回 ERROR。
// worker 阶段的结果按以下规则投递:
//   - handler 返回错误 → ERROR (ErrCancelled 或已被取消的请求 → CANCELLED)
//   - 返回已含 request_state 的 map → 原样转发 (非终止时追加 done)
//   - 返回非 nil 值 → PENDING{result} 后跟 OK{done:true}
//   - 返回 nil → 仅 OK{done:true}
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multi-agent/shellgui/internal/dbsession"
	"github.com/multi-agent/shellgui/internal/modsession"
	"github.com/multi-agent/shellgui/internal/protocol"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
	"github.com/multi-agent/shellgui/pkg/logger"
	"github.com/multi-agent/shellgui/pkg/util"
)

// PrivilegeExecute 默认权限类别。
const PrivilegeExecute = "execute"

// 可注入的形参名。
const (
	ParamUserID          = "user_id"
	ParamPrivateUserID   = "_user_id"
	ParamProfileID       = "profile_id"
	ParamWebSession      = "web_session"
	ParamRequestID       = "request_id"
	ParamBeSession       = "be_session"
	ParamInteractive     = "interactive"
	ParamSendGUIMessage  = "send_gui_message"
	ParamSession         = "session"
	ParamModuleSession   = "module_session"
	ParamModuleSessionID = "module_session_id"
)

// reservedParams 客户端不得提供的形参。
var reservedParams = []string{
	ParamWebSession, ParamRequestID, ParamPrivateUserID,
	ParamBeSession, ParamSendGUIMessage, ParamSession, ParamModuleSession,
}

var (
	// ErrResolution 命令名或参数无法解析。
	ErrResolution = apperrors.Sentinel("command resolution failed")
	// ErrDuplicateRequest request_id 已被一个进行中的请求占用。
	ErrDuplicateRequest = apperrors.Sentinel("duplicate request id")
	// ErrNoSuchRequest cancel 的目标不存在或已结束。
	ErrNoSuchRequest = apperrors.Sentinel("no such request")
)

const msgRequestCancelled = "Request cancelled."

// DefaultUserSessionCommands 模块会话提供用户子会话时, 走用户子会话的命令。其余命令走服务子会话。
var DefaultUserSessionCommands = []string{
	"gui.sql_editor.execute",
	"gui.sql_editor.kill_query",
	"gui.sql_editor.start_transaction",
	"gui.sql_editor.commit_transaction",
	"gui.sql_editor.rollback_transaction",
	"gui.sql_editor.get_auto_commit",
	"gui.sql_editor.set_auto_commit",
	"gui.sql_editor.get_current_schema",
	"gui.sql_editor.set_current_schema",
}

// Option 调度器选项。
type Option func(*Dispatcher)

// WithGUIRoot 设置 GUI 命令根命名空间 (默认 "gui")。
func WithGUIRoot(root string) Option {
	return func(d *Dispatcher) { d.guiRoot = root }
}

// WithUserSessionCommands 替换走用户子会话的命令集合。
func WithUserSessionCommands(cmds ...string) Option {
	return func(d *Dispatcher) {
		d.userFacing = make(map[string]bool, len(cmds))
		for _, c := range cmds {
			d.userFacing[NormalizeName(c)] = true
		}
	}
}

// flight 一个进行中的请求。cancel 取消 worker 的 context。
type flight struct {
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

type flightKey struct {
	web       WebSession
	requestID string
}

// Dispatcher 命令调度器, 所有连接共享。
type Dispatcher struct {
	reg        *Registry
	guiRoot    string
	userFacing map[string]bool

	patterns sync.Map // string → *regexp.Regexp

	mu      sync.Mutex
	flights map[flightKey]*flight
	wg      sync.WaitGroup
}

// New 创建调度器。
func New(reg *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:     reg,
		guiRoot: "gui",
		flights: make(map[flightKey]*flight),
	}
	WithUserSessionCommands(DefaultUserSessionCommands...)(d)
	for _, o := range opts {
		o(d)
	}
	return d
}

// Registry 返回命令注册表。
func (d *Dispatcher) Registry() *Registry { return d.reg }

// ExecuteRequest 一条 execute 消息。
type ExecuteRequest struct {
	RequestID string
	Command   string
	Args      map[string]any
	Kwargs    map[string]any
}

// Execute 同步完成解析、权限检查与参数改写后, 启动 worker 并立即返回。
// 返回错误时没有 worker 在运行, 调用方负责回 ERROR。
func (d *Dispatcher) Execute(ctx context.Context, web WebSession, req ExecuteRequest) error {
	// 权限先于解析: 无权限的用户看不到命名空间是否存在。
	if req.Command != "" {
		if err := d.checkPrivilege(ctx, web, PrivilegeExecute, req.Command); err != nil {
			return err
		}
	}
	desc, err := d.reg.Resolve(req.Command)
	if err != nil {
		return err
	}
	if desc.Privilege != PrivilegeExecute {
		if err := d.checkPrivilege(ctx, web, desc.Privilege, req.Command); err != nil {
			return err
		}
	}
	call, lock, err := d.rewrite(web, desc, req)
	if err != nil {
		return err
	}

	key := flightKey{web: web, requestID: req.RequestID}
	d.mu.Lock()
	if _, busy := d.flights[key]; busy {
		d.mu.Unlock()
		return apperrors.WithCode(ErrDuplicateRequest, "Dispatcher.Execute", apperrors.CodeValidation,
			fmt.Sprintf("The request_id '%s' is already in use by a running request.", req.RequestID))
	}
	if call.ModuleSessionID != "" {
		if err := web.ModuleSessions().RegisterRequest(req.RequestID, call.ModuleSessionID); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	wctx, cancel := context.WithCancel(ctx)
	fl := &flight{cancel: cancel}
	d.flights[key] = fl
	d.wg.Add(1)
	d.mu.Unlock()

	util.SafeGoRecover(func() {
		defer cancel()
		d.run(wctx, key, fl, desc, call, lock)
		d.wg.Done()
	}, func(err error) {
		cancel()
		d.finish(key, call, nil, apperrors.Wrap(err, "Dispatcher.run", "Internal error"))
		d.wg.Done()
	})
	return nil
}

// Cancel 取消一个绑定在模块会话上的进行中请求。
// 成功时先回 OK "Request cancelled." (同时解除请求与模块会话的绑定),
// 被取消请求的 worker 随后以 CANCELLED 结束。
func (d *Dispatcher) Cancel(web WebSession, requestID string) error {
	ms, ok := web.ModuleSessions().OwnerOf(requestID)
	if !ok {
		return apperrors.WithCode(ErrNoSuchRequest, "Dispatcher.Cancel", apperrors.CodeValidation,
			fmt.Sprintf("Cannot cancel: no such request '%s' is in progress.", requestID))
	}
	c, ok := ms.(modsession.Canceller)
	if !ok {
		return apperrors.WithCode(apperrors.ErrInvalidInput, "Dispatcher.Cancel", apperrors.CodeValidation,
			fmt.Sprintf("The request '%s' can not be cancelled.", requestID))
	}
	d.mu.Lock()
	fl, inFlight := d.flights[flightKey{web: web, requestID: requestID}]
	if inFlight {
		fl.cancelled.Store(true)
	}
	d.mu.Unlock()
	web.Send(protocol.OK(requestID, msgRequestCancelled, nil))
	if inFlight {
		fl.cancel()
	}
	if err := c.CancelRequest(requestID); err != nil {
		logger.Warn("dispatch: module session rejected cancel",
			logger.FieldSessionUUID, web.SessionUUID(), logger.FieldRequestID, requestID, logger.FieldError, err)
		return nil
	}
	logger.Info("dispatch: cancel requested",
		logger.FieldSessionUUID, web.SessionUUID(), logger.FieldRequestID, requestID,
		logger.FieldModuleSessionID, ms.ID())
	return nil
}

// InFlight 当前连接是否有该 request_id 的进行中请求。
func (d *Dispatcher) InFlight(web WebSession, requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.flights[flightKey{web: web, requestID: requestID}]
	return ok
}

// Wait 等待所有 worker 结束。
func (d *Dispatcher) Wait() { d.wg.Wait() }

// ─── 权限 ───

// checkPrivilege 客户端原样发送的命令名或其 snake_case 形式匹配任一 access_pattern 即放行。
func (d *Dispatcher) checkPrivilege(ctx context.Context, web WebSession, privType, command string) error {
	patterns, err := web.PrivilegePatterns(ctx, privType)
	if err != nil {
		return apperrors.Wrap(err, "Dispatcher.checkPrivilege", "could not load privileges")
	}
	normalized := NormalizeName(command)
	for _, p := range patterns {
		re, err := d.compile(p)
		if err != nil {
			logger.Warn("dispatch: invalid privilege pattern", "pattern", p, logger.FieldError, err)
			continue
		}
		if re.MatchString(command) || re.MatchString(normalized) {
			return nil
		}
	}
	return apperrors.WithCode(apperrors.ErrForbidden, "Dispatcher.checkPrivilege", apperrors.CodeForbidden,
		fmt.Sprintf("This user account has no privileges to run the command %s", command))
}

// compile 编译并缓存锚定后的 access_pattern。
func (d *Dispatcher) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := d.patterns.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		return nil, err
	}
	d.patterns.Store(pattern, re)
	return re, nil
}

// ─── 参数改写 ───

func (d *Dispatcher) rewrite(web WebSession, desc *Descriptor, req ExecuteRequest) (*Call, bool, error) {
	const op = "Dispatcher.rewrite"
	args := make(map[string]any, len(req.Args)+len(req.Kwargs)+2)
	for k, v := range req.Args {
		args[k] = v
	}
	for k, v := range req.Kwargs {
		args[k] = v
	}
	for _, r := range reservedParams {
		if _, ok := args[r]; ok {
			return nil, false, apperrors.WithCode(ErrResolution, op, apperrors.CodeValidation,
				fmt.Sprintf("The argument '%s' is reserved and can not be supplied.", r))
		}
	}

	call := &Call{
		RequestID: req.RequestID,
		Command:   desc.Name,
		Args:      args,
		UserID:    web.UserID(),
		ProfileID: web.ProfileID(),
		Local:     web.IsLocal(),
		Web:       web,
	}
	isGUI := rootOf(desc.Name) == d.guiRoot

	if desc.declares(ParamUserID) {
		if v, ok := args[ParamUserID]; ok && v != nil && isGUI {
			if id, ok := util.ToInt64(v); !ok || id != call.UserID {
				return nil, false, apperrors.WithCode(apperrors.ErrForbidden, op, apperrors.CodeForbidden,
					"Trying to execute a command for a different user than the one authenticated.")
			}
		}
		args[ParamUserID] = call.UserID
	}
	if desc.declares(ParamPrivateUserID) && !call.Local {
		args[ParamPrivateUserID] = call.UserID
	}
	if desc.declares(ParamProfileID) {
		if v, ok := args[ParamProfileID]; !ok || v == nil {
			args[ParamProfileID] = call.ProfileID
		} else if id, ok := util.ToInt64(v); ok {
			call.ProfileID = id
		}
	}
	if desc.declares(ParamBeSession) {
		call.BeSession = web.Backend()
	}
	if desc.declares(ParamInteractive) {
		args[ParamInteractive] = false
	}

	lock := false
	wantsSession := desc.declares(ParamSession)
	if wantsSession || desc.declares(ParamModuleSession) {
		msID, _ := args[ParamModuleSessionID].(string)
		if msID == "" {
			return nil, false, apperrors.WithCode(ErrResolution, op, apperrors.CodeValidation,
				fmt.Sprintf("The command %s requires a module_session_id.", desc.Name))
		}
		ms, err := web.ModuleSessions().Get(msID)
		if err != nil {
			return nil, false, err
		}
		call.ModuleSession = ms
		call.ModuleSessionID = msID
		delete(args, ParamModuleSessionID)
		if wantsSession {
			sess, err := d.pickSession(ms, desc.Name)
			if err != nil {
				return nil, false, err
			}
			call.Session = sess
			lock = !isGUI
		}
	}

	for k := range args {
		if !desc.declares(k) {
			return nil, false, apperrors.WithCode(ErrResolution, op, apperrors.CodeValidation,
				fmt.Sprintf("The command %s got an unexpected argument '%s'.", desc.Name, k))
		}
	}
	for _, k := range desc.Required {
		if v, ok := args[k]; !ok || v == nil {
			return nil, false, apperrors.WithCode(ErrResolution, op, apperrors.CodeValidation,
				fmt.Sprintf("The command %s is missing the required argument '%s'.", desc.Name, k))
		}
	}
	return call, lock, nil
}

// pickSession 模块会话有用户子会话且命令在用户命令集合中时用用户子会话, 否则用服务子会话。
func (d *Dispatcher) pickSession(ms modsession.Session, command string) (*dbsession.Session, error) {
	prov, ok := ms.(modsession.DBProvider)
	if !ok {
		return nil, apperrors.WithCode(ErrResolution, "Dispatcher.pickSession", apperrors.CodeValidation,
			fmt.Sprintf("The module session '%s' does not provide a database session.", ms.ID()))
	}
	if us := prov.UserSession(); us != nil && d.userFacing[command] {
		return us, nil
	}
	if ss := prov.ServiceSession(); ss != nil {
		return ss, nil
	}
	return nil, apperrors.WithCode(apperrors.ErrNotConnected, "Dispatcher.pickSession", apperrors.CodeDBConnection,
		fmt.Sprintf("The module session '%s' is not connected.", ms.ID()))
}

func rootOf(command string) string {
	for i := 0; i < len(command); i++ {
		if command[i] == '.' {
			return command[:i]
		}
	}
	return command
}

// ─── worker ───

func (d *Dispatcher) run(ctx context.Context, key flightKey, fl *flight, desc *Descriptor, call *Call, lock bool) {
	start := time.Now()
	log := logger.With(
		logger.FieldSessionUUID, key.web.SessionUUID(),
		logger.FieldRequestID, call.RequestID,
		logger.FieldCommand, call.Command,
	)
	log.Debug("dispatch: request started")

	if lock && call.Session != nil {
		release, err := call.Session.LockUsage(ctx)
		if err != nil {
			d.finish(key, call, nil, err)
			return
		}
		defer release()
	}

	result, err := desc.Handler(ctx, call)
	if err != nil && fl.cancelled.Load() && !errors.Is(err, apperrors.ErrCancelled) {
		err = apperrors.Wrap(apperrors.ErrCancelled, "Dispatcher.run", "The request was cancelled.")
	}
	d.finish(key, call, result, err)
	log.Info("dispatch: request finished",
		logger.FieldDuration, time.Since(start).Milliseconds(),
		logger.FieldError, err)
}

// finish 投递结果。终止响应发送前先移除 flight, 使同一 request_id 可立即复用。
func (d *Dispatcher) finish(key flightKey, call *Call, result any, err error) {
	d.mu.Lock()
	delete(d.flights, key)
	d.mu.Unlock()

	web := key.web
	if err != nil {
		web.Send(protocol.FromError(call.RequestID, err))
		return
	}
	if r, ok := result.(protocol.Response); ok {
		result = map[string]any(r)
	}
	if m, ok := result.(map[string]any); ok {
		if _, built := m[protocol.KeyRequestState]; built {
			env := protocol.Envelope(protocol.StatePending, call.RequestID, m)
			web.Send(env)
			if !env.IsTerminal() {
				web.Send(protocol.Done(call.RequestID))
			}
			return
		}
	}
	if result != nil {
		web.Send(protocol.Pending(call.RequestID, "", map[string]any{protocol.KeyResult: result}))
	}
	web.Send(protocol.Done(call.RequestID))
}

// Typed 将强类型 handler 包装为 Handler: Args 经 JSON 往返解码为 P。
func Typed[P any](fn func(ctx context.Context, call *Call, p P) (any, error)) Handler {
	return func(ctx context.Context, call *Call) (any, error) {
		var p P
		if err := util.Decode(call.Args, &p); err != nil {
			return nil, apperrors.WithCode(apperrors.ErrInvalidInput, "dispatch.Typed", apperrors.CodeValidation,
				fmt.Sprintf("invalid arguments: %v", err))
		}
		return fn(ctx, call, p)
	}
}
