// Package sqleditor SQL 编辑器模块会话。
//
// 每个模块会话持有两条数据库子会话:
//   - service: 元数据查询等内部操作
//   - user:    用户语句 (execute / 事务 / kill_query)
//
// 两者连接同一目标库, 均为 dbsession.Session (单 owner goroutine + 任务队列)。
package sqleditor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/multi-agent/shellgui/internal/dbsession"
	"github.com/multi-agent/shellgui/internal/modsession"
	"github.com/multi-agent/shellgui/internal/protocol"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
	"github.com/multi-agent/shellgui/pkg/logger"
)

// DataCurrentSchema 会话数据中记录当前 schema 的键, 重连后由 setup 任务重新应用。
const DataCurrentSchema = "current_schema"

// PromptFunc 通过 prompt 往返向客户端提问。
type PromptFunc func(ctx context.Context, p protocol.Prompt) (protocol.PromptReply, error)

// Opener 打开数据库会话 (测试可替换)。
type Opener func(ctx context.Context, cfg dbsession.Config) (*dbsession.Session, error)

// Target 要连接的目标库。
type Target struct {
	Caption string
	DBType  string
	Options dbsession.Options
}

// Session SQL 编辑器模块会话。
type Session struct {
	modsession.Base
	defaults dbsession.Config
	open     Opener

	mu      sync.Mutex
	target  *Target
	service *dbsession.Session
	user    *dbsession.Session
	running map[string]struct{}
}

// New 创建未连接的会话。defaults 提供重连 / 超时等参数模板。
func New(defaults dbsession.Config) *Session {
	return &Session{
		Base:     modsession.NewBase(),
		defaults: defaults,
		open:     dbsession.Open,
		running:  make(map[string]struct{}),
	}
}

// WithOpener 替换打开函数。
func (s *Session) WithOpener(o Opener) *Session {
	s.open = o
	return s
}

// ServiceSession 服务子会话, 未连接时为 nil。
func (s *Session) ServiceSession() *dbsession.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.service
}

// UserSession 用户子会话, 未连接时为 nil。
func (s *Session) UserSession() *dbsession.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// needsPassword 网络库在连接参数缺少密码时需要向用户询问。
func needsPassword(drv dbsession.Driver, opts dbsession.Options) bool {
	if drv.Name() == dbsession.SQLiteDriverName {
		return false
	}
	if _, ok := opts["password"]; ok {
		return false
	}
	return opts.String("dsn") == "" && opts.String("user") != ""
}

// OpenConnection 连接目标库 (先关闭已有连接)。password 为空且目标需要密码时通过 prompt 询问。
func (s *Session) OpenConnection(ctx context.Context, t Target, password string, prompt PromptFunc) (map[string]any, error) {
	const op = "SQLEditorSession.OpenConnection"
	if s.Closed() {
		return nil, apperrors.New(op, "The module session is closed.")
	}
	drv, err := dbsession.LookupDriver(t.DBType)
	if err != nil {
		return nil, apperrors.WithCode(err, op, apperrors.CodeValidation, "unsupported database type")
	}
	opts := t.Options.Clone()
	if password != "" {
		opts["password"] = password
	} else if needsPassword(drv, opts) {
		if prompt == nil {
			return nil, apperrors.WithCode(apperrors.ErrInvalidInput, op, apperrors.CodeValidation,
				"A password is required to open this connection.")
		}
		reply, err := prompt(ctx, protocol.Prompt{
			Type:   "password",
			Title:  "Open Connection",
			Prompt: fmt.Sprintf("Please provide the password for '%s@%s':", opts.String("user"), opts.String("host")),
		})
		if err != nil {
			return nil, err
		}
		if reply.Cancelled() {
			return nil, apperrors.Wrap(apperrors.ErrCancelled, op, "Connection cancelled.")
		}
		opts["password"] = reply.Text()
	}

	s.closeSessions()

	service, err := s.open(ctx, s.config(drv, opts, "service"))
	if err != nil {
		return nil, apperrors.WithCode(err, op, apperrors.CodeDBConnection, "could not open the service session")
	}
	user, err := s.open(ctx, s.config(drv, opts, "user"))
	if err != nil {
		_ = service.Close()
		return nil, apperrors.WithCode(err, op, apperrors.CodeDBConnection, "could not open the user session")
	}

	s.mu.Lock()
	tgt := t
	tgt.Options = nil
	s.target = &tgt
	s.service, s.user = service, user
	s.mu.Unlock()

	schema, err := CurrentSchema(ctx, service)
	if err != nil {
		logger.Warn("sqleditor: could not read the default schema",
			logger.FieldModuleSessionID, s.ID(), logger.FieldError, err)
	}
	logger.Info("sqleditor: connection opened",
		logger.FieldModuleSessionID, s.ID(), logger.FieldDriver, drv.Name(), logger.FieldName, t.Caption)
	return map[string]any{
		"info":           user.Info(),
		"default_schema": schema,
		"capabilities":   user.Capabilities(),
	}, nil
}

func (s *Session) config(drv dbsession.Driver, opts dbsession.Options, role string) dbsession.Config {
	cfg := s.defaults
	cfg.ID = s.ID() + ":" + role
	cfg.Driver = drv
	cfg.Options = opts.Clone()
	cfg.StripOptions = append([]string{"password"}, s.defaults.StripOptions...)
	cfg.Setup = append([]dbsession.SetupTask{schemaTask{}}, s.defaults.Setup...)
	cfg.Data = nil
	return cfg
}

// Reconnect 用户发起的重连, 两条子会话各尝试一次。
func (s *Session) Reconnect(ctx context.Context) error {
	service, user := s.ServiceSession(), s.UserSession()
	if service == nil || user == nil {
		return apperrors.WithCode(apperrors.ErrNotConnected, "SQLEditorSession.Reconnect", apperrors.CodeDBConnection,
			"The module session is not connected.")
	}
	if err := service.Reconnect(ctx, nil); err != nil {
		return apperrors.WithCode(err, "SQLEditorSession.Reconnect", apperrors.CodeDBConnection, "service session")
	}
	if err := user.Reconnect(ctx, nil); err != nil {
		return apperrors.WithCode(err, "SQLEditorSession.Reconnect", apperrors.CodeDBConnection, "user session")
	}
	return nil
}

// KillQuery 取消用户子会话上所有正在执行的语句。
func (s *Session) KillQuery() int {
	user := s.UserSession()
	if user == nil {
		return 0
	}
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if user.Cancel(id) {
			n++
		}
	}
	logger.Info("sqleditor: kill query", logger.FieldModuleSessionID, s.ID(), logger.FieldCount, n)
	return n
}

// CancelRequest 取消该请求在任一子会话上排队或运行的任务。
// 请求尚未提交任务时无事可做, 由调度器在请求结束时报告取消。
func (s *Session) CancelRequest(requestID string) error {
	found := false
	for _, sess := range []*dbsession.Session{s.UserSession(), s.ServiceSession()} {
		if sess != nil && sess.Cancel(requestID) {
			found = true
		}
	}
	logger.Debug("sqleditor: cancel request",
		logger.FieldModuleSessionID, s.ID(), logger.FieldRequestID, requestID, "found", found)
	return nil
}

// Close 关闭两条子会话。
func (s *Session) Close() error {
	return s.CloseOnce(func() error {
		s.closeSessions()
		logger.Info("sqleditor: session closed", logger.FieldModuleSessionID, s.ID())
		return nil
	})
}

func (s *Session) closeSessions() {
	s.mu.Lock()
	service, user := s.service, s.user
	s.service, s.user, s.target = nil, nil, nil
	s.mu.Unlock()
	for _, sess := range []*dbsession.Session{user, service} {
		if sess != nil {
			if err := sess.Close(); err != nil {
				logger.Warn("sqleditor: close sub-session failed",
					logger.FieldDBSession, sess.ID(), logger.FieldError, err)
			}
		}
	}
}

// Status 连接状态快照。
func (s *Session) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]any{"module_session_id": s.ID(), "connected": s.user != nil}
	if s.target != nil {
		out["caption"] = s.target.Caption
		out["db_type"] = s.target.DBType
	}
	if s.user != nil {
		out["user"] = s.user.Status()
	}
	if s.service != nil {
		out["service"] = s.service.Status()
	}
	return out
}

// ─── 语句执行 ───

// ExecuteOptions execute 的可选参数。
type ExecuteOptions struct {
	// RowPacketSize > 0 时结果集按此行数分包, 除最后一包外都以 PENDING 发送。
	RowPacketSize int `json:"row_packet_size"`
}

// Execute 在 sess 上执行 sql。taskID 取请求 id, 以便 kill_query / cancel 定位。
func (s *Session) Execute(ctx context.Context, sess *dbsession.Session, taskID, sql string, params []any,
	opts ExecuteOptions, emit func(any)) (map[string]any, error) {
	if sess == nil {
		return nil, apperrors.WithCode(apperrors.ErrNotConnected, "SQLEditorSession.Execute", apperrors.CodeDBConnection,
			"The module session is not connected.")
	}
	s.mu.Lock()
	s.running[taskID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, taskID)
		s.mu.Unlock()
	}()

	start := time.Now()
	res, err := sess.Execute(ctx, taskID, sql, params...)
	if err != nil {
		return nil, apperrors.WithCode(err, "SQLEditorSession.Execute", apperrors.CodeExecution, "")
	}
	elapsed := time.Since(start)

	rows := normalizeRows(res.Rows)
	if n := opts.RowPacketSize; n > 0 && emit != nil {
		for len(rows) > n {
			emit(map[string]any{"columns": res.Columns, "rows": rows[:n]})
			rows = rows[n:]
		}
	}
	return map[string]any{
		"columns":        res.Columns,
		"rows":           rows,
		"rows_affected":  res.RowsAffected,
		"last_insert_id": res.LastInsertID,
		"execution_time": elapsed.Seconds(),
	}, nil
}

func normalizeRows(rows [][]any) []any {
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, protocol.Normalize(r))
	}
	return out
}

// ─── schema / auto-commit ───

// CurrentSchema 当前 schema。sqlite 为 main 或 set_current_schema 选中的附加库。
func CurrentSchema(ctx context.Context, sess *dbsession.Session) (string, error) {
	if v, ok := sess.Data(DataCurrentSchema); ok {
		if name, _ := v.(string); name != "" {
			return name, nil
		}
	}
	if sess.DriverName() == dbsession.SQLiteDriverName {
		return "main", nil
	}
	res, err := sess.Query(ctx, "SELECT current_schema()")
	if err != nil {
		return "", err
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return "", nil
	}
	name, _ := res.Rows[0][0].(string)
	return name, nil
}

// SetCurrentSchema 切换当前 schema, 记录在会话数据中以便重连后恢复。
func SetCurrentSchema(ctx context.Context, sess *dbsession.Session, name string) error {
	const op = "sqleditor.SetCurrentSchema"
	if name == "" {
		return apperrors.WithCode(apperrors.ErrInvalidInput, op, apperrors.CodeValidation, "schema_name is required")
	}
	if sess.DriverName() == dbsession.SQLiteDriverName {
		res, err := sess.Query(ctx, "PRAGMA database_list")
		if err != nil {
			return err
		}
		for _, row := range res.Maps() {
			if fmt.Sprintf("%s", row["name"]) == name {
				sess.SetData(DataCurrentSchema, name)
				return nil
			}
		}
		return apperrors.WithCode(apperrors.ErrNotFound, op, apperrors.CodeValidation,
			fmt.Sprintf("Unknown schema '%s'.", name))
	}
	if _, err := sess.Exec(ctx, "SET search_path TO "+pgx.Identifier{name}.Sanitize()); err != nil {
		return err
	}
	sess.SetData(DataCurrentSchema, name)
	return nil
}

// AutoCommit 没有打开的用户事务时为 true。
func AutoCommit(sess *dbsession.Session) bool { return sess.TransactionDepth() == 0 }

// SetAutoCommit 关闭时开启事务, 打开时提交当前事务。
func SetAutoCommit(ctx context.Context, sess *dbsession.Session, on bool) error {
	switch {
	case !on && sess.TransactionDepth() == 0:
		return sess.StartTransaction(ctx)
	case on && sess.TransactionDepth() > 0:
		return sess.Commit(ctx)
	}
	return nil
}

// schemaTask 重连后重新应用已选的 schema (postgres)。
type schemaTask struct{ dbsession.BaseSetupTask }

func (schemaTask) Name() string { return "current_schema" }

func (schemaTask) AfterConnect(ctx context.Context, s *dbsession.Session, c dbsession.Conn) error {
	if s.DriverName() != dbsession.PostgresDriverName {
		return nil
	}
	v, ok := s.Data(DataCurrentSchema)
	name, _ := v.(string)
	if !ok || name == "" {
		return nil
	}
	_, err := c.Exec(ctx, "SET search_path TO "+pgx.Identifier{name}.Sanitize())
	return err
}
