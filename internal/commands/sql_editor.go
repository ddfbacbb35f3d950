package commands

import (
	"context"

	"github.com/multi-agent/shellgui/internal/dbsession"
	"github.com/multi-agent/shellgui/internal/dispatch"
	"github.com/multi-agent/shellgui/internal/sqleditor"
	"github.com/multi-agent/shellgui/pkg/logger"
)

type openConnectionParams struct {
	UserID         int64  `json:"user_id"`
	DBConnectionID int64  `json:"db_connection_id"`
	Password       string `json:"password"`
}

type executeParams struct {
	SQL     string                   `json:"sql"`
	Params  []any                    `json:"params"`
	Options sqleditor.ExecuteOptions `json:"options"`
}

func (c *catalog) sqlEditorCommands() []dispatch.Descriptor {
	ms := dispatch.ParamModuleSession
	sess := dispatch.ParamSession
	return []dispatch.Descriptor{
		{Name: "gui.sqlEditor.startSession", Handler: c.startSQLEditor},
		{Name: "gui.sqlEditor.closeSession", Params: []string{ms}, Handler: c.closeModuleSession},
		{
			Name:     "gui.sqlEditor.openConnection",
			Params:   []string{ms, "db_connection_id", "password", dispatch.ParamUserID, dispatch.ParamBeSession},
			Required: []string{"db_connection_id"},
			Handler:  dispatch.Typed(c.openConnection),
		},
		{Name: "gui.sqlEditor.reconnect", Params: []string{ms}, Handler: c.reconnect},
		{Name: "gui.sqlEditor.getStatus", Params: []string{ms}, Handler: c.editorStatus},
		{
			Name:     "gui.sqlEditor.execute",
			Params:   []string{sess, ms, "sql", "params", "options"},
			Required: []string{"sql"},
			Handler:  dispatch.Typed(c.execute),
		},
		{Name: "gui.sqlEditor.killQuery", Params: []string{ms}, Handler: c.killQuery},
		{Name: "gui.sqlEditor.startTransaction", Params: []string{sess}, Handler: c.startTransaction},
		{Name: "gui.sqlEditor.commitTransaction", Params: []string{sess}, Handler: c.commitTransaction},
		{Name: "gui.sqlEditor.rollbackTransaction", Params: []string{sess}, Handler: c.rollbackTransaction},
		{Name: "gui.sqlEditor.getCurrentSchema", Params: []string{sess}, Handler: c.getCurrentSchema},
		{
			Name:     "gui.sqlEditor.setCurrentSchema",
			Params:   []string{sess, "schema_name"},
			Required: []string{"schema_name"},
			Handler:  c.setCurrentSchema,
		},
		{Name: "gui.sqlEditor.getAutoCommit", Params: []string{sess}, Handler: c.getAutoCommit},
		{
			Name:     "gui.sqlEditor.setAutoCommit",
			Params:   []string{sess, "state"},
			Required: []string{"state"},
			Handler:  c.setAutoCommit,
		},
	}
}

func (c *catalog) startSQLEditor(_ context.Context, call *dispatch.Call) (any, error) {
	ed := sqleditor.New(c.deps.DBDefaults)
	if err := call.Web.ModuleSessions().Register(ed); err != nil {
		return nil, err
	}
	logger.Info("sqleditor: session started",
		logger.FieldSessionUUID, call.Web.SessionUUID(), logger.FieldModuleSessionID, ed.ID())
	return map[string]any{"module_session_id": ed.ID()}, nil
}

// closeModuleSession 先从注册表移除再关闭, 关闭期间新请求已无法绑定到该会话。
func (c *catalog) closeModuleSession(_ context.Context, call *dispatch.Call) (any, error) {
	ms := call.ModuleSession
	call.Web.ModuleSessions().Unregister(ms)
	if err := ms.Close(); err != nil {
		logger.Warn("commands: close module session failed",
			logger.FieldModuleSessionID, ms.ID(), logger.FieldError, err)
		return nil, err
	}
	return nil, nil
}

func (c *catalog) openConnection(ctx context.Context, call *dispatch.Call, p openConnectionParams) (any, error) {
	ed, err := moduleAs[*sqleditor.Session](call, "SQL editor")
	if err != nil {
		return nil, err
	}
	conn, err := ownConnection(ctx, backend(call), p.UserID, p.DBConnectionID)
	if err != nil {
		return nil, err
	}
	target := sqleditor.Target{
		Caption: conn.Caption,
		DBType:  conn.DBType,
		Options: dbsession.Options(conn.Options),
	}
	return ed.OpenConnection(ctx, target, p.Password, call.Prompt)
}

func (c *catalog) reconnect(ctx context.Context, call *dispatch.Call) (any, error) {
	ed, err := moduleAs[*sqleditor.Session](call, "SQL editor")
	if err != nil {
		return nil, err
	}
	return nil, ed.Reconnect(ctx)
}

func (c *catalog) editorStatus(_ context.Context, call *dispatch.Call) (any, error) {
	ed, err := moduleAs[*sqleditor.Session](call, "SQL editor")
	if err != nil {
		return nil, err
	}
	return ed.Status(), nil
}

// execute 大结果集按 row_packet_size 分包, 前面的包以 PENDING 推送。
func (c *catalog) execute(ctx context.Context, call *dispatch.Call, p executeParams) (any, error) {
	ed, err := moduleAs[*sqleditor.Session](call, "SQL editor")
	if err != nil {
		return nil, err
	}
	return ed.Execute(ctx, call.Session, call.RequestID, p.SQL, p.Params, p.Options, call.SendGUIMessage)
}

func (c *catalog) killQuery(_ context.Context, call *dispatch.Call) (any, error) {
	ed, err := moduleAs[*sqleditor.Session](call, "SQL editor")
	if err != nil {
		return nil, err
	}
	n := ed.KillQuery()
	logger.Info("sqleditor: kill query",
		logger.FieldModuleSessionID, ed.ID(), logger.FieldCount, n)
	return nil, nil
}

func (c *catalog) startTransaction(ctx context.Context, call *dispatch.Call) (any, error) {
	return nil, call.Session.StartTransaction(ctx)
}

func (c *catalog) commitTransaction(ctx context.Context, call *dispatch.Call) (any, error) {
	return nil, call.Session.Commit(ctx)
}

func (c *catalog) rollbackTransaction(ctx context.Context, call *dispatch.Call) (any, error) {
	return nil, call.Session.Rollback(ctx)
}

func (c *catalog) getCurrentSchema(ctx context.Context, call *dispatch.Call) (any, error) {
	return sqleditor.CurrentSchema(ctx, call.Session)
}

func (c *catalog) setCurrentSchema(ctx context.Context, call *dispatch.Call) (any, error) {
	return nil, sqleditor.SetCurrentSchema(ctx, call.Session, call.String("schema_name"))
}

func (c *catalog) getAutoCommit(_ context.Context, call *dispatch.Call) (any, error) {
	return sqleditor.AutoCommit(call.Session), nil
}

func (c *catalog) setAutoCommit(ctx context.Context, call *dispatch.Call) (any, error) {
	return nil, sqleditor.SetAutoCommit(ctx, call.Session, call.Bool("state", true))
}
