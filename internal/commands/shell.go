package commands

import (
	"context"

	"github.com/multi-agent/shellgui/internal/dispatch"
	"github.com/multi-agent/shellgui/internal/shell"
	"github.com/multi-agent/shellgui/pkg/logger"
)

func (c *catalog) shellCommands() []dispatch.Descriptor {
	ms := dispatch.ParamModuleSession
	return []dispatch.Descriptor{
		{Name: "gui.shell.startSession", Params: []string{"dir"}, Handler: c.startShell},
		{Name: "gui.shell.closeSession", Params: []string{ms}, Handler: c.closeModuleSession},
		{
			Name:     "gui.shell.execute",
			Params:   []string{ms, "command"},
			Required: []string{"command"},
			Handler:  c.shellExecute,
		},
		{Name: "gui.shell.getHistory", Params: []string{ms}, Handler: c.shellHistory},
	}
}

func (c *catalog) startShell(_ context.Context, call *dispatch.Call) (any, error) {
	dir := call.String("dir")
	if dir == "" {
		dir = c.deps.ShellDir
	}
	sh := shell.New(c.deps.ShellCommand, dir)
	if err := sh.Open(); err != nil {
		return nil, err
	}
	if err := call.Web.ModuleSessions().Register(sh); err != nil {
		_ = sh.Close()
		return nil, err
	}
	logger.Info("shell: session started",
		logger.FieldSessionUUID, call.Web.SessionUUID(), logger.FieldModuleSessionID, sh.ID())
	return map[string]any{"module_session_id": sh.ID(), "cwd": sh.Cwd()}, nil
}

// shellExecute 每行输出一条 PENDING, 最后一条 PENDING 携带退出码与工作目录。
func (c *catalog) shellExecute(ctx context.Context, call *dispatch.Call) (any, error) {
	sh, err := moduleAs[*shell.Session](call, "shell")
	if err != nil {
		return nil, err
	}
	return sh.Execute(ctx, call.RequestID, call.String("command"), func(line string) {
		call.SendGUIMessage(map[string]any{"line": line})
	})
}

func (c *catalog) shellHistory(_ context.Context, call *dispatch.Call) (any, error) {
	sh, err := moduleAs[*shell.Session](call, "shell")
	if err != nil {
		return nil, err
	}
	return map[string]any{"history": sh.History(), "cwd": sh.Cwd()}, nil
}
