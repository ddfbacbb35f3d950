package commands

import (
	"context"

	"github.com/multi-agent/shellgui/internal/dispatch"
	"github.com/multi-agent/shellgui/internal/store"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
)

type runSQLParams struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

// utilCommands 插件命令。不在 gui 命名空间下, 调度器会对借用的子会话加独占锁。
func (c *catalog) utilCommands() []dispatch.Descriptor {
	return []dispatch.Descriptor{
		{
			Name:     "util.db.runSql",
			Params:   []string{dispatch.ParamSession, "sql", "params"},
			Required: []string{"sql"},
			Handler:  dispatch.Typed(c.runSQL),
			Doc:      "Runs a read-only statement on the session of a module session",
		},
	}
}

func (c *catalog) runSQL(ctx context.Context, call *dispatch.Call, p runSQLParams) (any, error) {
	if err := store.ValidateReadOnlyQuery(p.SQL); err != nil {
		return nil, apperrors.WithCode(err, "util.db.runSql", apperrors.CodeValidation,
			"Only a single read-only statement is allowed: "+err.Error())
	}
	res, err := call.Session.Execute(ctx, call.RequestID, p.SQL, p.Params...)
	if err != nil {
		return nil, apperrors.WithCode(err, "util.db.runSql", apperrors.CodeExecution, "")
	}
	return res.Maps(), nil
}
