// Package commands 启动时注册的命令目录。
//
// 命名空间:
//   - gui.core            后端信息 / 心跳
//   - gui.users           配置档
//   - gui.db_connections  连接目录
//   - gui.sql_editor      SQL 编辑器模块会话
//   - gui.shell           交互 shell 模块会话
//   - util.db             插件命令 (借用模块会话的数据库子会话, 加锁执行)
//
// 注册名沿用前端的 camelCase 写法, 由 dispatch.Registry 规范化为 snake_case。
package commands

import (
	"context"
	"fmt"

	"github.com/multi-agent/shellgui/internal/dbsession"
	"github.com/multi-agent/shellgui/internal/dispatch"
	"github.com/multi-agent/shellgui/internal/modsession"
	"github.com/multi-agent/shellgui/internal/store"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
)

// Deps 命令实现依赖的运行参数。
type Deps struct {
	Version string
	// DBDefaults SQL 编辑器子会话的重连 / 超时模板。
	DBDefaults   dbsession.Config
	ShellCommand string
	// ShellDir shell 会话的初始目录, 空为进程当前目录。
	ShellDir string
}

// ProfileSetter 可切换当前配置档的连接。
type ProfileSetter interface {
	SetProfileID(id int64)
}

type catalog struct {
	deps Deps
	reg  *dispatch.Registry
}

// Register 注册全部命令。
func Register(reg *dispatch.Registry, deps Deps) error {
	if deps.ShellCommand == "" {
		deps.ShellCommand = "/bin/sh"
	}
	c := &catalog{deps: deps, reg: reg}
	groups := [][]dispatch.Descriptor{
		c.coreCommands(),
		c.userCommands(),
		c.dbConnectionCommands(),
		c.sqlEditorCommands(),
		c.shellCommands(),
		c.utilCommands(),
	}
	for _, g := range groups {
		for _, d := range g {
			if err := reg.Register(d); err != nil {
				return err
			}
		}
	}
	return nil
}

// ─── helpers ───

func backend(call *dispatch.Call) *store.Backend { return store.New(call.BeSession) }

// ownProfile 配置档必须属于当前用户。
func ownProfile(ctx context.Context, b *store.Backend, userID, profileID int64) (*store.Profile, error) {
	p, err := b.Profiles.Get(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, apperrors.WithCode(apperrors.ErrForbidden, "commands.ownProfile", apperrors.CodeForbidden,
			fmt.Sprintf("The profile %d does not belong to the current user.", profileID))
	}
	return p, nil
}

// moduleAs 取出指定类型的模块会话。
func moduleAs[T modsession.Session](call *dispatch.Call, kind string) (T, error) {
	ms, ok := call.ModuleSession.(T)
	if !ok {
		var zero T
		return zero, apperrors.WithCode(apperrors.ErrInvalidInput, "commands.moduleAs", apperrors.CodeValidation,
			fmt.Sprintf("The module session '%s' is not a %s session.", call.ModuleSessionID, kind))
	}
	return ms, nil
}
