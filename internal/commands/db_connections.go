package commands

import (
	"context"

	"github.com/multi-agent/shellgui/internal/dispatch"
	"github.com/multi-agent/shellgui/internal/store"
)

// connectionInput 客户端提交的连接定义。
type connectionInput struct {
	DBType      string         `json:"db_type"`
	Caption     string         `json:"caption"`
	Description string         `json:"description"`
	Options     map[string]any `json:"options"`
}

type dbConnectionParams struct {
	UserID         int64           `json:"user_id"`
	ProfileID      int64           `json:"profile_id"`
	DBConnectionID int64           `json:"db_connection_id"`
	FolderPath     string          `json:"folder_path"`
	Connection     connectionInput `json:"connection"`
}

func (c *catalog) dbConnectionCommands() []dispatch.Descriptor {
	owner := []string{dispatch.ParamUserID, dispatch.ParamProfileID, dispatch.ParamBeSession}
	return []dispatch.Descriptor{
		{
			Name:    "gui.dbConnections.listDbConnections",
			Params:  append([]string{"folder_path"}, owner...),
			Handler: dispatch.Typed(c.listDBConnections),
		},
		{
			Name:     "gui.dbConnections.addDbConnection",
			Params:   append([]string{"connection", "folder_path"}, owner...),
			Required: []string{"connection"},
			Handler:  dispatch.Typed(c.addDBConnection),
		},
		{
			Name:     "gui.dbConnections.getDbConnection",
			Params:   []string{"db_connection_id", dispatch.ParamUserID, dispatch.ParamBeSession},
			Required: []string{"db_connection_id"},
			Handler:  dispatch.Typed(c.getDBConnection),
		},
		{
			Name:     "gui.dbConnections.updateDbConnection",
			Params:   append([]string{"db_connection_id", "connection", "folder_path"}, owner...),
			Required: []string{"db_connection_id", "connection"},
			Handler:  dispatch.Typed(c.updateDBConnection),
		},
		{
			Name:     "gui.dbConnections.removeDbConnection",
			Params:   append([]string{"db_connection_id"}, owner...),
			Required: []string{"db_connection_id"},
			Handler:  dispatch.Typed(c.removeDBConnection),
		},
	}
}

func (c *catalog) listDBConnections(ctx context.Context, call *dispatch.Call, p dbConnectionParams) (any, error) {
	b := backend(call)
	if _, err := ownProfile(ctx, b, p.UserID, p.ProfileID); err != nil {
		return nil, err
	}
	return b.DBConnections.List(ctx, p.ProfileID, p.FolderPath)
}

func (c *catalog) addDBConnection(ctx context.Context, call *dispatch.Call, p dbConnectionParams) (any, error) {
	b := backend(call)
	if _, err := ownProfile(ctx, b, p.UserID, p.ProfileID); err != nil {
		return nil, err
	}
	id, err := b.DBConnections.Add(ctx, p.ProfileID, store.DBConnection{
		FolderPath:  p.FolderPath,
		Caption:     p.Connection.Caption,
		Description: p.Connection.Description,
		DBType:      p.Connection.DBType,
		Options:     p.Connection.Options,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"db_connection_id": id}, nil
}

// getDBConnection 连接所在配置档必须属于当前用户。
func (c *catalog) getDBConnection(ctx context.Context, call *dispatch.Call, p dbConnectionParams) (any, error) {
	return ownConnection(ctx, backend(call), p.UserID, p.DBConnectionID)
}

func (c *catalog) updateDBConnection(ctx context.Context, call *dispatch.Call, p dbConnectionParams) (any, error) {
	b := backend(call)
	if _, err := ownProfile(ctx, b, p.UserID, p.ProfileID); err != nil {
		return nil, err
	}
	return nil, b.DBConnections.Update(ctx, p.ProfileID, store.DBConnection{
		ID:          p.DBConnectionID,
		FolderPath:  p.FolderPath,
		Caption:     p.Connection.Caption,
		Description: p.Connection.Description,
		Options:     p.Connection.Options,
	})
}

func (c *catalog) removeDBConnection(ctx context.Context, call *dispatch.Call, p dbConnectionParams) (any, error) {
	b := backend(call)
	if _, err := ownProfile(ctx, b, p.UserID, p.ProfileID); err != nil {
		return nil, err
	}
	return nil, b.DBConnections.Remove(ctx, p.ProfileID, p.DBConnectionID)
}

func ownConnection(ctx context.Context, b *store.Backend, userID, id int64) (*store.DBConnection, error) {
	conn, err := b.DBConnections.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := ownProfile(ctx, b, userID, conn.ProfileID); err != nil {
		return nil, err
	}
	return conn, nil
}
