package commands

import (
	"context"

	"github.com/multi-agent/shellgui/internal/dispatch"
	"github.com/multi-agent/shellgui/internal/protocol"
	"github.com/multi-agent/shellgui/pkg/logger"
)

type profileParams struct {
	UserID    int64 `json:"user_id"`
	ProfileID int64 `json:"profile_id"`
}

func (c *catalog) userCommands() []dispatch.Descriptor {
	return []dispatch.Descriptor{
		{
			Name:    "gui.users.getDefaultProfile",
			Params:  []string{dispatch.ParamUserID, dispatch.ParamBeSession},
			Handler: dispatch.Typed(c.getDefaultProfile),
		},
		{
			Name:     "gui.users.getProfile",
			Params:   []string{dispatch.ParamUserID, dispatch.ParamProfileID, dispatch.ParamBeSession},
			Required: []string{dispatch.ParamProfileID},
			Handler:  dispatch.Typed(c.getProfile),
		},
		{
			Name:     "gui.users.setCurrentProfile",
			Params:   []string{dispatch.ParamUserID, dispatch.ParamProfileID, dispatch.ParamBeSession},
			Required: []string{dispatch.ParamProfileID},
			Handler:  dispatch.Typed(c.setCurrentProfile),
		},
		{
			Name:     "gui.users.setDefaultProfile",
			Params:   []string{dispatch.ParamUserID, dispatch.ParamProfileID, dispatch.ParamBeSession},
			Required: []string{dispatch.ParamProfileID},
			Handler:  dispatch.Typed(c.setDefaultProfile),
		},
		{
			Name:    "gui.users.listProfiles",
			Params:  []string{dispatch.ParamUserID, dispatch.ParamBeSession},
			Handler: dispatch.Typed(c.listProfiles),
		},
	}
}

func (c *catalog) getDefaultProfile(ctx context.Context, call *dispatch.Call, p profileParams) (any, error) {
	return backend(call).Profiles.Default(ctx, p.UserID)
}

func (c *catalog) getProfile(ctx context.Context, call *dispatch.Call, p profileParams) (any, error) {
	return ownProfile(ctx, backend(call), p.UserID, p.ProfileID)
}

// setCurrentProfile 切换本连接的当前配置档, 不修改用户默认值。
func (c *catalog) setCurrentProfile(ctx context.Context, call *dispatch.Call, p profileParams) (any, error) {
	if _, err := ownProfile(ctx, backend(call), p.UserID, p.ProfileID); err != nil {
		return nil, err
	}
	if ps, ok := call.Web.(ProfileSetter); ok {
		ps.SetProfileID(p.ProfileID)
	}
	logger.Info("users: current profile changed",
		logger.FieldSessionUUID, call.Web.SessionUUID(), logger.FieldUserID, p.UserID, logger.FieldID, p.ProfileID)
	return protocol.OK(call.RequestID, "Profile set successfully.", nil), nil
}

func (c *catalog) setDefaultProfile(ctx context.Context, call *dispatch.Call, p profileParams) (any, error) {
	if err := backend(call).Profiles.SetDefault(ctx, p.UserID, p.ProfileID); err != nil {
		return nil, err
	}
	return protocol.OK(call.RequestID, "Default profile set successfully.", nil), nil
}

func (c *catalog) listProfiles(ctx context.Context, call *dispatch.Call, p profileParams) (any, error) {
	return backend(call).Profiles.List(ctx, p.UserID)
}
