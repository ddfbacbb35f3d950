package commands

import (
	"context"
	"runtime"

	"github.com/multi-agent/shellgui/internal/dispatch"
)

func (c *catalog) coreCommands() []dispatch.Descriptor {
	return []dispatch.Descriptor{
		{
			Name:    "gui.core.getBackendInformation",
			Params:  []string{dispatch.ParamBeSession},
			Handler: c.getBackendInformation,
			Doc:     "Returns information about the backend",
		},
		{
			Name:    "gui.core.ping",
			Handler: func(context.Context, *dispatch.Call) (any, error) { return nil, nil },
			Doc:     "Keeps the connection alive",
		},
		{
			Name:    "gui.core.listCommands",
			Handler: func(context.Context, *dispatch.Call) (any, error) { return c.reg.Commands(), nil },
			Doc:     "Lists the registered commands",
		},
	}
}

func (c *catalog) getBackendInformation(_ context.Context, call *dispatch.Call) (any, error) {
	info := map[string]any{
		"version":         c.deps.Version,
		"go_version":      runtime.Version(),
		"platform":        runtime.GOOS,
		"architecture":    runtime.GOARCH,
		"local_user_mode": call.Local,
	}
	if call.BeSession != nil {
		info["backend_driver"] = call.BeSession.DriverName()
	}
	return info, nil
}
