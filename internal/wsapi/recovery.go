// recovery.go — 握手阶段的会话识别: 按 SessionId cookie 与来源 IP 恢复, 否则新建。
package wsapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/multi-agent/shellgui/internal/store"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
	"github.com/multi-agent/shellgui/pkg/logger"
)

// SessionCookie 客户端保存 session_uuid 的 cookie 名。
const SessionCookie = "SessionId"

// identity 连接在 session 表中的身份。
type identity struct {
	uuid      string
	sessionID int64
	userID    int64 // 恢复到已认证会话时非 0
	recovered bool
}

// resolveIdentity 恢复或新建会话行。
//
// 恢复条件: 同 (uuid, source_ip) 的最近一行存在, 且 started 在 maxAge 内 (maxAge 为 0 不限)。
// 该行已结束时插入 continued_session_id+1 的续接行, 结束的行不再复用。
// 查询失败按无可恢复会话处理; 插入失败返回错误, 连接随即关闭。
func resolveIdentity(ctx context.Context, b *store.Backend, cookieUUID, sourceIP string, maxAge time.Duration) (identity, error) {
	if cookieUUID != "" {
		id, ok, err := recoverIdentity(ctx, b, cookieUUID, sourceIP, maxAge)
		if err != nil {
			return identity{}, err
		}
		if ok {
			return id, nil
		}
	}

	u, err := uuid.NewV7()
	if err != nil {
		return identity{}, apperrors.Wrap(err, "wsapi.resolveIdentity", "generate session uuid")
	}
	sid, err := b.Sessions.Insert(ctx, u.String(), 0, 0, sourceIP)
	if err != nil {
		return identity{}, apperrors.Wrap(err, "wsapi.resolveIdentity", "Session could not be registered")
	}
	return identity{uuid: u.String(), sessionID: sid}, nil
}

func recoverIdentity(ctx context.Context, b *store.Backend, cookieUUID, sourceIP string, maxAge time.Duration) (identity, bool, error) {
	row, err := b.Sessions.Latest(ctx, cookieUUID, sourceIP)
	if err != nil {
		logger.Warn("ws-server: session lookup failed, creating a new session",
			logger.FieldSessionUUID, cookieUUID, logger.FieldError, err)
		return identity{}, false, nil
	}
	if row == nil {
		return identity{}, false, nil
	}
	if maxAge > 0 && time.Since(row.Started) > maxAge {
		logger.Info("ws-server: stale session not recovered",
			logger.FieldSessionUUID, cookieUUID, logger.FieldSessionID, row.ID)
		return identity{}, false, nil
	}

	sid := row.ID
	if row.Ended != nil {
		sid, err = b.Sessions.Insert(ctx, row.UUID, row.ContinuedSessionID+1, row.UserID, sourceIP)
		if err != nil {
			return identity{}, false, apperrors.Wrap(err, "wsapi.recoverIdentity", "Session could not be registered")
		}
	}
	return identity{uuid: row.UUID, sessionID: sid, userID: row.UserID, recovered: true}, true, nil
}

// sessionCookie 随升级响应下发的 Set-Cookie。
func sessionCookie(sessionUUID string) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    sessionUUID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}
