// session.go — session 表: 连接会话行与恢复链。
package store

import (
	"context"
	"time"

	"github.com/multi-agent/shellgui/internal/dbsession"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
)

// SessionStore 会话存储。
type SessionStore struct{ BaseStore }

// NewSessionStore 创建会话存储。
func NewSessionStore(db *dbsession.Session) *SessionStore { return &SessionStore{NewBaseStore(db)} }

const sessionCols = `id, uuid, continued_session_id, user_id, started, ended, source_ip`

// Insert 插入会话行。userID 为 0 时写 NULL。
func (s *SessionStore) Insert(ctx context.Context, uuid string, continued, userID int64, sourceIP string) (int64, error) {
	var uid any
	if userID != 0 {
		uid = userID
	}
	id, err := insertID(ctx, s.db,
		`INSERT INTO session (uuid, continued_session_id, user_id, started, source_ip) VALUES (?, ?, ?, ?, ?)`,
		uuid, continued, uid, time.Now().UTC(), sourceIP)
	if err != nil {
		return 0, apperrors.WithCode(err, "SessionStore.Insert", apperrors.CodeDB, "could not insert session")
	}
	return id, nil
}

// Latest 返回 (uuid, source_ip) 最近的一行, 不存在返回 nil。
func (s *SessionStore) Latest(ctx context.Context, uuid, sourceIP string) (*SessionRow, error) {
	res, err := s.db.Query(ctx,
		`SELECT `+sessionCols+` FROM session WHERE uuid = ? AND source_ip = ? ORDER BY id DESC LIMIT 1`,
		uuid, sourceIP)
	if err != nil {
		return nil, err
	}
	return scanSession(res), nil
}

// ByID 按 id 查询, 不存在返回 nil。
func (s *SessionStore) ByID(ctx context.Context, id int64) (*SessionRow, error) {
	res, err := s.db.Query(ctx, `SELECT `+sessionCols+` FROM session WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return scanSession(res), nil
}

// SetUser 记录会话已认证的用户。
func (s *SessionStore) SetUser(ctx context.Context, id, userID int64) error {
	_, err := s.db.Exec(ctx, `UPDATE session SET user_id = ? WHERE id = ?`, userID, id)
	return err
}

// ClearUser 登出后清除用户。
func (s *SessionStore) ClearUser(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `UPDATE session SET user_id = NULL WHERE id = ?`, id)
	return err
}

// End 标记会话结束。已结束的行不会被其它连接复用。
func (s *SessionStore) End(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `UPDATE session SET ended = ? WHERE id = ? AND ended IS NULL`, time.Now().UTC(), id)
	return err
}

func scanSession(res *dbsession.Result) *SessionRow {
	row, ok := firstRow(res)
	if !ok {
		return nil
	}
	out := &SessionRow{
		ID:                 asInt64(row["id"]),
		UUID:               asString(row["uuid"]),
		ContinuedSessionID: asInt64(row["continued_session_id"]),
		UserID:             asInt64(row["user_id"]),
		Started:            asTime(row["started"]),
		SourceIP:           asString(row["source_ip"]),
	}
	if row["ended"] != nil {
		t := asTime(row["ended"])
		out.Ended = &t
	}
	return out
}
