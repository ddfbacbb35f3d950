// message_log.go — 收发消息审计 (message 表)。
package store

import (
	"context"
	"time"

	"github.com/multi-agent/shellgui/internal/dbsession"
)

// MessageStore 消息审计存储。
type MessageStore struct{ BaseStore }

// NewMessageStore 创建消息审计存储。
func NewMessageStore(db *dbsession.Session) *MessageStore { return &MessageStore{NewBaseStore(db)} }

// Log 记录一条收发消息。返回错误时调用方必须按失败处理 (入站消息不得继续处理)。
func (s *MessageStore) Log(ctx context.Context, sessionID int64, content string, isResponse bool, requestID string) error {
	var rid any
	if requestID != "" {
		rid = requestID
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO message (session_id, request_id, is_response, content, sent) VALUES (?, ?, ?, ?, ?)`,
		sessionID, rid, isResponse, content, time.Now().UTC())
	return err
}

// Count 会话的消息条数 (诊断与测试用)。
func (s *MessageStore) Count(ctx context.Context, sessionID int64, isResponse bool) (int64, error) {
	res, err := s.db.Query(ctx,
		`SELECT COUNT(*) FROM message WHERE session_id = ? AND is_response = ?`, sessionID, isResponse)
	if err != nil {
		return 0, err
	}
	return asInt64(res.Rows[0][0]), nil
}
