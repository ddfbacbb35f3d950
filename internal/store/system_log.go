// system_log.go — 应用日志落库 (log 表), 实现 logger.LogSink。
package store

import (
	"context"
	"time"

	"github.com/multi-agent/shellgui/internal/dbsession"
	"github.com/multi-agent/shellgui/pkg/logger"
)

// SystemLogStore 系统日志存储。
type SystemLogStore struct{ BaseStore }

// NewSystemLogStore 创建系统日志存储。
func NewSystemLogStore(db *dbsession.Session) *SystemLogStore {
	return &SystemLogStore{NewBaseStore(db)}
}

var _ logger.LogSink = (*SystemLogStore)(nil)

const sysLogCols = `id, ts, level, logger, message, source, component,
	session_uuid, request_id, command, duration_ms, extra`

// WriteLogs 在一个事务内批量写入日志。
func (s *SystemLogStore) WriteLogs(ctx context.Context, entries []logger.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Tx(ctx, func(ctx context.Context, x dbsession.Execer) error {
		for _, e := range entries {
			var dur, extra any
			if e.DurationMS != nil {
				dur = int64(*e.DurationMS)
			}
			if len(e.Extra) > 0 {
				extra = mustMarshalJSON(e.Extra)
			}
			ts := e.Ts
			if ts.IsZero() {
				ts = time.Now()
			}
			if _, err := x.Exec(ctx,
				`INSERT INTO log (ts, level, logger, message, source, component, session_uuid, request_id, command, duration_ms, extra)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				ts.UTC(), e.Level, e.Logger, e.Message, e.Source, e.Component,
				e.SessionUUID, e.RequestID, e.Command, dur, extra); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListParams 日志查询参数。
type ListParams struct {
	Level       string
	Logger      string
	Source      string
	Component   string
	SessionUUID string
	RequestID   string
	Command     string
	Keyword     string
	Since       time.Time
	Limit       int
}

// List 查询日志 (支持全部字段过滤), 最新在前。
func (s *SystemLogStore) List(ctx context.Context, p ListParams) ([]SystemLog, error) {
	q := NewQueryBuilder().
		Eq("level", p.Level).
		Eq("logger", p.Logger).
		Eq("source", p.Source).
		Eq("component", p.Component).
		Eq("session_uuid", p.SessionUUID).
		Eq("request_id", p.RequestID).
		Eq("command", p.Command).
		Since("ts", p.Since).
		KeywordLike(p.Keyword, "message", "logger", "command")
	sql, params := q.Build("SELECT "+sysLogCols+" FROM log", "ts DESC, id DESC", p.Limit)
	res, err := s.db.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	out := make([]SystemLog, 0, len(res.Rows))
	for _, row := range res.Maps() {
		l := SystemLog{
			ID:          asInt64(row["id"]),
			Ts:          asTime(row["ts"]),
			Level:       asString(row["level"]),
			Logger:      asString(row["logger"]),
			Message:     asString(row["message"]),
			Source:      asString(row["source"]),
			Component:   asString(row["component"]),
			SessionUUID: asString(row["session_uuid"]),
			RequestID:   asString(row["request_id"]),
			Command:     asString(row["command"]),
		}
		if row["duration_ms"] != nil {
			d := asInt64(row["duration_ms"])
			l.DurationMS = &d
		}
		if row["extra"] != nil {
			l.Extra = parseJSONMap(row["extra"])
		}
		out = append(out, l)
	}
	return out, nil
}
