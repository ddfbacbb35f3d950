// Package store 后端库的数据访问层。
//
// 所有 SQL 通过 dbsession.Session 执行, 占位符统一为 "?"。
// 每个 WebSocket 连接持有自己的会话, 因此 Backend 也按连接创建。
package store

import "github.com/multi-agent/shellgui/internal/dbsession"

// Backend 一个会话上的全部存储。
type Backend struct {
	DB            *dbsession.Session
	Sessions      *SessionStore
	Users         *UserStore
	Profiles      *ProfileStore
	Privileges    *PrivilegeStore
	Messages      *MessageStore
	Logs          *SystemLogStore
	DBConnections *DBConnectionStore
}

// New 在 db 上创建全部存储。
func New(db *dbsession.Session) *Backend {
	return &Backend{
		DB:            db,
		Sessions:      NewSessionStore(db),
		Users:         NewUserStore(db),
		Profiles:      NewProfileStore(db),
		Privileges:    NewPrivilegeStore(db),
		Messages:      NewMessageStore(db),
		Logs:          NewSystemLogStore(db),
		DBConnections: NewDBConnectionStore(db),
	}
}
