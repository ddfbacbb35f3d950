// privilege.go — 角色权限模式查询。
package store

import (
	"context"

	"github.com/multi-agent/shellgui/internal/dbsession"
)

// PrivilegeStore 权限存储。
type PrivilegeStore struct{ BaseStore }

// NewPrivilegeStore 创建权限存储。
func NewPrivilegeStore(db *dbsession.Session) *PrivilegeStore {
	return &PrivilegeStore{NewBaseStore(db)}
}

// Patterns 返回用户经由角色获得的某类权限的全部 access_pattern (去重, 按权限 id 排序)。
func (s *PrivilegeStore) Patterns(ctx context.Context, userID int64, privilegeType string) ([]string, error) {
	res, err := s.db.Query(ctx,
		`SELECT DISTINCT p.id, p.access_pattern
		 FROM privilege p
		 JOIN privilege_type pt ON pt.id = p.privilege_type_id
		 JOIN role_has_privilege rp ON rp.privilege_id = p.id
		 JOIN user_has_role ur ON ur.role_id = rp.role_id
		 WHERE ur.user_id = ? AND pt.name = ?
		 ORDER BY p.id`, userID, privilegeType)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, asString(row[1]))
	}
	return out, nil
}
