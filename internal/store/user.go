// user.go — 用户, 角色分配与口令认证。
package store

import (
	"context"
	"strings"

	"github.com/multi-agent/shellgui/internal/dbsession"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
)

// UserStore 用户存储。
type UserStore struct{ BaseStore }

// NewUserStore 创建用户存储。
func NewUserStore(db *dbsession.Session) *UserStore { return &UserStore{NewBaseStore(db)} }

const userCols = `id, name, password_hash, allowed_hosts, default_profile_id`

// Create 在一个事务内创建用户: 口令哈希, 角色, 个人组, 默认配置档。
// password 为空时不设口令 (仅本地模式可登录)。
func (s *UserStore) Create(ctx context.Context, name, password string, roles ...string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, apperrors.WithCode(apperrors.ErrInvalidInput, "UserStore.Create", apperrors.CodeValidation, "user name is required")
	}
	var hash any
	if password != "" {
		h, err := HashPassword(password)
		if err != nil {
			return 0, apperrors.Wrap(err, "UserStore.Create", "hash password")
		}
		hash = h
	}
	if len(roles) == 0 {
		roles = []string{RoleUser}
	}

	var userID int64
	err := s.db.Tx(ctx, func(ctx context.Context, x dbsession.Execer) error {
		existing, err := userByName(ctx, x, name)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperrors.WithCode(apperrors.ErrInvalidInput, "UserStore.Create", apperrors.CodeValidation,
				"a user named '"+name+"' already exists")
		}
		if userID, err = insertID(ctx, x, `INSERT INTO "user" (name, password_hash) VALUES (?, ?)`, name, hash); err != nil {
			return err
		}
		for _, role := range roles {
			res, err := x.Exec(ctx,
				`INSERT INTO user_has_role (user_id, role_id) SELECT ?, id FROM role WHERE name = ?`, userID, role)
			if err != nil {
				return err
			}
			if res.RowsAffected == 0 {
				return apperrors.WithCode(apperrors.ErrNotFound, "UserStore.Create", apperrors.CodeValidation,
					"unknown role '"+role+"'")
			}
		}
		groupID, err := insertID(ctx, x, `INSERT INTO user_group (name, description) VALUES (?, ?)`,
			name, "Personal group of "+name)
		if err != nil {
			return err
		}
		if _, err := x.Exec(ctx,
			`INSERT INTO user_group_has_user (user_id, user_group_id, owner) VALUES (?, ?, 1)`, userID, groupID); err != nil {
			return err
		}
		_, err = createDefaultProfile(ctx, x, userID)
		return err
	})
	if err != nil {
		return 0, apperrors.Wrapf(err, "UserStore.Create", "create user %s", name)
	}
	return userID, nil
}

// EnsureLocalUser 本地单用户模式: 确保固定的管理员用户存在, 返回其 id。
func (s *UserStore) EnsureLocalUser(ctx context.Context) (int64, error) {
	u, err := s.ByName(ctx, LocalUserName)
	if err != nil {
		return 0, err
	}
	if u != nil {
		return u.ID, nil
	}
	return s.Create(ctx, LocalUserName, "", RoleAdministrator)
}

// ByName 大小写不敏感查找, 不存在返回 nil。
func (s *UserStore) ByName(ctx context.Context, name string) (*User, error) {
	return userByName(ctx, s.db, name)
}

// ByID 按 id 查找, 不存在返回 nil。
func (s *UserStore) ByID(ctx context.Context, id int64) (*User, error) {
	res, err := s.db.Query(ctx, `SELECT `+userCols+` FROM "user" WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return scanUser(res), nil
}

// Authenticate 校验用户名口令。失败统一返回 CodeAuth, 不区分用户不存在与口令错误。
func (s *UserStore) Authenticate(ctx context.Context, name, password string) (*User, error) {
	u, err := s.ByName(ctx, name)
	if err != nil {
		return nil, apperrors.WithCode(err, "UserStore.Authenticate", apperrors.CodeDB, "could not look up user")
	}
	if u == nil || u.PasswordHash == "" || !VerifyPassword(u.PasswordHash, password) {
		return nil, apperrors.WithCode(apperrors.ErrUnauthorized, "UserStore.Authenticate", apperrors.CodeAuth,
			"User could not be authenticated. Incorrect username or password.")
	}
	return u, nil
}

// SetPassword 更新口令。
func (s *UserStore) SetPassword(ctx context.Context, userID int64, password string) error {
	h, err := HashPassword(password)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `UPDATE "user" SET password_hash = ? WHERE id = ?`, h, userID)
	return err
}

// Roles 用户的角色名列表。
func (s *UserStore) Roles(ctx context.Context, userID int64) ([]string, error) {
	res, err := s.db.Query(ctx,
		`SELECT r.name FROM role r JOIN user_has_role ur ON ur.role_id = r.id WHERE ur.user_id = ? ORDER BY r.id`, userID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		out = append(out, asString(row[0]))
	}
	return out, nil
}

func userByName(ctx context.Context, x dbsession.Execer, name string) (*User, error) {
	res, err := x.Query(ctx, `SELECT `+userCols+` FROM "user" WHERE LOWER(name) = LOWER(?)`, strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	return scanUser(res), nil
}

func scanUser(res *dbsession.Result) *User {
	row, ok := firstRow(res)
	if !ok {
		return nil
	}
	return &User{
		ID:               asInt64(row["id"]),
		Name:             asString(row["name"]),
		PasswordHash:     asString(row["password_hash"]),
		AllowedHosts:     asString(row["allowed_hosts"]),
		DefaultProfileID: asInt64(row["default_profile_id"]),
	}
}
