// profile.go — 用户配置档与个人组。
package store

import (
	"context"

	"github.com/multi-agent/shellgui/internal/dbsession"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
)

// ProfileStore 配置档存储。
type ProfileStore struct{ BaseStore }

// NewProfileStore 创建配置档存储。
func NewProfileStore(db *dbsession.Session) *ProfileStore { return &ProfileStore{NewBaseStore(db)} }

const profileCols = `id, user_id, name, description, options`

// Default 返回用户的默认配置档, 没有时惰性创建 "Default"。
func (s *ProfileStore) Default(ctx context.Context, userID int64) (*Profile, error) {
	var out *Profile
	err := s.db.Tx(ctx, func(ctx context.Context, x dbsession.Execer) error {
		res, err := x.Query(ctx,
			`SELECT p.id, p.user_id, p.name, p.description, p.options
			 FROM profile p JOIN "user" u ON u.default_profile_id = p.id WHERE u.id = ?`, userID)
		if err != nil {
			return err
		}
		if out = scanProfile(res); out != nil {
			return nil
		}
		id, err := createDefaultProfile(ctx, x, userID)
		if err != nil {
			return err
		}
		out, err = profileByID(ctx, x, id)
		return err
	})
	if err != nil {
		return nil, apperrors.WithCode(err, "ProfileStore.Default", apperrors.CodeDB, "could not resolve the default profile")
	}
	return out, nil
}

// Get 按 id 查询配置档, 不存在返回 ErrNotFound。
func (s *ProfileStore) Get(ctx context.Context, id int64) (*Profile, error) {
	p, err := profileByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.WithCode(apperrors.ErrNotFound, "ProfileStore.Get", apperrors.CodeValidation,
			"the profile does not exist")
	}
	return p, nil
}

// List 用户的全部配置档。
func (s *ProfileStore) List(ctx context.Context, userID int64) ([]Profile, error) {
	res, err := s.db.Query(ctx, `SELECT `+profileCols+` FROM profile WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(res.Rows))
	for _, row := range res.Maps() {
		out = append(out, profileFromRow(row))
	}
	return out, nil
}

// SetDefault 设置用户默认配置档; 配置档必须属于该用户。
func (s *ProfileStore) SetDefault(ctx context.Context, userID, profileID int64) error {
	res, err := s.db.Exec(ctx,
		`UPDATE "user" SET default_profile_id = ?
		 WHERE id = ? AND EXISTS (SELECT 1 FROM profile WHERE id = ? AND user_id = ?)`,
		profileID, userID, profileID, userID)
	if err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return apperrors.WithCode(apperrors.ErrNotFound, "ProfileStore.SetDefault", apperrors.CodeValidation,
			"the profile does not belong to the user")
	}
	return nil
}

// PersonalGroupID 用户作为 owner 的个人组 id, 不存在返回 0。
func (s *ProfileStore) PersonalGroupID(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.Query(ctx,
		`SELECT g.id FROM user_group g
		 JOIN user_group_has_user gu ON gu.user_group_id = g.id
		 JOIN "user" u ON u.id = gu.user_id
		 WHERE gu.user_id = ? AND gu.owner = 1 AND g.name = u.name`, userID)
	if err != nil {
		return 0, err
	}
	if len(res.Rows) == 0 {
		return 0, nil
	}
	return asInt64(res.Rows[0][0]), nil
}

// createDefaultProfile 创建 "Default" 配置档并设为用户默认。
func createDefaultProfile(ctx context.Context, x dbsession.Execer, userID int64) (int64, error) {
	id, err := insertID(ctx, x, `INSERT INTO profile (user_id, name, description, options) VALUES (?, ?, ?, ?)`,
		userID, DefaultProfileName, "Default profile", "{}")
	if err != nil {
		return 0, err
	}
	if _, err := x.Exec(ctx, `UPDATE "user" SET default_profile_id = ? WHERE id = ?`, id, userID); err != nil {
		return 0, err
	}
	return id, nil
}

func profileByID(ctx context.Context, x dbsession.Execer, id int64) (*Profile, error) {
	res, err := x.Query(ctx, `SELECT `+profileCols+` FROM profile WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return scanProfile(res), nil
}

func scanProfile(res *dbsession.Result) *Profile {
	row, ok := firstRow(res)
	if !ok {
		return nil
	}
	p := profileFromRow(row)
	return &p
}

func profileFromRow(row map[string]any) Profile {
	return Profile{
		ID:          asInt64(row["id"]),
		UserID:      asInt64(row["user_id"]),
		Name:        asString(row["name"]),
		Description: asString(row["description"]),
		Options:     parseJSONMap(row["options"]),
	}
}
