// db_connection.go — 配置档下的数据库连接目录。
package store

import (
	"context"
	"strings"

	"github.com/multi-agent/shellgui/internal/dbsession"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
)

// DBConnectionStore 连接目录存储。
type DBConnectionStore struct{ BaseStore }

// NewDBConnectionStore 创建连接目录存储。
func NewDBConnectionStore(db *dbsession.Session) *DBConnectionStore {
	return &DBConnectionStore{NewBaseStore(db)}
}

const dbConnCols = `id, profile_id, folder_path, caption, description, db_type, options`

// List 列出配置档下某目录的连接。folder 为空表示全部目录。
func (s *DBConnectionStore) List(ctx context.Context, profileID int64, folder string) ([]DBConnection, error) {
	q := NewQueryBuilder().EqInt64("profile_id", profileID).Eq("folder_path", folder)
	res, err := s.db.Query(ctx, "SELECT "+dbConnCols+" FROM db_connection"+q.WhereClause()+" ORDER BY id", q.Params()...)
	if err != nil {
		return nil, err
	}
	out := make([]DBConnection, 0, len(res.Rows))
	for _, row := range res.Maps() {
		out = append(out, dbConnFromRow(row))
	}
	return out, nil
}

// Add 新增连接, 返回 id。
func (s *DBConnectionStore) Add(ctx context.Context, profileID int64, c DBConnection) (int64, error) {
	if strings.TrimSpace(c.Caption) == "" || strings.TrimSpace(c.DBType) == "" {
		return 0, apperrors.WithCode(apperrors.ErrInvalidInput, "DBConnectionStore.Add", apperrors.CodeValidation,
			"caption and db_type are required")
	}
	if _, err := dbsession.LookupDriver(c.DBType); err != nil {
		return 0, apperrors.WithCode(err, "DBConnectionStore.Add", apperrors.CodeValidation, "unsupported db_type")
	}
	return insertID(ctx, s.db,
		`INSERT INTO db_connection (profile_id, folder_path, caption, description, db_type, options) VALUES (?, ?, ?, ?, ?, ?)`,
		profileID, c.FolderPath, c.Caption, c.Description, strings.ToLower(c.DBType), mustMarshalJSON(c.Options))
}

// Get 按 id 查询, 不存在返回 ErrNotFound。
func (s *DBConnectionStore) Get(ctx context.Context, id int64) (*DBConnection, error) {
	res, err := s.db.Query(ctx, "SELECT "+dbConnCols+" FROM db_connection WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	row, ok := firstRow(res)
	if !ok {
		return nil, apperrors.WithCode(apperrors.ErrNotFound, "DBConnectionStore.Get", apperrors.CodeValidation,
			"the database connection does not exist")
	}
	c := dbConnFromRow(row)
	return &c, nil
}

// Update 更新可编辑字段。
func (s *DBConnectionStore) Update(ctx context.Context, profileID int64, c DBConnection) error {
	res, err := s.db.Exec(ctx,
		`UPDATE db_connection SET folder_path = ?, caption = ?, description = ?, options = ?
		 WHERE id = ? AND profile_id = ?`,
		c.FolderPath, c.Caption, c.Description, mustMarshalJSON(c.Options), c.ID, profileID)
	if err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return apperrors.WithCode(apperrors.ErrNotFound, "DBConnectionStore.Update", apperrors.CodeValidation,
			"the database connection does not exist in this profile")
	}
	return nil
}

// Remove 从配置档中删除连接。
func (s *DBConnectionStore) Remove(ctx context.Context, profileID, id int64) error {
	res, err := s.db.Exec(ctx, `DELETE FROM db_connection WHERE id = ? AND profile_id = ?`, id, profileID)
	if err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return apperrors.WithCode(apperrors.ErrNotFound, "DBConnectionStore.Remove", apperrors.CodeValidation,
			"the database connection does not exist in this profile")
	}
	return nil
}

func dbConnFromRow(row map[string]any) DBConnection {
	return DBConnection{
		ID:          asInt64(row["id"]),
		ProfileID:   asInt64(row["profile_id"]),
		FolderPath:  asString(row["folder_path"]),
		Caption:     asString(row["caption"]),
		Description: asString(row["description"]),
		DBType:      asString(row["db_type"]),
		Options:     parseJSONMap(row["options"]),
	}
}
