package database

import (
	"context"
	"embed"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/multi-agent/shellgui/internal/dbsession"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
	"github.com/multi-agent/shellgui/pkg/logger"
)

//go:embed migrations
var embedded embed.FS

// Migrations 返回驱动对应的内置迁移脚本目录。
func Migrations(driver string) (fs.FS, error) {
	return fs.Sub(embedded, "migrations/"+driver)
}

// Migrate 执行迁移脚本 (按文件名排序), schema_version 表追踪已执行版本。
// dir 为空时使用内置迁移。每个文件在一个事务内执行。
func Migrate(ctx context.Context, sess *dbsession.Session, dir string) error {
	if sess == nil {
		return apperrors.New("Migrate", "session is required")
	}
	var (
		src fs.FS
		err error
	)
	if dir != "" {
		if _, statErr := os.Stat(dir); os.IsNotExist(statErr) {
			logger.Info("no migrations directory found, skipping", logger.FieldPath, dir)
			return nil
		}
		src = os.DirFS(dir)
	} else if src, err = Migrations(sess.DriverName()); err != nil {
		return apperrors.Wrap(err, "Migrate", "open embedded migrations")
	}
	return MigrateFS(ctx, sess, src)
}

// MigrateFS 从任意 fs.FS 根目录执行迁移。
func MigrateFS(ctx context.Context, sess *dbsession.Session, src fs.FS) error {
	if sess == nil {
		return apperrors.New("Migrate", "session is required")
	}

	// 确保 schema_version 表存在
	_, err := sess.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		logger.Error("migrate: create schema_version table failed", logger.FieldError, err)
		return apperrors.Wrap(err, "Migrate", "create schema_version table")
	}

	entries, err := fs.ReadDir(src, ".")
	if err != nil {
		return apperrors.Wrap(err, "Migrate", "read migrations dir")
	}

	var sqlFiles []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			sqlFiles = append(sqlFiles, e.Name())
		}
	}
	sort.Strings(sqlFiles)

	applied, err := loadAppliedVersions(ctx, sess)
	if err != nil {
		return err
	}

	pending := countPendingMigrations(sqlFiles, applied)
	if pending > 0 {
		logger.Infow("migrate: applying pending migrations", logger.FieldCount, pending)
	}
	for _, name := range sqlFiles {
		if applied[name] {
			continue
		}
		if err := applyOneMigration(ctx, sess, src, name); err != nil {
			return err
		}
		logger.Infow("migration applied", logger.FieldVersion, name)
	}
	return nil
}

func loadAppliedVersions(ctx context.Context, sess *dbsession.Session) (map[string]bool, error) {
	if sess == nil {
		return nil, apperrors.New("Migrate", "session is required")
	}
	res, err := sess.Query(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, apperrors.Wrap(err, "Migrate", "query schema_version")
	}
	applied := make(map[string]bool, len(res.Rows))
	for _, row := range res.Rows {
		switch v := row[0].(type) {
		case string:
			applied[v] = true
		case []byte:
			applied[string(v)] = true
		}
	}
	return applied, nil
}

func applyOneMigration(ctx context.Context, sess *dbsession.Session, src fs.FS, name string) error {
	if sess == nil {
		return apperrors.New("Migrate", "session is required")
	}
	sqlBytes, err := fs.ReadFile(src, name)
	if err != nil {
		return apperrors.Wrapf(err, "Migrate", "read migration %s", name)
	}
	err = sess.Tx(ctx, func(ctx context.Context, x dbsession.Execer) error {
		if _, err := x.Exec(ctx, string(sqlBytes)); err != nil {
			return apperrors.Wrapf(err, "Migrate", "exec migration %s", name)
		}
		if _, err := x.Exec(ctx, `INSERT INTO schema_version (version) VALUES (?)`, name); err != nil {
			return apperrors.Wrapf(err, "Migrate", "record migration %s", name)
		}
		return nil
	})
	return err
}

func countPendingMigrations(sqlFiles []string, applied map[string]bool) int {
	pending := 0
	for _, name := range sqlFiles {
		if !applied[name] {
			pending++
		}
	}
	return pending
}
