package dbsession

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// SQLite 嵌入式文件数据库驱动。
//
// 参数:
//   - path: 数据库文件路径 (":memory:" 为内存库)
//   - attach: map[别名]路径, 连接后 ATTACH
//   - busy_timeout_ms: 锁等待毫秒数, 默认 5000
type SQLite struct{}

// SQLiteDriverName 驱动名。
const SQLiteDriverName = "sqlite"

func (SQLite) Name() string  { return SQLiteDriverName }
func (SQLite) BindType() int { return sqlx.QUESTION }

// Dial 打开文件库并固定单一连接。
func (SQLite) Dial(ctx context.Context, opts Options) (Conn, error) {
	path := opts.String("path")
	if path == "" {
		return nil, fmt.Errorf("sqlite: option 'path' is required")
	}
	memory := path == ":memory:"
	if !memory {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite: create directory: %w", err)
			}
		}
	}

	busy := opts.String("busy_timeout_ms")
	if busy == "" {
		busy = "5000"
	}
	q := url.Values{}
	q.Set("_busy_timeout", busy)
	q.Set("_foreign_keys", "on")
	if !memory {
		q.Set("_journal_mode", "WAL")
	}
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	c, err := NewSQLConn(ctx, db)
	if err != nil {
		return nil, err
	}

	if attach, ok := opts["attach"].(map[string]any); ok {
		aliases := make([]string, 0, len(attach))
		for alias := range attach {
			aliases = append(aliases, alias)
		}
		sort.Strings(aliases)
		for _, alias := range aliases {
			p, _ := attach[alias].(string)
			if _, err := c.Exec(ctx, "ATTACH DATABASE ? AS "+quoteIdent(alias), p); err != nil {
				_ = c.Close()
				return nil, fmt.Errorf("sqlite: attach %s: %w", alias, err)
			}
		}
	}
	return c, nil
}

// Classify SQLITE_BUSY/LOCKED 在打开时视为瞬时错误; 连接失效视为服务端断开。
func (SQLite) Classify(err error) ErrorClass {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return ClassOpen
		case sqlite3.ErrAuth, sqlite3.ErrPerm:
			return ClassAccessDenied
		}
		return ClassOther
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return ClassServerGone
	}
	return ClassOther
}

// Describe 采集 SQLite 版本。
func (SQLite) Describe(ctx context.Context, c Conn) (Info, error) {
	res, err := c.Query(ctx, "SELECT sqlite_version()")
	if err != nil {
		return Info{}, err
	}
	info := Info{ConnectionID: "0"}
	if len(res.Rows) > 0 && len(res.Rows[0]) > 0 {
		info.ServerVersion = fmt.Sprint(asText(res.Rows[0][0]))
	}
	return info, nil
}

// DetectCapabilities 探测 JSON1 扩展, 按版本判断 RETURNING (3.35+) 支持。
func (SQLite) DetectCapabilities(ctx context.Context, c Conn) (map[string]bool, error) {
	res, err := c.Query(ctx, "SELECT sqlite_version()")
	if err != nil {
		return nil, err
	}
	version := ""
	if len(res.Rows) > 0 && len(res.Rows[0]) > 0 {
		version = fmt.Sprint(asText(res.Rows[0][0]))
	}
	_, jsonErr := c.Query(ctx, "SELECT json('{}')")
	return map[string]bool{
		"json":      jsonErr == nil,
		"returning": versionAtLeast(version, 3, 35),
	}, nil
}

// versionAtLeast 比较 "major.minor[.patch]" 形式的版本号。
func versionAtLeast(version string, major, minor int) bool {
	var ma, mi int
	if _, err := fmt.Sscanf(version, "%d.%d", &ma, &mi); err != nil {
		return false
	}
	return ma > major || (ma == major && mi >= minor)
}

func asText(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
