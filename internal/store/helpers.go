// helpers.go — Store 层通用工具。
//
//   - BaseStore:    持有后端库会话
//   - QueryBuilder: 动态 WHERE + LIKE 关键词搜索 + 分页
//   - 结果集取值:   asInt64 / asString / asTime / asBool
package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/multi-agent/shellgui/internal/dbsession"
	"github.com/multi-agent/shellgui/pkg/util"
)

// BaseStore 所有 Store 的嵌入基底，持有后端库会话。
//
// 用法:
//
//	type FooStore struct{ BaseStore }
//	func NewFooStore(db *dbsession.Session) *FooStore { return &FooStore{NewBaseStore(db)} }
type BaseStore struct{ db *dbsession.Session }

// NewBaseStore 创建 BaseStore。
func NewBaseStore(db *dbsession.Session) BaseStore { return BaseStore{db: db} }

// Session 返回底层会话。
func (b BaseStore) Session() *dbsession.Session { return b.db }

// ========================================
// QueryBuilder — 动态 WHERE 子句构造
// ========================================

// QueryBuilder 渐进式 SQL WHERE 拼接器。占位符一律为 "?", 由会话按驱动改写。
type QueryBuilder struct {
	where  []string
	params []any
}

// NewQueryBuilder 创建空构造器。
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{}
}

// Eq 添加等值条件。空值跳过。
func (q *QueryBuilder) Eq(col, val string) *QueryBuilder {
	if val == "" {
		return q
	}
	q.where = append(q.where, col+" = ?")
	q.params = append(q.params, val)
	return q
}

// EqInt64 添加整型等值条件。
func (q *QueryBuilder) EqInt64(col string, val int64) *QueryBuilder {
	q.where = append(q.where, col+" = ?")
	q.params = append(q.params, val)
	return q
}

// Since 添加时间下界条件。零值跳过。
func (q *QueryBuilder) Since(col string, t time.Time) *QueryBuilder {
	if t.IsZero() {
		return q
	}
	q.where = append(q.where, col+" >= ?")
	q.params = append(q.params, t.UTC())
	return q
}

// KeywordLike 添加多列 LIKE 关键词搜索。
func (q *QueryBuilder) KeywordLike(keyword string, cols ...string) *QueryBuilder {
	if keyword == "" || len(cols) == 0 {
		return q
	}
	kw := "%" + util.EscapeLike(strings.ToLower(keyword)) + "%"
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, "LOWER("+c+`) LIKE ? ESCAPE '\'`)
		q.params = append(q.params, kw)
	}
	q.where = append(q.where, "("+strings.Join(parts, " OR ")+")")
	return q
}

// Build 构建完整 SQL: baseSql + WHERE + ORDER BY + LIMIT。
func (q *QueryBuilder) Build(baseSql, orderBy string, limit int) (string, []any) {
	limit = util.ClampInt(limit, 1, 2000)
	sql := baseSql + q.WhereClause()
	if orderBy != "" {
		sql += " ORDER BY " + orderBy
	}
	sql += " LIMIT ?"
	return sql, append(q.params, limit)
}

// Params 返回当前参数列表。
func (q *QueryBuilder) Params() []any {
	return q.params
}

// WhereClause 仅返回 WHERE 子句 (含前导 " WHERE ")，空条件返回空字符串。
func (q *QueryBuilder) WhereClause() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

// ========================================
// 结果集取值 (驱动间类型差异在此抹平)
// ========================================

// insertID 执行 INSERT … RETURNING id 并返回新行 id。
func insertID(ctx context.Context, x dbsession.Execer, query string, args ...any) (int64, error) {
	res, err := x.Query(ctx, query+" RETURNING id", args...)
	if err != nil {
		return 0, err
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return 0, errNoID
	}
	return asInt64(res.Rows[0][0]), nil
}

// firstRow 返回首行 (列名 → 值), 无结果 ok=false。
func firstRow(res *dbsession.Result) (map[string]any, bool) {
	rows := res.Maps()
	if len(rows) == 0 {
		return nil, false
	}
	return rows[0], true
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case []byte:
		n, _ := util.ToInt64(string(x))
		return n
	case int16:
		return int64(x)
	}
	n, _ := util.ToInt64(v)
	return n
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// sqliteTimeLayouts go-sqlite3 写入 time.Time 时使用的格式。
var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func asTime(v any) time.Time {
	switch x := v.(type) {
	case time.Time:
		return x
	case string:
		for _, layout := range sqliteTimeLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t
			}
		}
	case []byte:
		return asTime(string(x))
	}
	return time.Time{}
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	}
	return asInt64(v) != 0
}

// mustMarshalJSON 序列化为 JSON 文本 (nil → "{}")。
func mustMarshalJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// parseJSONMap 解析 JSON 对象文本, 失败返回空 map。
func parseJSONMap(v any) map[string]any {
	m := map[string]any{}
	s := asString(v)
	if s == "" {
		return m
	}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}
