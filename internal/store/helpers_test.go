// helpers_test.go — QueryBuilder + 取值辅助的表驱动测试。
package store

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueryBuilderEq(t *testing.T) {
	t.Run("skips_empty", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.Eq("status", "")
		if clause := qb.WhereClause(); clause != "" {
			t.Errorf("expected empty WHERE, got %q", clause)
		}
	})

	t.Run("adds_condition", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.Eq("status", "active")
		clause := qb.WhereClause()
		if !strings.Contains(clause, "status = ?") {
			t.Errorf("expected 'status = ?' in WHERE, got %q", clause)
		}
		params := qb.Params()
		if len(params) != 1 || params[0] != "active" {
			t.Errorf("expected params [active], got %v", params)
		}
	})

	t.Run("multiple_conditions", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.Eq("status", "active").EqInt64("profile_id", 3)
		assert.Equal(t, " WHERE status = ? AND profile_id = ?", qb.WhereClause())
		assert.Equal(t, []any{"active", int64(3)}, qb.Params())
	})
}

func TestQueryBuilderKeywordLike(t *testing.T) {
	t.Run("ESCAPE_clause", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.KeywordLike("test", "message")
		if clause := qb.WhereClause(); !strings.Contains(clause, `ESCAPE '\'`) {
			t.Errorf("expected ESCAPE clause, got %q", clause)
		}
	})

	t.Run("escapes_percent", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.KeywordLike("100%", "message")
		params := qb.Params()
		if len(params) != 1 {
			t.Fatalf("expected 1 param, got %d", len(params))
		}
		if p := params[0].(string); !strings.Contains(p, `100\%`) {
			t.Errorf("expected escaped percent in param, got %q", p)
		}
	})

	t.Run("one_param_per_column", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.KeywordLike("x", "a", "b")
		assert.Len(t, qb.Params(), 2)
		assert.Contains(t, qb.WhereClause(), " OR ")
	})

	t.Run("skips_empty_keyword", func(t *testing.T) {
		qb := NewQueryBuilder()
		qb.KeywordLike("", "message")
		if clause := qb.WhereClause(); clause != "" {
			t.Errorf("expected empty WHERE, got %q", clause)
		}
	})
}

func TestQueryBuilderBuild(t *testing.T) {
	sql, params := NewQueryBuilder().Eq("level", "ERROR").Build("SELECT * FROM log", "ts DESC", 0)
	assert.Equal(t, "SELECT * FROM log WHERE level = ? ORDER BY ts DESC LIMIT ?", sql)
	assert.Equal(t, []any{"ERROR", 1}, params)

	_, params = NewQueryBuilder().Build("SELECT * FROM log", "", 99999)
	assert.Equal(t, []any{2000}, params)
}

func TestValueHelpers(t *testing.T) {
	assert.Equal(t, int64(7), asInt64(int32(7)))
	assert.Equal(t, int64(7), asInt64([]byte("7")))
	assert.Equal(t, int64(0), asInt64(nil))

	assert.Equal(t, "abc", asString([]byte("abc")))
	assert.Equal(t, "", asString(nil))

	assert.True(t, asBool(int64(1)))
	assert.False(t, asBool(nil))

	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.True(t, want.Equal(asTime("2026-01-02 03:04:05+00:00")))
	assert.True(t, want.Equal(asTime(want)))
	assert.True(t, asTime("garbage").IsZero())

	assert.Equal(t, "{}", mustMarshalJSON(nil))
	assert.Equal(t, map[string]any{"a": 1.0}, parseJSONMap(`{"a":1}`))
	assert.Empty(t, parseJSONMap(nil))
}

func TestPasswordHash(t *testing.T) {
	stored, err := HashPassword("client")
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, stored, 128)

	hashHex, saltHex, ok := SplitStoredHash(stored)
	assert.True(t, ok)
	assert.Equal(t, stored[64:], saltHex, "salt is the trailing 64 hex characters")
	assert.Equal(t, stored[:64], hashHex)

	assert.True(t, VerifyPassword(stored, "client"))
	assert.False(t, VerifyPassword(stored, "Client"))
	assert.False(t, VerifyPassword("short", "client"))

	other, err := HashPassword("client")
	if err != nil {
		t.Fatal(err)
	}
	assert.NotEqual(t, stored, other, "salt must be random")
}

func TestCredentialKey(t *testing.T) {
	assert.Equal(t, CredentialKey("a", "b"), CredentialKey("a", "b"))
	assert.NotEqual(t, CredentialKey("a", "b"), CredentialKey("a", "c"))
	assert.NotContains(t, CredentialKey("user", "secret"), "secret")
}
