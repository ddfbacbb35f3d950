// sql_safety.go — 插件命令执行用户 SQL 前的安全验证。
//
//	StripSQLLiterals        去除字符串字面量
//	ValidateSingleStatement 单语句
//	FirstSQLKeyword         首关键词
//	ValidateReadOnlyQuery   只读查询
//	ValidateExecuteQuery    白名单变更语句
package store

import (
	"regexp"
	"strings"
)

var (
	// 去除 SQL 字符串字面量 (单引号包裹), 避免 WHERE x = 'DROP TABLE' 误报。
	reLiteral = regexp.MustCompile(`'[^']*'`)

	// 注释: 行注释与块注释。
	reComment = regexp.MustCompile(`(?s)--[^\n]*|/\*.*?\*/`)

	// SQL 首关键词提取 (跳过前导括号)。
	reFirstKeyword = regexp.MustCompile(`(?i)^[\s(]*(\w+)`)

	// 写入关键词 (在去除字面量后检测)。ATTACH / PRAGMA 赋值对嵌入式后端同样是写入。
	reWriteKeywords = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|MERGE|UPSERT|CREATE|ALTER|DROP|TRUNCATE|GRANT|REVOKE|ATTACH|DETACH|VACUUM)\b|\bREPLACE\s+INTO\b|\bPRAGMA\b[^;]*=`)

	// 危险执行关键词。
	reDangerousExec = regexp.MustCompile(`(?i)\b(DROP|TRUNCATE|ALTER|GRANT|REVOKE|CREATE\s+DATABASE|CREATE\s+SCHEMA)\b`)

	// 执行白名单 (首关键词必须是这些)。
	executeWhitelist = map[string]bool{
		"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
	}

	// 分号分割语句。
	reSemicolon = regexp.MustCompile(`;\s*$`)
)

// StripSQLLiterals 去除 SQL 字符串字面量与注释, 避免在内容 'DROP TABLE' 上误报。
func StripSQLLiterals(sql string) string {
	return reComment.ReplaceAllString(reLiteral.ReplaceAllString(sql, "''"), " ")
}

// ValidateSingleStatement 验证只包含单条 SQL。
func ValidateSingleStatement(sql string) error {
	// 去除末尾分号后，若还有分号则为多语句
	trimmed := strings.TrimSpace(StripSQLLiterals(sql))
	trimmed = reSemicolon.ReplaceAllString(trimmed, "")
	if strings.Contains(trimmed, ";") {
		return ErrMultiStatement
	}
	return nil
}

// FirstSQLKeyword 提取 SQL 首关键词。
func FirstSQLKeyword(sql string) string {
	if m := reFirstKeyword.FindStringSubmatch(sql); len(m) == 2 {
		return strings.ToUpper(m[1])
	}
	return ""
}

// ValidateReadOnlyQuery 验证只读查询。
// 先去除字面量再检测写入关键词。
func ValidateReadOnlyQuery(sql string) error {
	if err := ValidateSingleStatement(sql); err != nil {
		return err
	}
	stripped := StripSQLLiterals(sql)
	if reWriteKeywords.MatchString(stripped) {
		return ErrReadOnlyViolation
	}
	return nil
}

// ValidateExecuteQuery 验证执行语句。
// 白名单首关键词 + 危险模式检测。
func ValidateExecuteQuery(sql string) error {
	if err := ValidateSingleStatement(sql); err != nil {
		return err
	}
	keyword := FirstSQLKeyword(StripSQLLiterals(sql))
	if !executeWhitelist[keyword] {
		return ErrDangerousSQL
	}
	stripped := StripSQLLiterals(sql)
	if reDangerousExec.MatchString(stripped) {
		return ErrDangerousSQL
	}
	return nil
}
