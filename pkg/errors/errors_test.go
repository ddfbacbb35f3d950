// errors_test.go — 验证 AppError / Wrap / Wrapf 的行为契约。
package errors

import (
	"errors"
	"io"
	"strings"
	"testing"
)

// TestWrapUnwrap 验证 Wrap 保留原始错误链，errors.Is 和 errors.As 正常工作。
func TestWrapUnwrap(t *testing.T) {
	original := ErrNotFound
	wrapped := Wrap(original, "Store.Get", "user not found")

	// errors.Is 能通过 Wrap 找到哨兵错误
	if !errors.Is(wrapped, ErrNotFound) {
		t.Errorf("errors.Is(wrapped, ErrNotFound) = false, want true")
	}

	// errors.Is 对不相关错误返回 false
	if errors.Is(wrapped, ErrTimeout) {
		t.Errorf("errors.Is(wrapped, ErrTimeout) = true, want false")
	}

	// errors.As 能提取 AppError
	var appErr *AppError
	if !errors.As(wrapped, &appErr) {
		t.Fatalf("errors.As failed to extract *AppError")
	}
	if appErr.Op != "Store.Get" {
		t.Errorf("Op = %q, want %q", appErr.Op, "Store.Get")
	}
	if appErr.Message != "user not found" {
		t.Errorf("Message = %q, want %q", appErr.Message, "user not found")
	}
}

// TestWrapErrorString 验证 Error() 输出包含 op、message 和 cause。
func TestWrapErrorString(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	wrapped := Wrap(cause, "Service.Read", "read failed")

	s := wrapped.Error()
	for _, want := range []string{"Service.Read", "read failed", "unexpected EOF"} {
		if !strings.Contains(s, want) {
			t.Errorf("Error() = %q, missing %q", s, want)
		}
	}
}

// TestWrapfFormat 验证 Wrapf 格式化消息。
func TestWrapfFormat(t *testing.T) {
	cause := ErrInvalidInput
	wrapped := Wrapf(cause, "API.Validate", "field %s invalid: %d", "age", -1)

	var appErr *AppError
	if !errors.As(wrapped, &appErr) {
		t.Fatal("errors.As failed")
	}
	if !strings.Contains(appErr.Message, "field age invalid: -1") {
		t.Errorf("Message = %q, want to contain 'field age invalid: -1'", appErr.Message)
	}
}

// TestNewWithoutCause 验证 New 创建无 cause 的错误。
func TestNewWithoutCause(t *testing.T) {
	err := New("Init", "failed to start")
	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatal("errors.As failed")
	}
	if appErr.Err != nil {
		t.Errorf("Err = %v, want nil", appErr.Err)
	}
	// Unwrap 返回 nil
	if errors.Unwrap(err) != nil {
		t.Errorf("Unwrap = %v, want nil", errors.Unwrap(err))
	}
}

// TestDoubleWrap 验证二次包装时 errors.Is 仍能找到最深层哨兵。
func TestDoubleWrap(t *testing.T) {
	inner := Wrap(ErrNotFound, "Store.Get", "row missing")
	outer := Wrap(inner, "Service.FindUser", "user lookup failed")

	if !errors.Is(outer, ErrNotFound) {
		t.Error("errors.Is(outer, ErrNotFound) = false after double wrap")
	}

	var appErr *AppError
	if !errors.As(outer, &appErr) {
		t.Fatal("errors.As failed on outer")
	}
	if appErr.Op != "Service.FindUser" {
		t.Errorf("Op = %q, want Service.FindUser", appErr.Op)
	}
}

// TestWithDataMerge 验证 WithData 合并到 AppError 副本，原错误不变。
func TestWithDataMerge(t *testing.T) {
	base := &AppError{Op: "Db.Execute", Message: "query failed", Data: map[string]any{"code": 1146}}
	withData := WithData(base, map[string]any{"sql_state": "42S02"})

	data := DataOf(withData)
	if data["code"] != 1146 || data["sql_state"] != "42S02" {
		t.Errorf("DataOf = %v, want code and sql_state", data)
	}
	if _, ok := base.Data["sql_state"]; ok {
		t.Error("WithData mutated the original AppError")
	}
}

// TestWithDataPlainError 验证普通错误也能携带 Data 且保留错误链。
func TestWithDataPlainError(t *testing.T) {
	err := WithData(io.EOF, map[string]any{"row": 3})
	if !errors.Is(err, io.EOF) {
		t.Error("errors.Is(err, io.EOF) = false")
	}
	if err.Error() != io.EOF.Error() {
		t.Errorf("Error() = %q, want %q", err.Error(), io.EOF.Error())
	}
	if DataOf(err)["row"] != 3 {
		t.Errorf("DataOf = %v", DataOf(err))
	}
	if WithData(nil, map[string]any{"x": 1}) != nil {
		t.Error("WithData(nil) should be nil")
	}
}

// TestMessageDropsOp 验证 Message 去掉 Op 前缀，保留原因链。
func TestMessageDropsOp(t *testing.T) {
	inner := New("Registry.Get", "no such module session")
	outer := Wrap(inner, "Dispatch.Execute", "cannot resolve session")
	if got := Message(outer); got != "cannot resolve session: no such module session" {
		t.Errorf("Message = %q", got)
	}
	if got := Message(io.EOF); got != "EOF" {
		t.Errorf("Message(io.EOF) = %q", got)
	}
}

// TestCodeOf 验证 CodeOf 返回链上第一个错误码。
func TestCodeOf(t *testing.T) {
	err := Wrap(WithCode(ErrTimeout, "Session.LockUsage", CodeDB, "lock"), "Dispatch.run", "worker")
	if got := CodeOf(err); got != CodeDB {
		t.Errorf("CodeOf = %q, want %q", got, CodeDB)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout) = false")
	}
}

// TestMessageSkipsSentinel 哨兵错误只用于分类, 不拼入客户端消息。
func TestMessageSkipsSentinel(t *testing.T) {
	err := WithCode(ErrNotFound, "ProfileStore.Get", CodeValidation, "profile 3 not found")
	if got := Message(err); got != "profile 3 not found" {
		t.Errorf("Message = %q", got)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("sentinel should stay in the chain")
	}
	if got := Message(Wrap(err, "Dispatch.run", "")); got != "profile 3 not found" {
		t.Errorf("Message(wrapped) = %q", got)
	}
}
