// Package errors 提供统一错误类型与哨兵错误。
//
// 三层体系:
//   - L1 哨兵错误: ErrNotFound / ErrInvalidInput / ErrCancelled 等
//   - L2 AppError: 带 Op + Code + Message 的应用级错误
//   - L3 Data: 附加到 AppError 的结构化上下文, 随 ERROR 响应下发给客户端
package errors

import (
	"errors"
	"fmt"
	"maps"
)

// ========================================
// L1 哨兵错误 (Sentinel Errors)
// ========================================

var (
	// ErrNotFound 资源不存在
	ErrNotFound = Sentinel("not found")

	// ErrInvalidInput 输入参数无效
	ErrInvalidInput = Sentinel("invalid input")

	// ErrUnauthorized 未认证
	ErrUnauthorized = Sentinel("unauthorized")

	// ErrForbidden 已认证但无权限
	ErrForbidden = Sentinel("forbidden")

	// ErrInternal 内部错误
	ErrInternal = Sentinel("internal error")

	// ErrTimeout 操作超时
	ErrTimeout = Sentinel("timeout")

	// ErrCancelled 请求被取消 (用户取消 / prompt 放弃)
	ErrCancelled = Sentinel("cancelled")

	// ErrNotConnected 数据库会话未连接
	ErrNotConnected = Sentinel("not connected")

	// ErrRowMissing 数据库查询未返回预期行
	ErrRowMissing = Sentinel("row missing")
)

// sentinel 分类用哨兵错误, 只参与 errors.Is, 不进入客户端消息。
type sentinel struct{ msg string }

func (e *sentinel) Error() string { return e.msg }

// Sentinel 创建哨兵错误。各包的分类错误都应以此创建。
func Sentinel(msg string) error { return &sentinel{msg: msg} }

// 错误码。
const (
	CodeProtocol     = "PROTOCOL"
	CodeAuth         = "AUTH"
	CodeForbidden    = "FORBIDDEN"
	CodeResolution   = "RESOLUTION"
	CodeExecution    = "EXECUTION"
	CodeCancelled    = "CANCELLED"
	CodeDB           = "DB_ERROR"
	CodeDBConnection = "DB_CONNECTION"
	CodeValidation   = "VALIDATION"
)

// ========================================
// L2 AppError (应用级错误)
// ========================================

// AppError 应用级错误，带操作上下文。
type AppError struct {
	Op      string         // 操作名，如 "Store.InsertSession"
	Code    string         // 错误码，如 "DB_ERROR"、"VALIDATION"
	Message string         // 人类可读消息
	Err     error          // 原始错误
	Data    map[string]any // 附加结构化数据
}

// Error 实现 error 接口。
func (e *AppError) Error() string {
	switch {
	case e.Op == "" && e.Message == "" && e.Err != nil:
		return e.Err.Error()
	case e.Op == "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Op == "":
		return e.Message
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 链式查找。
func (e *AppError) Unwrap() error {
	return e.Err
}

// ========================================
// 工厂函数
// ========================================

// New 创建无原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf 创建带格式化消息的应用错误。
func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误并附加操作上下文。
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 用格式化消息包装错误。
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithCode 包装错误并附加错误码。
func WithCode(err error, op, code, message string) error {
	return &AppError{Op: op, Code: code, Message: message, Err: err}
}

// WithData 为错误附加结构化数据。err 已是 *AppError 时合并到副本上。
func WithData(err error, data map[string]any) error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*AppError); ok {
		cp := *ae
		cp.Data = make(map[string]any, len(ae.Data)+len(data))
		maps.Copy(cp.Data, ae.Data)
		maps.Copy(cp.Data, data)
		return &cp
	}
	return &AppError{Err: err, Data: data}
}

// DataOf 收集错误链上所有 AppError 的 Data (外层优先)。
func DataOf(err error) map[string]any {
	var out map[string]any
	for err != nil {
		if ae, ok := err.(*AppError); ok && len(ae.Data) > 0 {
			if out == nil {
				out = make(map[string]any, len(ae.Data))
			}
			for k, v := range ae.Data {
				if _, exists := out[k]; !exists {
					out[k] = v
				}
			}
		}
		err = errors.Unwrap(err)
	}
	return out
}

// CodeOf 返回错误链上第一个非空错误码。
func CodeOf(err error) string {
	for err != nil {
		if ae, ok := err.(*AppError); ok && ae.Code != "" {
			return ae.Code
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// Message 返回面向客户端的消息: 去掉 Op, 保留 Message 链与底层原因。
// 作为分类标记的哨兵错误不出现在消息中。
func Message(err error) string {
	ae, ok := err.(*AppError)
	if !ok {
		if err == nil {
			return ""
		}
		return err.Error()
	}
	switch {
	case ae.Err == nil || (ae.Message != "" && isSentinel(ae.Err)):
		return ae.Message
	case ae.Message == "":
		return Message(ae.Err)
	}
	return ae.Message + ": " + Message(ae.Err)
}

func isSentinel(err error) bool {
	_, ok := err.(*sentinel)
	return ok
}
