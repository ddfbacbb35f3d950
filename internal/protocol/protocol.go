// Package protocol WebSocket JSON 协议类型。
//
//	Request:  {"request":"execute", "request_id":"r1", "command":"gui.core.ping", "args":{...}, "kwargs":{...}}
//	Response: {"request_state":{"type":"OK","msg":"..."}, "request_id":"r1", ...附加键}
//	Terminal: 流式命令的终止响应额外带 "done": true
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	apperrors "github.com/multi-agent/shellgui/pkg/errors"
)

// 入站请求类型。
const (
	RequestAuthenticate = "authenticate"
	RequestLogout       = "logout"
	RequestExecute      = "execute"
	RequestCancel       = "cancel"
	RequestPromptReply  = "prompt_reply"
)

// State 响应状态。
type State string

const (
	StateOK        State = "OK"
	StateError     State = "ERROR"
	StatePending   State = "PENDING"
	StateCancelled State = "CANCELLED"
)

// Terminal 终止状态发送后请求即结束。
func (s State) Terminal() bool {
	return s == StateOK || s == StateError || s == StateCancelled
}

// 响应中的保留键。
const (
	KeyRequestState = "request_state"
	KeyRequestID    = "request_id"
	KeyDone         = "done"
	KeyResult       = "result"
)

// ========================================
// 出站
// ========================================

// Response 出站消息。附加键与 request_state 平级。
type Response map[string]any

// NewResponse 构造标准信封。extra 中的保留键会被覆盖。
func NewResponse(state State, msg, requestID string, extra map[string]any) Response {
	r := make(Response, len(extra)+2)
	for k, v := range extra {
		r[k] = Normalize(v)
	}
	r[KeyRequestState] = map[string]any{"type": string(state), "msg": msg}
	if requestID != "" {
		r[KeyRequestID] = requestID
	}
	return r
}

// OK 成功响应。
func OK(requestID, msg string, extra map[string]any) Response {
	return NewResponse(StateOK, msg, requestID, extra)
}

// Pending 中间响应。
func Pending(requestID, msg string, extra map[string]any) Response {
	return NewResponse(StatePending, msg, requestID, extra)
}

// Done 流式命令的终止 OK。
func Done(requestID string) Response {
	return NewResponse(StateOK, "", requestID, map[string]any{KeyDone: true})
}

// Error 错误响应。
func Error(requestID, msg string, extra map[string]any) Response {
	return NewResponse(StateError, msg, requestID, extra)
}

// Cancelled 取消响应。
func Cancelled(requestID, msg string) Response {
	return NewResponse(StateCancelled, msg, requestID, map[string]any{KeyDone: true})
}

// FromError 按错误类型生成响应: ErrCancelled → CANCELLED, 其余 → ERROR。
// msg 为面向客户端的消息链, 结构化数据 (apperrors.WithData) 作为附加键。
func FromError(requestID string, err error) Response {
	msg := apperrors.Message(err)
	if errors.Is(err, apperrors.ErrCancelled) {
		return NewResponse(StateCancelled, msg, requestID, mergeDone(apperrors.DataOf(err)))
	}
	return NewResponse(StateError, msg, requestID, apperrors.DataOf(err))
}

func mergeDone(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out[KeyDone] = true
	return out
}

// Envelope 包装任意负载: 已含 request_state 的 map 原样转发, 否则按 PENDING/OK 包装到 result。
// 转发的是副本, 调用方的 map 不会被补写 request_id。
func Envelope(state State, requestID string, payload any) Response {
	if m, ok := payload.(map[string]any); ok {
		if _, built := m[KeyRequestState]; built {
			r := make(Response, len(m)+1)
			maps.Copy(r, m)
			if _, has := r[KeyRequestID]; !has && requestID != "" {
				r[KeyRequestID] = requestID
			}
			return r
		}
	}
	if r, ok := payload.(Response); ok {
		return Envelope(state, requestID, map[string]any(r))
	}
	return NewResponse(state, "", requestID, map[string]any{KeyResult: payload})
}

// RequestID 响应关联的请求 id。
func (r Response) RequestID() string {
	s, _ := r[KeyRequestID].(string)
	return s
}

// State 响应状态; 信封缺失时 ok=false。
func (r Response) State() (State, bool) {
	switch rs := r[KeyRequestState].(type) {
	case map[string]any:
		t, ok := rs["type"].(string)
		return State(t), ok
	case map[string]string:
		t, ok := rs["type"]
		return State(t), ok
	}
	return "", false
}

// Msg 响应消息文本。
func (r Response) Msg() string {
	if rs, ok := r[KeyRequestState].(map[string]any); ok {
		s, _ := rs["msg"].(string)
		return s
	}
	return ""
}

// IsTerminal 是否为终止响应。
func (r Response) IsTerminal() bool {
	st, ok := r.State()
	return ok && st.Terminal()
}

// Normalize 将值转为纯 JSON 类型: []byte → base64 文本, 其它非基本类型经 JSON 往返。
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return v
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Normalize(val)
		}
		return out
	case Response:
		return Normalize(map[string]any(x))
	case error:
		return x.Error()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}

// ========================================
// 入站
// ========================================

// Request 入站消息。Fields 为完整解码结果 (含命令专属字段)。
type Request struct {
	Request   string
	RequestID string
	Fields    map[string]any
}

// ErrMalformed 入站消息不合法。
var ErrMalformed = apperrors.Sentinel("malformed request")

// ParseRequest 解码并校验入站消息: 必须是 JSON 对象, 含非空 request_id 与 request。
// 校验失败时返回的 Request 仍携带可提取的 request_id。
func ParseRequest(data []byte) (*Request, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return &Request{}, apperrors.WithCode(ErrMalformed, "Protocol.Parse", apperrors.CodeProtocol,
			"The message is not a valid JSON object")
	}
	req := &Request{Fields: fields}
	req.RequestID, _ = fields[KeyRequestID].(string)
	req.Request, _ = fields["request"].(string)
	if strings.TrimSpace(req.RequestID) == "" {
		return req, apperrors.WithCode(ErrMalformed, "Protocol.Parse", apperrors.CodeProtocol,
			"No request_id given. Please provide the request_id.")
	}
	if req.Request == "" {
		return req, apperrors.WithCode(ErrMalformed, "Protocol.Parse", apperrors.CodeProtocol,
			"No request given. Please provide the request type.")
	}
	return req, nil
}

// String 读取字符串字段。
func (r *Request) String(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// Map 读取对象字段, 缺失返回 nil。
func (r *Request) Map(key string) (map[string]any, error) {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, apperrors.WithCode(apperrors.ErrInvalidInput, "Protocol.Field", apperrors.CodeProtocol,
			fmt.Sprintf("The '%s' field must be a JSON object", key))
	}
	return m, nil
}

// ========================================
// prompt 往返
// ========================================

// Prompt 服务端在命令执行中向客户端提出的问题。
type Prompt struct {
	Type    string   `json:"type"` // text / password / confirm / select
	Prompt  string   `json:"prompt"`
	Title   string   `json:"title,omitempty"`
	Options []string `json:"options,omitempty"`
	Default string   `json:"default,omitempty"`
}

// prompt 回复类型。
const (
	ReplyOK     = "OK"
	ReplyCancel = "CANCEL"
)

// PromptReply 客户端的 prompt_reply。
type PromptReply struct {
	Type  string `json:"type"`
	Reply any    `json:"reply"`
}

// Cancelled 客户端放弃回答。
func (p PromptReply) Cancelled() bool { return strings.EqualFold(p.Type, ReplyCancel) }

// Text 回复的字符串形式。
func (p PromptReply) Text() string {
	switch v := p.Reply.(type) {
	case string:
		return v
	case nil:
		return ""
	}
	return fmt.Sprint(p.Reply)
}

// ParsePromptReply 从入站请求读取回复。缺省 type 视为 OK。
func ParsePromptReply(r *Request) PromptReply {
	t := r.String("type")
	if t == "" {
		t = ReplyOK
	}
	return PromptReply{Type: t, Reply: r.Fields["reply"]}
}

// PromptMessage 发给客户端的 prompt 中间响应。
func PromptMessage(requestID string, p Prompt) Response {
	return Pending(requestID, "Executing...", map[string]any{KeyResult: map[string]any{"prompt": p}})
}
