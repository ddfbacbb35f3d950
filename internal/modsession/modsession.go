// Package modsession 模块会话与请求注册表。
//
// 模块会话是绑定到一个后端能力 (SQL 编辑器, 交互 shell) 与一个连接的有状态句柄。
// Registry 按连接持有:
//   - 模块会话表: module_session_id → Session
//   - 请求表:     request_id → module_session_id, 用于取消路由与关闭时清理
package modsession

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/multi-agent/shellgui/internal/dbsession"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
)

// ErrNoSuchModuleSession 模块会话不存在。
var ErrNoSuchModuleSession = apperrors.Sentinel("no such module session")

// Session 模块会话。
type Session interface {
	ID() string
	Close() error
}

// Canceller 支持取消进行中请求的模块会话。取消是协作式的。
type Canceller interface {
	CancelRequest(requestID string) error
}

// DBProvider 持有数据库子会话的模块会话。
// UserSession 可为 nil (只有服务子会话)。
type DBProvider interface {
	ServiceSession() *dbsession.Session
	UserSession() *dbsession.Session
}

// ========================================
// Base — 模块会话公共部分
// ========================================

// Base 生成 id 并保证关闭只执行一次。具体模块嵌入后实现 Session。
type Base struct {
	id        string
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewBase 生成新 id (uuid v4)。
func NewBase() Base {
	return Base{id: uuid.NewString(), done: make(chan struct{})}
}

// ID 模块会话 id。
func (b *Base) ID() string { return b.id }

// CloseOnce 执行一次 fn, 之后的调用返回首次结果。
func (b *Base) CloseOnce(fn func() error) error {
	b.closeOnce.Do(func() {
		if fn != nil {
			b.closeErr = fn()
		}
		close(b.done)
	})
	return b.closeErr
}

// Done 关闭后可读。
func (b *Base) Done() <-chan struct{} { return b.done }

// Closed 是否已关闭。
func (b *Base) Closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// ========================================
// Registry
// ========================================

// Registry 连接级注册表。所有读写 (包括成员检查) 走同一把锁。
type Registry struct {
	mu       sync.Mutex
	sessions map[string]Session
	requests map[string]string // request_id → module_session_id
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]Session),
		requests: make(map[string]string),
	}
}

// Register 以会话自身 id 注册。同 id 已存在时报错, 不覆盖。
func (r *Registry) Register(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID()]; exists {
		return apperrors.WithCode(apperrors.ErrInvalidInput, "Registry.Register", apperrors.CodeValidation,
			"module session '"+s.ID()+"' is already registered")
	}
	r.sessions[s.ID()] = s
	return nil
}

// Unregister 移除会话, 并清除所有指向它的请求。返回是否存在。
func (r *Registry) Unregister(s Session) bool {
	return r.UnregisterID(s.ID())
}

// UnregisterID 按 id 移除。
func (r *Registry) UnregisterID(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	for rid, owner := range r.requests {
		if owner == id {
			delete(r.requests, rid)
		}
	}
	return ok
}

// Get 查找会话, 不存在返回 ErrNoSuchModuleSession。
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, apperrors.WithCode(ErrNoSuchModuleSession, "Registry.Get", apperrors.CodeResolution,
			"There is no module session with the id '"+id+"'")
	}
	return s, nil
}

// Drain 原子地取出全部会话并清空两张表。调用方负责逐个关闭。
func (r *Registry) Drain() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.sessions = make(map[string]Session)
	r.requests = make(map[string]string)
	return out
}

// Len 已注册会话数。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// RegisterRequest 将请求绑定到模块会话。会话必须存在, request_id 不得与进行中的请求重复。
func (r *Registry) RegisterRequest(requestID, moduleSessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[moduleSessionID]; !ok {
		return apperrors.WithCode(ErrNoSuchModuleSession, "Registry.RegisterRequest", apperrors.CodeResolution,
			"There is no module session with the id '"+moduleSessionID+"'")
	}
	if _, busy := r.requests[requestID]; busy {
		return apperrors.WithCode(apperrors.ErrInvalidInput, "Registry.RegisterRequest", apperrors.CodeValidation,
			"The request_id '"+requestID+"' is already in use")
	}
	r.requests[requestID] = moduleSessionID
	return nil
}

// UnregisterRequest 解除请求绑定。返回是否存在。
func (r *Registry) UnregisterRequest(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.requests[requestID]
	delete(r.requests, requestID)
	return ok
}

// OwnerOf 返回请求所属的模块会话。
func (r *Registry) OwnerOf(requestID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.requests[requestID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// HasRequest 请求是否仍在表中。
func (r *Registry) HasRequest(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.requests[requestID]
	return ok
}

// CloseAll 取出全部会话并逐个关闭, 返回合并的错误。
func (r *Registry) CloseAll() error {
	var errs []error
	for _, s := range r.Drain() {
		if err := s.Close(); err != nil {
			errs = append(errs, apperrors.Wrapf(err, "Registry.CloseAll", "close module session %s", s.ID()))
		}
	}
	return errors.Join(errs...)
}
