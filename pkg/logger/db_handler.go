package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LogEntry 对应 log 表的一行。
type LogEntry struct {
	Ts          time.Time
	Level       string
	Logger      string
	Message     string
	Source      string
	Component   string
	SessionUUID string
	RequestID   string
	Command     string
	DurationMS  *int
	Extra       map[string]any
}

// LogSink 日志持久化目标 (由 store 实现, 写入后端数据库 log 表)。
type LogSink interface {
	WriteLogs(ctx context.Context, entries []LogEntry) error
}

// ========================================
// DBHandler — slog.Handler → LogSink 异步批量写入
// ========================================

const (
	bufSize    = 1024
	batchSize  = 100
	flushDelay = 500 * time.Millisecond
)

// DBHandler 实现 slog.Handler，将日志异步批量写入 LogSink。
type DBHandler struct {
	sink  LogSink
	buf   chan LogEntry
	attrs []slog.Attr
	group string
	level slog.Level
	done  chan struct{}
	// closed 在 handler clone(WithAttrs/WithGroup) 间共享，避免 shutdown 后继续写入已关闭通道 panic。
	closed *atomic.Bool
}

// NewDBHandler 创建并启动后台写入 goroutine。
func NewDBHandler(sink LogSink, level slog.Level) *DBHandler {
	h := &DBHandler{
		sink:   sink,
		buf:    make(chan LogEntry, bufSize),
		level:  level,
		done:   make(chan struct{}),
		closed: &atomic.Bool{},
	}
	go h.consumeLoop()
	return h
}

// Enabled 实现 slog.Handler。
func (h *DBHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle 实现 slog.Handler — 构造 LogEntry 推入异步缓冲。
func (h *DBHandler) Handle(_ context.Context, r slog.Record) error {
	if h.closed != nil && h.closed.Load() {
		return nil
	}

	entry := LogEntry{
		Ts:      r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}

	// 收集 With() 的固定 attrs
	for _, a := range h.attrs {
		applyAttr(&entry, a)
	}

	// 收集 Record 上的 attrs
	r.Attrs(func(a slog.Attr) bool {
		applyAttr(&entry, a)
		return true
	})

	// 非阻塞推入 — chan 满时 drop
	func() {
		defer func() {
			if recover() != nil {
				// shutdown 期间通道被关闭: 丢弃该条日志，避免 panic 影响主流程。
			}
		}()
		select {
		case h.buf <- entry:
		default:
			// drop: 避免 DB 慢时阻塞主流程
		}
	}()
	return nil
}

// WithAttrs 实现 slog.Handler。
func (h *DBHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &DBHandler{
		sink:   h.sink,
		buf:    h.buf,
		attrs:  newAttrs,
		group:  h.group,
		level:  h.level,
		done:   h.done,
		closed: h.closed,
	}
}

// WithGroup 实现 slog.Handler。
func (h *DBHandler) WithGroup(name string) slog.Handler {
	return &DBHandler{
		sink:   h.sink,
		buf:    h.buf,
		attrs:  h.attrs,
		group:  name,
		level:  h.level,
		done:   h.done,
		closed: h.closed,
	}
}

// Shutdown 停止后台 goroutine 并 flush 剩余日志。
func (h *DBHandler) Shutdown() {
	if h.closed != nil && !h.closed.CompareAndSwap(false, true) {
		return
	}
	close(h.buf)
	<-h.done
}

// consumeLoop 后台批量消费 chan → INSERT。
func (h *DBHandler) consumeLoop() {
	defer close(h.done)

	batch := make([]LogEntry, 0, batchSize)
	ticker := time.NewTicker(flushDelay)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-h.buf:
			if !ok {
				// chan 关闭: flush 剩余
				if len(batch) > 0 {
					h.flush(batch)
				}
				return
			}
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush 批量写入 sink。失败仅输出到原始 handler, 不影响主流程。
func (h *DBHandler) flush(batch []LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make([]LogEntry, len(batch))
	copy(out, batch)
	if err := h.sink.WriteLogs(ctx, out); err != nil {
		if base := baseLogger.Load(); base != nil {
			base.Warn("db_handler: flush failed", FieldError, err, FieldCount, len(out))
		}
	}
}

// applyAttr 将 slog.Attr 映射到 LogEntry 的结构化字段。
func applyAttr(e *LogEntry, a slog.Attr) {
	switch a.Key {
	case FieldSource:
		e.Source = a.Value.String()
	case FieldComponent:
		e.Component = a.Value.String()
	case FieldSessionUUID:
		e.SessionUUID = a.Value.String()
	case FieldRequestID:
		e.RequestID = a.Value.String()
	case FieldCommand:
		e.Command = a.Value.String()
	case FieldDuration:
		switch v := a.Value.Any().(type) {
		case int64:
			ms := int(v)
			e.DurationMS = &ms
		case int:
			ms := v
			e.DurationMS = &ms
		case float64:
			ms := int(v)
			e.DurationMS = &ms
		case time.Duration:
			ms := int(v.Milliseconds())
			e.DurationMS = &ms
		}
	case "logger":
		e.Logger = a.Value.String()
	default:
		if e.Extra == nil {
			e.Extra = make(map[string]any)
		}
		e.Extra[a.Key] = a.Value.Any()
	}
}

// ========================================
// MultiHandler — 同时写多个 Handler (TextHandler + DBHandler)
// ========================================

// MultiHandler 扇出日志到多个 slog.Handler。
type MultiHandler struct {
	handlers []slog.Handler
}

// NewMultiHandler 创建多路 Handler。
func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

// Enabled 只要有一个 Handler 接受该级别就返回 true。
func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle 分发到所有 Handler。
func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r)
		}
	}
	return nil
}

// WithAttrs 对所有 Handler 调用 WithAttrs。
func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: handlers}
}

// WithGroup 对所有 Handler 调用 WithGroup。
func (m *MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: handlers}
}

// ========================================
// AttachDBHandler — 后端数据库就绪后动态挂载
// ========================================

var (
	dbHandler atomic.Pointer[DBHandler]
	// baseLogger 挂载前的原始日志器, flush 失败时用它报告, 避免写回 DBHandler 自身。
	baseLogger atomic.Pointer[slog.Logger]
	attachMu   sync.Mutex
)

// AttachDBHandler 在后端数据库打开后调用，将 DBHandler 作为第二路 Handler 挂载。
// 调用前的日志只写 stdout; 调用后开始双写。重复调用会先关闭旧的 DBHandler。
func AttachDBHandler(sink LogSink) {
	attachMu.Lock()
	defer attachMu.Unlock()

	base := baseLogger.Load()
	if old := dbHandler.Swap(nil); old != nil {
		old.Shutdown()
	} else {
		base = getLogger()
		baseLogger.Store(base)
	}

	h := NewDBHandler(sink, level.Level())
	dbHandler.Store(h)
	storeLogger(slog.New(NewMultiHandler(base.Handler(), h)))
}

// ShutdownDBHandler 关闭 DBHandler, flush 剩余日志并恢复原始日志器。
func ShutdownDBHandler() {
	attachMu.Lock()
	defer attachMu.Unlock()

	if h := dbHandler.Swap(nil); h != nil {
		h.Shutdown()
	}
	if base := baseLogger.Swap(nil); base != nil {
		storeLogger(base)
	}
}
