package shell

import "sync"

// History 环形缓冲区, 保留模块会话最近的输出。实现 io.Writer。
type History struct {
	mu    sync.Mutex
	data  []byte
	limit int
}

// NewHistory 创建容量为 maxLines 行的缓冲区 (按每行约 80 字节折算为字节上限)。
func NewHistory(maxLines int) *History {
	return &History{
		data:  make([]byte, 0, maxLines*80),
		limit: maxLines * 80,
	}
}

// Write 追加数据, 超出容量时左移丢弃最旧的字节 (复用底层数组)。
func (h *History) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.data = append(h.data, p...)
	if len(h.data) > h.limit {
		excess := len(h.data) - h.limit
		n := copy(h.data, h.data[excess:])
		h.data = h.data[:n]
	}
	return len(p), nil
}

// Bytes 返回内容副本。
func (h *History) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]byte, len(h.data))
	copy(out, h.data)
	return out
}

func (h *History) String() string { return string(h.Bytes()) }

// Reset 清空。
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = h.data[:0]
}
