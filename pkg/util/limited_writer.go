package util

import "io"

// LimitedWriter 最多向下游转发 limit 字节, 其余丢弃并计数。
//
// Write 总是报告 len(p): 丢弃的部分同样算作"已处理", 调用方 (shell 输出上限)
// 不会因截断看到 short write。下游写失败时原样返回其 n 与 err。
type LimitedWriter struct {
	w         io.Writer
	limit     int64
	written   int64
	discarded int64
}

// NewLimitedWriter 创建上限为 limit 字节的 LimitedWriter。limit <= 0 时丢弃全部输入。
func NewLimitedWriter(w io.Writer, limit int64) *LimitedWriter {
	return &LimitedWriter{w: w, limit: max(limit, 0)}
}

func (lw *LimitedWriter) Write(p []byte) (int, error) {
	keep := min(int64(len(p)), lw.limit-lw.written)
	if keep > 0 {
		n, err := lw.w.Write(p[:keep])
		lw.written += int64(n)
		if err != nil {
			return n, err
		}
	}
	lw.discarded += int64(len(p)) - max(keep, 0)
	return len(p), nil
}

// Overflow 是否已有字节因超限被丢弃。恰好写满不算。
func (lw *LimitedWriter) Overflow() bool { return lw.discarded > 0 }

// Written 转发给下游的字节数。
func (lw *LimitedWriter) Written() int64 { return lw.written }

// Discarded 被丢弃的字节数。
func (lw *LimitedWriter) Discarded() int64 { return lw.discarded }
