// outbox.go — 每连接一个的无界 FIFO 响应队列。
package wsapi

import (
	"sync"
	"time"

	"github.com/multi-agent/shellgui/internal/protocol"
)

// outbox 多生产者单消费者队列。入队顺序即投递顺序, 无容量上限, push 不阻塞。
type outbox struct {
	mu     sync.Mutex
	items  []protocol.Response
	notify chan struct{}
	closed bool
}

func newOutbox() *outbox {
	return &outbox{notify: make(chan struct{}, 1)}
}

// push 入队。队列关闭后返回 false, 消息被丢弃。
func (o *outbox) push(r protocol.Response) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.items = append(o.items, r)
	o.mu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

// pop 取队首; 队列为空时最多等待 wait, 超时返回 false。
// 残留的唤醒信号不会提前结束等待, 只有截止时间或队列关闭才会。
func (o *outbox) pop(wait time.Duration) (protocol.Response, bool) {
	var timer *time.Timer
	for {
		if r, ok := o.take(); ok {
			if timer != nil {
				timer.Stop()
			}
			return r, true
		}
		if o.isClosed() {
			return nil, false
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		}
		select {
		case <-o.notify:
		case <-timer.C:
			return nil, false
		}
	}
}

func (o *outbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *outbox) take() (protocol.Response, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return nil, false
	}
	r := o.items[0]
	o.items[0] = nil
	o.items = o.items[1:]
	return r, true
}

// close 拒绝后续入队。已入队的消息仍可取出。
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
