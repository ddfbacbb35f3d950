// prompt.go — 服务端发起的 prompt 往返: 每个 request_id 至多一个待回复的 prompt。
package wsapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/multi-agent/shellgui/internal/protocol"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
)

var (
	// ErrPromptPending 同一请求已有未回复的 prompt。
	ErrPromptPending = apperrors.Sentinel("prompt already pending")
	// ErrUnexpectedPrompt prompt_reply 找不到对应的 prompt (迟到或重复)。
	ErrUnexpectedPrompt = apperrors.Sentinel("unexpected prompt reply")
)

// promptTable request_id → 一次性回复通道。
type promptTable struct {
	mu      sync.Mutex
	pending map[string]chan protocol.PromptReply
	closed  bool
}

func newPromptTable() *promptTable {
	return &promptTable{pending: make(map[string]chan protocol.PromptReply)}
}

func (t *promptTable) open(requestID string) (chan protocol.PromptReply, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, apperrors.WithCode(apperrors.ErrCancelled, "Prompt.open", apperrors.CodeCancelled,
			"The connection is closing.")
	}
	if _, busy := t.pending[requestID]; busy {
		return nil, apperrors.WithCode(ErrPromptPending, "Prompt.open", apperrors.CodeValidation,
			fmt.Sprintf("A prompt is already pending for request_id='%s'", requestID))
	}
	ch := make(chan protocol.PromptReply, 1)
	t.pending[requestID] = ch
	return ch, nil
}

// resolve 取出并投递回复。没有对应 prompt 时返回 ErrUnexpectedPrompt。
func (t *promptTable) resolve(requestID string, reply protocol.PromptReply) error {
	t.mu.Lock()
	ch, ok := t.pending[requestID]
	delete(t.pending, requestID)
	t.mu.Unlock()
	if !ok {
		return apperrors.WithCode(ErrUnexpectedPrompt, "Prompt.resolve", apperrors.CodeProtocol,
			fmt.Sprintf("Unexpected prompt for request_id='%s'", requestID))
	}
	ch <- reply
	return nil
}

// drop 移除 (超时或放弃的) prompt。返回是否仍在表中。
func (t *promptTable) drop(requestID string, ch chan protocol.PromptReply) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.pending[requestID]; ok && cur == ch {
		delete(t.pending, requestID)
		return true
	}
	return false
}

// failAll 以 CANCEL 回复所有待回复的 prompt, 并拒绝新的 prompt。返回回复的个数。
func (t *promptTable) failAll() int {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]chan protocol.PromptReply)
	t.closed = true
	t.mu.Unlock()
	for _, ch := range pending {
		ch <- protocol.PromptReply{Type: protocol.ReplyCancel}
	}
	return len(pending)
}

func (t *promptTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// wait 等待回复, 超时或 ctx 结束视为放弃并返回 ErrCancelled。
// 客户端主动回复 CANCEL 不是错误, 由调用方检查 reply.Cancelled()。
func (t *promptTable) wait(ctx context.Context, requestID string, ch chan protocol.PromptReply, timeout time.Duration) (protocol.PromptReply, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if !t.drop(requestID, ch) {
		// 回复与超时同时到达: 回复已在通道中。
		return <-ch, nil
	}
	return protocol.PromptReply{}, apperrors.WithCode(apperrors.ErrCancelled, "Prompt.wait", apperrors.CodeCancelled,
		fmt.Sprintf("Prompt abandoned: no reply for request_id='%s' within %s.", requestID, timeout))
}
