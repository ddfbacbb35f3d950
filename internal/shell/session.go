// Package shell 交互式 shell 模块会话。
//
// 每个会话持有一个常驻的 `<shell> -s` 子进程 (独立进程组), 命令依次写入其 stdin,
// 变量, export 与工作目录在命令之间保留。输出逐行回调给当前请求 (PENDING 流式输出),
// 命令结束由带 token 的标记行界定。
//
// 取消向进程组发送 SIGINT, 只结束当前命令; 命令在 interruptGrace 内仍未结束时
// 改发 SIGKILL, shell 随之退出, 下一条命令在最近的工作目录中重新启动 shell。
package shell

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/multi-agent/shellgui/internal/modsession"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
	"github.com/multi-agent/shellgui/pkg/logger"
	"github.com/multi-agent/shellgui/pkg/util"
)

const (
	// maxOutputBytes 单条命令回传给客户端的输出上限。
	maxOutputBytes = 1 << 20
	historyLines   = 2000
	interruptGrace = 2 * time.Second
)

// Result 命令结束信息。
type Result struct {
	ExitCode  int    `json:"exit_code"`
	Cwd       string `json:"cwd"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Session shell 模块会话。
type Session struct {
	modsession.Base
	shell   string
	history *History
	turn    chan struct{} // 同一 shell 一次只执行一条命令
	seq     atomic.Uint64

	mu      sync.Mutex
	closed  bool
	cwd     string
	proc    *process
	running map[string]*run
}

// New 创建 shell 会话, 由 Open 启动子进程。dir 为空时使用进程当前目录。
func New(shell, dir string) *Session {
	if shell == "" {
		shell = "/bin/sh"
	}
	if dir == "" {
		dir, _ = os.Getwd()
	}
	return &Session{
		Base:    modsession.NewBase(),
		shell:   shell,
		history: NewHistory(historyLines),
		turn:    make(chan struct{}, 1),
		cwd:     dir,
		running: make(map[string]*run),
	}
}

// Open 启动常驻 shell。
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.processLocked()
	return err
}

// processLocked 返回存活的 shell, 已退出时在 s.cwd 重新启动。调用方持有 s.mu。
func (s *Session) processLocked() (*process, error) {
	if s.closed {
		return nil, apperrors.New("ShellSession.process", "The shell session is closed.")
	}
	if s.proc != nil && s.proc.alive() {
		return s.proc, nil
	}
	restarted := s.proc != nil
	p, err := spawn(s.shell, s.cwd, s.ID(), s.history)
	if err != nil {
		return nil, apperrors.Wrapf(err, "ShellSession.process", "The shell %s could not be started.", s.shell)
	}
	s.proc = p
	logger.Info("shell: process started",
		logger.FieldModuleSessionID, s.ID(), logger.FieldPID, p.pgid, "restarted", restarted)
	return p, nil
}

// Cwd 当前工作目录。
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// History 最近输出。
func (s *Session) History() string { return s.history.String() }

// Execute 执行一条命令, 每行输出回调一次 emit。同一会话上的命令排队执行。
// 取消 (CancelRequest / ctx) 时返回 ErrCancelled。
func (s *Session) Execute(ctx context.Context, requestID, command string, emit func(line string)) (*Result, error) {
	const op = "ShellSession.Execute"
	if strings.TrimSpace(command) == "" {
		return nil, apperrors.WithCode(apperrors.ErrInvalidInput, op, apperrors.CodeValidation, "No command given.")
	}
	r := newRun(requestID, fmt.Sprintf("t%d", s.seq.Add(1)), emit, util.NewLimitedWriter(s.history, maxOutputBytes))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperrors.New(op, "The shell session is closed.")
	}
	if _, busy := s.running[requestID]; busy {
		s.mu.Unlock()
		return nil, apperrors.Newf(op, "request %s is already running a command", requestID)
	}
	s.running[requestID] = r
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, requestID)
		s.mu.Unlock()
	}()

	select {
	case s.turn <- struct{}{}:
	case <-r.cancel:
		return nil, cancelled(op)
	case <-ctx.Done():
		return nil, cancelled(op)
	}
	defer func() { <-s.turn }()
	if r.isCancelled() || ctx.Err() != nil {
		return nil, cancelled(op)
	}

	s.mu.Lock()
	p, err := s.processLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	log := logger.With(logger.FieldModuleSessionID, s.ID(), logger.FieldRequestID, requestID, logger.FieldPID, p.pgid)
	log.Debug("shell: command started")
	p.begin(r, command)

	select {
	case <-r.done:
	case <-r.cancel:
		s.interrupt(p, r, log)
	case <-ctx.Done():
		s.interrupt(p, r, log)
	}

	s.mu.Lock()
	if r.sawTrailer && r.cwd != "" {
		s.cwd = r.cwd
	}
	cwd := s.cwd
	s.mu.Unlock()

	if r.isCancelled() || ctx.Err() != nil {
		log.Info("shell: command cancelled")
		return nil, cancelled(op)
	}
	res := &Result{ExitCode: r.exitCode, Cwd: cwd, Truncated: r.limit.Overflow()}
	if r.shellExited {
		log.Info("shell: shell exited during command", logger.FieldExitCode, res.ExitCode)
	}
	log.Debug("shell: command finished", logger.FieldExitCode, res.ExitCode)
	return res, nil
}

// interrupt SIGINT 结束当前命令; 宽限期后仍未结束则 SIGKILL 整个进程组。
func (s *Session) interrupt(p *process, r *run, log *slog.Logger) {
	r.requestCancel()
	p.signal(syscall.SIGINT)
	select {
	case <-r.done:
		return
	case <-time.After(interruptGrace):
	}
	log.Warn("shell: command ignored interrupt, killing shell")
	p.signal(syscall.SIGKILL)
	<-r.done
}

// CancelRequest 取消该请求排队中或运行中的命令。请求尚未提交命令时无事可做,
// 调度器会取消其 context。
func (s *Session) CancelRequest(requestID string) error {
	s.mu.Lock()
	r, ok := s.running[requestID]
	s.mu.Unlock()
	if ok {
		r.requestCancel()
	}
	logger.Debug("shell: cancel request",
		logger.FieldModuleSessionID, s.ID(), logger.FieldRequestID, requestID, "found", ok)
	return nil
}

// Close 终止 shell 及其全部子进程。
func (s *Session) Close() error {
	return s.CloseOnce(func() error {
		s.mu.Lock()
		s.closed = true
		runs := make([]*run, 0, len(s.running))
		for _, r := range s.running {
			runs = append(runs, r)
		}
		p := s.proc
		s.mu.Unlock()

		for _, r := range runs {
			r.requestCancel()
		}
		if p != nil {
			p.signal(syscall.SIGKILL)
			<-p.exited
		}
		logger.Info("shell: session closed", logger.FieldModuleSessionID, s.ID())
		return nil
	})
}

func cancelled(op string) error {
	return apperrors.Wrap(apperrors.ErrCancelled, op, "The command was cancelled.")
}

// run 一条命令的执行状态。trailer / output / exit 在 process.mu 下调用。
type run struct {
	requestID string
	token     string
	emit      func(string)
	limit     *util.LimitedWriter

	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	doneOnce   sync.Once

	straggler        *time.Timer
	outSeen, errSeen bool
	sawTrailer       bool
	shellExited      bool
	exitCode         int
	cwd              string
}

func newRun(requestID, token string, emit func(string), limit *util.LimitedWriter) *run {
	return &run{
		requestID: requestID,
		token:     token,
		emit:      emit,
		limit:     limit,
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (r *run) requestCancel() { r.cancelOnce.Do(func() { close(r.cancel) }) }

func (r *run) isCancelled() bool {
	select {
	case <-r.cancel:
		return true
	default:
		return false
	}
}

func (r *run) finish() { r.doneOnce.Do(func() { close(r.done) }) }

// ownTrailer 标记属于本请求时返回 token 之后的部分。
func (r *run) ownTrailer(rest string) (string, bool) {
	tok, after, _ := strings.Cut(strings.TrimPrefix(rest, " "), " ")
	return after, tok == r.token
}

// trailer 记录一条流的标记, 两条流都结束时返回 true。
func (r *run) trailer(stream int, rest string) bool {
	if stream == streamOut {
		if code, cwd, ok := parseTrailer(rest); ok {
			r.exitCode, r.cwd, r.sawTrailer = code, cwd, true
		}
		r.outSeen = true
	} else {
		r.errSeen = true
	}
	if r.outSeen && r.errSeen {
		r.finish()
		return true
	}
	return false
}

// output 超出上限的行不再回调。
func (r *run) output(text string) {
	if r.limit.Overflow() {
		return
	}
	_, _ = r.limit.Write([]byte(text + "\n"))
	if r.limit.Overflow() {
		return
	}
	if r.emit != nil {
		r.emit(text)
	}
}

// exit shell 在命令结束前退出; 没有标记时以进程退出码为准。
func (r *run) exit(code int) {
	r.shellExited = true
	if !r.sawTrailer {
		r.exitCode = code
	}
	r.finish()
}

// String 便于日志。
func (r *Result) String() string {
	return fmt.Sprintf("exit=%d cwd=%s", r.ExitCode, r.Cwd)
}
