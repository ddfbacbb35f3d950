package shell

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/multi-agent/shellgui/pkg/logger"
	"github.com/multi-agent/shellgui/pkg/util"
)

const (
	trailerMark = "\x1e__shellgui_trailer__"
	// drainGrace shell 退出后等待残余输出的时间; 后台子进程仍持有管道时到期强制关闭。
	drainGrace = 500 * time.Millisecond
	lineBuffer = 64 * 1024
)

// bootstrap 启动后写入的第一段脚本。
// 包装函数在当前 shell 中 eval 命令, 变量, 工作目录与 export 跨命令保留;
// INT 在函数内结束当前命令, 在函数外被吞掉, shell 本身不退出。
const bootstrap = `__shellgui_run() {
	trap 'return 130' INT
	command eval "$1" </dev/null
}
trap ':' INT
`

const (
	streamOut = iota
	streamErr
)

// process 常驻的 `<shell> -s` 进程, 独占一个进程组。
//
// 写 goroutine 把命令脚本从 input 写入 stdin; stdout/stderr 各有一个读 goroutine,
// 按标记行把输出切分给当前请求。
type process struct {
	cmd       *exec.Cmd
	pgid      int
	stdin     io.WriteCloser
	outR      *os.File
	errR      *os.File
	collector *logger.StderrCollector
	history   io.Writer

	input   chan string
	exited  chan struct{} // Wait 返回且输出排空后关闭
	readers sync.WaitGroup

	mu       sync.Mutex
	cur      *run
	dead     bool
	exitCode int
}

func spawn(shell, dir, owner string, history io.Writer) (*process, error) {
	cmd := exec.Command(shell, "-s")
	cmd.Dir = dir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, err
	}
	cmd.Stdout, cmd.Stderr = outW, errW
	startErr := cmd.Start()
	_ = outW.Close()
	_ = errW.Close()
	if startErr != nil {
		_ = outR.Close()
		_ = errR.Close()
		return nil, startErr
	}

	p := &process{
		cmd:       cmd,
		pgid:      cmd.Process.Pid,
		stdin:     stdin,
		outR:      outR,
		errR:      errR,
		collector: logger.NewStderrCollector(owner),
		history:   history,
		input:     make(chan string, 1),
		exited:    make(chan struct{}),
	}
	p.readers.Add(2)
	util.SafeGo(func() { p.read(outR, streamOut) })
	util.SafeGo(func() { p.read(errR, streamErr) })
	util.SafeGo(p.writeLoop)
	util.SafeGo(p.wait)
	p.send(bootstrap)
	return p, nil
}

// send 交给写 goroutine; 进程已退出时丢弃。
func (p *process) send(script string) {
	select {
	case p.input <- script:
	case <-p.exited:
	}
}

func (p *process) writeLoop() {
	defer p.stdin.Close()
	for {
		select {
		case s := <-p.input:
			if _, err := io.WriteString(p.stdin, s); err != nil {
				logger.Debug("shell: write to shell failed", logger.FieldPID, p.pgid, logger.FieldError, err)
			}
		case <-p.exited:
			return
		}
	}
}

// wait 回收进程, 排空输出, 以退出码结束仍在运行的请求。
func (p *process) wait() {
	err := p.cmd.Wait()
	code := exitCodeOf(err)

	drained := make(chan struct{})
	util.SafeGo(func() { p.readers.Wait(); close(drained) })
	select {
	case <-drained:
	case <-time.After(drainGrace):
		_ = p.outR.Close()
		_ = p.errR.Close()
		<-drained
	}
	_ = p.outR.Close()
	_ = p.errR.Close()
	_ = p.collector.Close()

	p.mu.Lock()
	p.dead = true
	p.exitCode = code
	r := p.cur
	p.cur = nil
	p.mu.Unlock()
	// exited 先于请求结束关闭: 请求返回后下一条命令一定看到进程已退出。
	close(p.exited)
	if r != nil {
		r.exit(code)
	}
	logger.Debug("shell: process exited", logger.FieldPID, p.pgid, logger.FieldExitCode, code)
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// begin 把后续输出归属到 r, 并写入命令脚本。进程已退出时 r 立即以其退出码结束。
func (p *process) begin(r *run, command string) {
	p.mu.Lock()
	if p.dead {
		code := p.exitCode
		p.mu.Unlock()
		r.exit(code)
		return
	}
	p.cur = r
	p.mu.Unlock()
	p.send(script(r.token, command))
}

// signal 向整个进程组发信号。
func (p *process) signal(sig syscall.Signal) {
	if err := syscall.Kill(-p.pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Debug("shell: signal process group failed",
			logger.FieldPID, p.pgid, "signal", sig.String(), logger.FieldError, err)
	}
}

func (p *process) read(f *os.File, stream int) {
	defer p.readers.Done()
	br := bufio.NewReaderSize(f, lineBuffer)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			p.line(stream, strings.TrimSuffix(string(chunk), "\n"))
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return
		}
	}
}

// line 处理一行输出。行内出现当前请求的标记时, 标记前的部分是命令最后一行
// (未以换行结束), 标记后是 token / 退出码 / $PWD。
func (p *process) line(stream int, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.cur
	if i := strings.Index(text, trailerMark); i >= 0 && r != nil {
		if rest, ok := r.ownTrailer(text[i+len(trailerMark):]); ok {
			if i > 0 {
				p.deliver(stream, r, text[:i])
			}
			if r.trailer(stream, rest) {
				p.cur = nil
				if r.straggler != nil {
					r.straggler.Stop()
				}
			} else if r.straggler == nil {
				// 另一条流被命令重定向走时, 标记不会到达。
				r.straggler = time.AfterFunc(drainGrace, func() { p.release(r) })
			}
			return
		}
	}
	p.deliver(stream, r, text)
}

// release 只有一条流的标记到达时, 宽限期后结束 r。
func (p *process) release(r *run) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == r {
		p.cur = nil
		r.finish()
	}
}

func (p *process) deliver(stream int, r *run, text string) {
	if stream == streamErr {
		_, _ = p.collector.Write([]byte(text + "\n"))
	}
	if r == nil {
		_, _ = p.history.Write([]byte(text + "\n"))
		return
	}
	r.output(text)
}

// script 在包装函数中执行命令, 之后分别在 stdout 与 stderr 输出带 token 的标记行。
// 两条标记都读到才算命令结束, stderr 上的迟到输出不会串到下一条命令。
func script(token, command string) string {
	var b strings.Builder
	b.WriteString("__shellgui_run ")
	b.WriteString(quote(command))
	b.WriteString("\n__shellgui_rc=$?\ntrap ':' INT\n")
	b.WriteString("printf '" + trailerMark + " %s %s %s\\n' " + token + ` "$__shellgui_rc" "$PWD"` + "\n")
	b.WriteString("printf '" + trailerMark + " %s\\n' " + token + " >&2\n")
	return b.String()
}

// quote 单引号转义。
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}

// parseTrailer 解析 stdout 标记的 "<rc> <cwd>"。
func parseTrailer(rest string) (code int, cwd string, ok bool) {
	rc, cwd, _ := strings.Cut(rest, " ")
	n, err := strconv.Atoi(rc)
	if err != nil {
		return 0, "", false
	}
	return n, cwd, true
}
