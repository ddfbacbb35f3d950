package shell

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	apperrors "github.com/multi-agent/shellgui/pkg/errors"
	"github.com/multi-agent/shellgui/pkg/util"
)

type lines struct {
	mu  sync.Mutex
	got []string
	ch  chan string
}

func newLines() *lines { return &lines{ch: make(chan string, 64)} }

func (l *lines) emit(s string) {
	l.mu.Lock()
	l.got = append(l.got, s)
	l.mu.Unlock()
	l.ch <- s
}

func (l *lines) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.got...)
}

func openShell(t *testing.T, dir string) *Session {
	t.Helper()
	s := New("/bin/sh", dir)
	require.NoError(t, s.Open())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// runLines 执行并返回输出行。
func runLines(t *testing.T, s *Session, id, command string) ([]string, *Result) {
	t.Helper()
	out := newLines()
	res, err := s.Execute(context.Background(), id, command, out.emit)
	require.NoError(t, err)
	return out.all(), res
}

func TestExecute_StreamsLines(t *testing.T) {
	s := openShell(t, t.TempDir())
	got, res := runLines(t, s, "r1", "echo a; echo b")
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, s.History(), "a\nb\n")
}

func TestExecute_FirstLineArrivesWhileRunning(t *testing.T) {
	s := openShell(t, t.TempDir())
	out := newLines()
	done := make(chan struct{})
	start := time.Now()
	go func() {
		defer close(done)
		_, _ = s.Execute(context.Background(), "r1", "echo started; sleep 2; echo done", out.emit)
	}()

	select {
	case line := <-out.ch:
		assert.Equal(t, "started", line)
		assert.Less(t, time.Since(start), 1500*time.Millisecond)
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("first line was held back until the command finished")
	}
	select {
	case <-done:
		t.Fatal("command finished too early")
	default:
	}
	<-done
	assert.Equal(t, []string{"started", "done"}, out.all())
}

func TestExecute_StatePersistsAcrossRequests(t *testing.T) {
	s := openShell(t, t.TempDir())

	_, _ = runLines(t, s, "r1", "FOO=bar; export FOO; PLAIN=kept")
	got, _ := runLines(t, s, "r2", `echo "FOO=[$FOO] PLAIN=[$PLAIN]"`)
	assert.Equal(t, []string{"FOO=[bar] PLAIN=[kept]"}, got)

	got, _ = runLines(t, s, "r3", `sh -c 'echo "child=[$FOO]"'`)
	assert.Equal(t, []string{"child=[bar]"}, got, "exports reach child processes")

	first, _ := runLines(t, s, "r4", "echo $$")
	second, _ := runLines(t, s, "r5", "echo $$")
	assert.Equal(t, first, second, "one shell process serves every command")
}

func TestExecute_PartialLastLine(t *testing.T) {
	s := openShell(t, t.TempDir())
	got, _ := runLines(t, s, "r1", "printf abc")
	assert.Equal(t, []string{"abc"}, got)

	got, _ = runLines(t, s, "r2", "echo x; echo")
	assert.Equal(t, []string{"x", ""}, got, "genuine empty lines are kept")
}

func TestExecute_QuotesAndMultiline(t *testing.T) {
	s := openShell(t, t.TempDir())
	got, _ := runLines(t, s, "r1", "echo \"it's\"\necho 'two'")
	assert.Equal(t, []string{"it's", "two"}, got)
}

func TestExecute_ExitCodes(t *testing.T) {
	dir := t.TempDir()
	s := openShell(t, dir)

	_, res := runLines(t, s, "r1", "false")
	assert.Equal(t, 1, res.ExitCode)

	before, _ := runLines(t, s, "r2", "echo $$")
	_, res = runLines(t, s, "r3", "exit 3")
	assert.Equal(t, 3, res.ExitCode)

	after, res := runLines(t, s, "r4", "echo $$")
	assert.NotEqual(t, before, after, "the shell is restarted after exit")
	assert.Equal(t, dir, res.Cwd)
}

func TestExecute_Stderr(t *testing.T) {
	s := openShell(t, t.TempDir())
	got, _ := runLines(t, s, "r1", "echo oops 1>&2")
	assert.Equal(t, []string{"oops"}, got)

	got, _ = runLines(t, s, "r2", "echo next")
	assert.Equal(t, []string{"next"}, got, "stderr of one command does not leak into the next")
}

func TestExecute_StreamRedirectedAway(t *testing.T) {
	s := openShell(t, t.TempDir())
	_, res := runLines(t, s, "r1", "exec 2>/dev/null; echo visible")
	assert.Equal(t, 0, res.ExitCode)
	got, _ := runLines(t, s, "r2", "echo again")
	assert.Equal(t, []string{"again"}, got)
}

func TestExecute_WorkingDirectoryPersists(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	s := openShell(t, dir)

	_, res := runLines(t, s, "r1", "cd sub")
	assert.Equal(t, sub, res.Cwd)
	assert.Equal(t, sub, s.Cwd())

	got, _ := runLines(t, s, "r2", "pwd")
	assert.Equal(t, []string{sub}, got)
}

func TestExecute_RejectsEmptyCommand(t *testing.T) {
	s := openShell(t, t.TempDir())
	_, err := s.Execute(context.Background(), "r1", "  ", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestExecute_CommandsQueuePerSession(t *testing.T) {
	s := openShell(t, t.TempDir())
	first := newLines()
	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), "r1", "echo one; sleep 1; echo two", first.emit)
		done <- err
	}()
	<-first.ch

	got, _ := runLines(t, s, "r2", "echo three")
	require.NoError(t, <-done)
	assert.Equal(t, []string{"one", "two"}, first.all())
	assert.Equal(t, []string{"three"}, got)
}

func TestCancelRequest_InterruptsCommandKeepsShell(t *testing.T) {
	s := openShell(t, t.TempDir())
	_, _ = runLines(t, s, "r0", "KEEP=yes")
	pid, _ := runLines(t, s, "r1", "echo $$")

	out := newLines()
	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), "r2", "echo started; sleep 30; echo never", out.emit)
		done <- err
	}()
	select {
	case <-out.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("command did not start")
	}
	start := time.Now()
	require.NoError(t, s.CancelRequest("r2"))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrCancelled))
		assert.Less(t, time.Since(start), interruptGrace, "SIGINT alone stopped the command")
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not stop the command")
	}
	assert.NotContains(t, out.all(), "never")
	assert.NoError(t, s.CancelRequest("r2"), "cancelling a finished request is a no-op")

	got, _ := runLines(t, s, "r3", `echo "$$ $KEEP"`)
	assert.Equal(t, []string{pid[0] + " yes"}, got, "the shell survives the interrupt")
}

func TestCancelRequest_EscalatesWhenInterruptIgnored(t *testing.T) {
	s := openShell(t, t.TempDir())
	pid, _ := runLines(t, s, "r1", "echo $$")

	out := newLines()
	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), "r2", "trap '' INT; echo up; sleep 30", out.emit)
		done <- err
	}()
	<-out.ch
	require.NoError(t, s.CancelRequest("r2"))
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, apperrors.ErrCancelled))
	case <-time.After(interruptGrace + 5*time.Second):
		t.Fatal("the shell was not killed")
	}

	got, _ := runLines(t, s, "r3", "echo $$")
	assert.NotEqual(t, pid, got, "a fresh shell replaces the killed one")
}

func TestCancelRequest_QueuedCommandNeverRuns(t *testing.T) {
	s := openShell(t, t.TempDir())
	first := newLines()
	go func() { _, _ = s.Execute(context.Background(), "r1", "echo busy; sleep 1", first.emit) }()
	<-first.ch

	queued := newLines()
	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), "r2", "echo queued", queued.emit)
		done <- err
	}()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.running["r2"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.CancelRequest("r2"))

	err := <-done
	assert.True(t, errors.Is(err, apperrors.ErrCancelled))
	assert.Empty(t, queued.all())
}

func TestExecute_ContextCancel(t *testing.T) {
	s := openShell(t, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Execute(ctx, "r1", "sleep 30", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCancelled))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestClose_StopsShellAndGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	s := New("/bin/sh", t.TempDir())
	require.NoError(t, s.Open())
	out := newLines()
	done := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), "r1", "echo up; sleep 30", out.emit)
		done <- err
	}()
	<-out.ch
	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, apperrors.ErrCancelled))
	case <-time.After(5 * time.Second):
		t.Fatal("close did not stop the command")
	}
	_, err := s.Execute(context.Background(), "r2", "echo x", nil)
	assert.Error(t, err, "closed sessions reject commands")
	assert.NoError(t, s.Close(), "close is idempotent")
}

func TestOpen_BadDirectory(t *testing.T) {
	s := New("/bin/sh", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, s.Open())
	require.NoError(t, s.Close())
}

func TestRunOutput_CapStopsEmitting(t *testing.T) {
	var hist bytes.Buffer
	out := newLines()
	r := newRun("r1", "t1", out.emit, util.NewLimitedWriter(&hist, 8))

	r.output("abc")
	r.output("defghij")
	r.output("k")
	assert.Equal(t, []string{"abc"}, out.all())
	assert.True(t, r.limit.Overflow())
	assert.Equal(t, "abc\ndefg", hist.String())
}

func TestScript_TrailerCarriesToken(t *testing.T) {
	sc := script("t7", "echo 'x'")
	assert.Contains(t, sc, `__shellgui_run 'echo '\''x'\'''`)
	assert.Contains(t, sc, trailerMark+" %s %s %s\\n' t7")
	assert.Contains(t, sc, trailerMark+" %s\\n' t7 >&2")

	r := newRun("r", "t7", nil, util.NewLimitedWriter(&bytes.Buffer{}, 10))
	rest, ok := r.ownTrailer(" t7 0 /tmp/with space")
	require.True(t, ok)
	code, cwd, ok := parseTrailer(rest)
	require.True(t, ok)
	assert.Equal(t, 0, code)
	assert.Equal(t, "/tmp/with space", cwd)
	_, ok = r.ownTrailer(" t6 0 /tmp")
	assert.False(t, ok, "stale trailers are ignored")
}
