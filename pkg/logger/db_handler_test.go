package logger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// ─── StderrCollector Tests ───

func TestStderrCollector_BasicLine(t *testing.T) {
	records := captureDefault(t)

	c := NewStderrCollector("ms-1")
	_, _ = c.Write([]byte("hello from stderr\n"))
	_ = c.Close()

	got := records.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].Message != "hello from stderr" {
		t.Errorf("unexpected message: %s", got[0].Message)
	}
	if got[0].Level != slog.LevelInfo {
		t.Errorf("expected INFO, got %s", got[0].Level)
	}
}

func TestStderrCollector_ErrorLevel(t *testing.T) {
	records := captureDefault(t)

	c := NewStderrCollector("ms-1")
	_, _ = c.Write([]byte("sh: something went Error here\n"))
	_ = c.Close()

	got := records.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].Level != slog.LevelError {
		t.Errorf("expected ERROR, got %s", got[0].Level)
	}
}

func TestStderrCollector_SkipsEmptyLines(t *testing.T) {
	records := captureDefault(t)

	c := NewStderrCollector("ms-1")
	_, _ = c.Write([]byte("\n\nactual line\n\n"))
	_ = c.Close()

	if got := records.snapshot(); len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
}

// ─── MultiHandler Tests ───

func TestMultiHandler_FanOut(t *testing.T) {
	r1, r2 := &recordList{}, &recordList{}
	multi := NewMultiHandler(&captureHandler{list: r1}, &captureHandler{list: r2})

	slog.New(multi).Info("test message")

	if len(r1.snapshot()) != 1 || len(r2.snapshot()) != 1 {
		t.Errorf("expected 1 record in each handler, got %d and %d", len(r1.snapshot()), len(r2.snapshot()))
	}
}

// ─── applyAttr Tests ───

func TestApplyAttr_KnownFields(t *testing.T) {
	e := &LogEntry{}

	applyAttr(e, slog.String(FieldSource, "ws-server"))
	applyAttr(e, slog.String(FieldComponent, "dispatch"))
	applyAttr(e, slog.String(FieldSessionUUID, "uuid-1"))
	applyAttr(e, slog.String(FieldRequestID, "req-1"))
	applyAttr(e, slog.String(FieldCommand, "gui.sql_editor.execute"))
	applyAttr(e, slog.String("logger", "test.logger"))

	if e.Source != "ws-server" || e.Component != "dispatch" {
		t.Errorf("Source/Component = %q/%q", e.Source, e.Component)
	}
	if e.SessionUUID != "uuid-1" || e.RequestID != "req-1" {
		t.Errorf("SessionUUID/RequestID = %q/%q", e.SessionUUID, e.RequestID)
	}
	if e.Command != "gui.sql_editor.execute" {
		t.Errorf("Command = %q", e.Command)
	}
	if e.Logger != "test.logger" {
		t.Errorf("Logger = %q", e.Logger)
	}
}

func TestApplyAttr_UnknownGoesToExtra(t *testing.T) {
	e := &LogEntry{}
	applyAttr(e, slog.String("custom_key", "custom_val"))

	if v, ok := e.Extra["custom_key"]; !ok || v != "custom_val" {
		t.Errorf("Extra[custom_key] = %v", v)
	}
}

func TestApplyAttr_Duration(t *testing.T) {
	tests := []struct {
		name string
		attr slog.Attr
		want int
	}{
		{"int64", slog.Int64(FieldDuration, 42), 42},
		{"int", slog.Int(FieldDuration, 7), 7},
		{"float64", slog.Float64(FieldDuration, 9.9), 9},
		{"duration", slog.Duration(FieldDuration, 1500*time.Millisecond), 1500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &LogEntry{}
			applyAttr(e, tt.attr)
			if e.DurationMS == nil || *e.DurationMS != tt.want {
				t.Errorf("DurationMS = %v, want %d", e.DurationMS, tt.want)
			}
		})
	}
}

// ─── DBHandler Tests ───

type memSink struct {
	mu      sync.Mutex
	entries []LogEntry
	err     error
}

func (s *memSink) WriteLogs(_ context.Context, entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *memSink) snapshot() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry(nil), s.entries...)
}

func TestDBHandler_ShutdownFlushesToSink(t *testing.T) {
	sink := &memSink{}
	h := NewDBHandler(sink, slog.LevelInfo)

	l := slog.New(h).With(slog.String(FieldSessionUUID, "uuid-9"))
	l.Info("first", FieldRequestID, "r1")
	l.Debug("filtered")
	l.Warn("second")
	h.Shutdown()

	got := sink.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Message != "first" || got[0].RequestID != "r1" || got[0].SessionUUID != "uuid-9" {
		t.Errorf("entry[0] = %+v", got[0])
	}
	if got[1].Level != "WARN" {
		t.Errorf("entry[1].Level = %q", got[1].Level)
	}

	// shutdown 后写入被静默丢弃，不 panic
	l.Info("after shutdown")
	h.Shutdown()
}

func TestDBHandler_SinkFailureDoesNotBlock(t *testing.T) {
	sink := &memSink{err: errors.New("disk full")}
	h := NewDBHandler(sink, slog.LevelInfo)
	slog.New(h).Info("lost")

	done := make(chan struct{})
	go func() { h.Shutdown(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown blocked on failing sink")
	}
}

func TestDBHandler_NotEnabled_BelowLevel(t *testing.T) {
	h := &DBHandler{level: slog.LevelWarn}
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("should not be enabled for INFO when level is WARN")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("should be enabled for ERROR when level is WARN")
	}
}

func TestAttachDBHandler_DualWriteAndRestore(t *testing.T) {
	records := captureDefault(t)
	sink := &memSink{}

	AttachDBHandler(sink)
	Info("dual write", FieldCommand, "gui.core.ping")
	ShutdownDBHandler()
	Info("after detach")

	if got := sink.snapshot(); len(got) != 1 || got[0].Command != "gui.core.ping" {
		t.Errorf("sink entries = %+v", got)
	}
	if got := records.snapshot(); len(got) != 2 {
		t.Errorf("base handler records = %d, want 2", len(got))
	}
}

// ─── test helpers ───

type recordList struct {
	mu      sync.Mutex
	records []slog.Record
}

func (l *recordList) add(r slog.Record) {
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
}

func (l *recordList) snapshot() []slog.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]slog.Record(nil), l.records...)
}

type captureHandler struct {
	list *recordList
}

func (h *captureHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }
func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.list.add(r)
	return nil
}
func (h *captureHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(_ string) slog.Handler      { return h }

// captureDefault 用 captureHandler 替换默认日志器, 测试结束后恢复。
func captureDefault(t *testing.T) *recordList {
	t.Helper()
	prev := getLogger()
	list := &recordList{}
	storeLogger(slog.New(&captureHandler{list: list}))
	t.Cleanup(func() { storeLogger(prev) })
	return list
}
