package util

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSafeGo_NormalExecution(t *testing.T) {
	done := make(chan struct{})
	SafeGo(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("SafeGo: function was not executed")
	}
}

func TestSafeGo_PanicDoesNotPropagate(t *testing.T) {
	// 如果 panic 扩散，测试进程会崩溃
	var wg sync.WaitGroup
	wg.Add(1)
	SafeGo(func() {
		defer wg.Done()
		panic("test panic")
	})
	wg.Wait()
}

func TestSafeGoRecover_ReportsPanic(t *testing.T) {
	got := make(chan error, 1)
	SafeGoRecover(func() { panic(42) }, func(err error) { got <- err })

	select {
	case err := <-got:
		if !strings.Contains(err.Error(), "42") {
			t.Errorf("onPanic err = %v, want to mention 42", err)
		}
	case <-time.After(time.Second):
		t.Fatal("onPanic was not called")
	}
}

func TestSafeGo_MultipleConcurrent(t *testing.T) {
	const n = 100
	var counter atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		SafeGo(func() {
			defer wg.Done()
			counter.Add(1)
		})
	}
	wg.Wait()
	if got := counter.Load(); got != n {
		t.Errorf("SafeGo concurrent: executed %d/%d", got, n)
	}
}
