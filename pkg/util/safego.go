// safego.go — 安全 goroutine 启动器，捕获 panic 防止进程崩溃。
package util

import (
	"fmt"
	"runtime/debug"

	"github.com/multi-agent/shellgui/pkg/logger"
)

// SafeGo 在新 goroutine 中安全执行 fn，捕获 panic 并记录日志 + 堆栈。
func SafeGo(fn func()) {
	SafeGoRecover(fn, nil)
}

// SafeGoRecover 同 SafeGo, panic 时额外以 error 形式回调 onPanic (可为 nil)。
// 请求 worker 用它把 panic 转成 ERROR 响应。
func SafeGoRecover(fn func(), onPanic func(error)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panicked",
					logger.FieldError, r,
					"stack", string(debug.Stack()),
				)
				if onPanic != nil {
					onPanic(fmt.Errorf("panic: %v", r))
				}
			}
		}()
		fn()
	}()
}
