// Package async runs background goroutines that must not take the
// process down with them.
package async

import "runtime/debug"

// CrashLogger receives reports from goroutines that panicked.
type CrashLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on its own goroutine. A panic inside fn is logged with its
// stack instead of crashing the process.
func Go(logger CrashLogger, name string, fn func()) {
	go func() {
		defer func() {
			r := recover()
			if r == nil || logger == nil {
				return
			}
			logger.Error("goroutine %q panicked: %v\n%s", name, r, debug.Stack())
		}()
		fn()
	}()
}
