// -----------------------------------------------------------------------
// Safe Goroutine - Panic-protected goroutine wrappers
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

// goroutineCounter tracks spawned goroutines for diagnostics
var goroutineCounter int64

// GetGoroutineCount returns the number of goroutines spawned via SafeGo and SafeGoTracked since start
func GetGoroutineCount() int64 {
	return atomic.LoadInt64(&goroutineCounter)
}

// SafeGo runs a function in a goroutine with panic recovery.
// Panics are logged but don't crash the service.
//
// Example:
//
//	common.SafeGo(logger, "publishEvent", func() {
//	    eventService.Publish(ctx, event)
//	})
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	atomic.AddInt64(&goroutineCounter, 1)

	go func() {
		defer recoverGoroutine(logger, name)
		fn()
	}()
}

// SafeGoTracked is SafeGo registered on wg, so callers can wait for completion on shutdown.
func SafeGoTracked(wg *sync.WaitGroup, logger arbor.ILogger, name string, fn func()) {
	atomic.AddInt64(&goroutineCounter, 1)
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer recoverGoroutine(logger, name)
		fn()
	}()
}

// RunSafely calls fn on the current goroutine and converts a panic into an error.
func RunSafely(logger arbor.ILogger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stackTrace := GetStackTrace()
			if logger != nil {
				logger.Error().
					Str("operation", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", stackTrace).
					Msg("Recovered from panic")
			}
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn()
}

func recoverGoroutine(logger arbor.ILogger, name string) {
	r := recover()
	if r == nil {
		return
	}

	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	stackTrace := string(buf[:n])

	if logger != nil {
		logger.Error().
			Str("goroutine", name).
			Str("panic", fmt.Sprintf("%v", r)).
			Str("stack", stackTrace).
			Msg("Recovered from panic in goroutine - continuing service operation")
	} else {
		fmt.Fprintf(os.Stderr, "PANIC in goroutine %s: %v\n%s\n", name, r, stackTrace)
	}
}
