// -----------------------------------------------------------------------
// Safe Goroutine - Panic-protected goroutine spawning
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

var goroutineCounter int64

// GetGoroutineCount returns how many goroutines were spawned via SafeGo
// since startup. Surfaced on the status endpoint as a leak indicator.
func GetGoroutineCount() int64 {
	return atomic.LoadInt64(&goroutineCounter)
}

// SafeGo runs fn in a goroutine that logs panics instead of crashing the
// process. All long-lived loops (snapshot poller, stream consumer, pipeline
// runs) go through here: a panic in one of them must not take down the
// dashboard.
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	atomic.AddInt64(&goroutineCounter, 1)

	go func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}

			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			if logger != nil {
				logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(buf[:n])).
					Msg("Recovered from panic in goroutine - continuing service operation")
				return
			}
			fmt.Fprintf(os.Stderr, "PANIC in goroutine %s: %v\n%s\n", name, r, buf[:n])
		}()

		fn()
	}()
}
