// -----------------------------------------------------------------------
// Crash Protection - Fatal panic reports written outside the logger
// -----------------------------------------------------------------------

package common

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// CrashLogDir is where crash reports land. Set once at startup via
// InstallCrashHandler.
var CrashLogDir = "./logs"

// InstallCrashHandler prepares the crash report directory. Call early in
// main, paired with a deferred RecoverWithCrashFile.
func InstallCrashHandler(logDir string) {
	if logDir != "" {
		CrashLogDir = logDir
	}
	if err := os.MkdirAll(CrashLogDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to create log directory: %v\n", err)
	}
}

// RecoverWithCrashFile is the deferred recovery for main: on panic it writes
// a crash report and exits non-zero. Goroutines spawned via SafeGo recover
// on their own and never reach this.
func RecoverWithCrashFile() {
	r := recover()
	if r == nil {
		return
	}
	WriteCrashFile(r, GetStackTrace())
	os.Exit(1)
}

// WriteCrashFile writes a crash report with plain file IO. The logger may be
// part of what broke, so nothing here goes through arbor. Returns the report
// path, or "" when even the file write failed.
func WriteCrashFile(panicVal interface{}, stackTrace string) string {
	path := filepath.Join(CrashLogDir, fmt.Sprintf("curo-crash-%s.log", time.Now().Format("2006-01-02T15-04-05")))

	var report bytes.Buffer
	section := func(name string) {
		fmt.Fprintf(&report, "=== %s ===\n", name)
	}

	section("CURO CRASH REPORT")
	fmt.Fprintf(&report, "Time: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&report, "Version: %s\n\n", GetFullVersion())

	section("PANIC")
	fmt.Fprintf(&report, "%v\n\n", panicVal)

	section("STACK")
	report.WriteString(stackTrace)
	report.WriteString("\n")

	section("ALL GOROUTINES")
	report.WriteString(GetAllGoroutineStacks())
	report.WriteString("\n")

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	section("RUNTIME")
	fmt.Fprintf(&report, "NumGoroutine: %d\n", runtime.NumGoroutine())
	fmt.Fprintf(&report, "SafeGo spawned: %d\n", GetGoroutineCount())
	fmt.Fprintf(&report, "GOOS/GOARCH: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&report, "Alloc: %d MB, Sys: %d MB, NumGC: %d\n", mem.Alloc/1024/1024, mem.Sys/1024/1024, mem.NumGC)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to create crash file: %v\n%s", err, report.String())
		return ""
	}
	if _, err := file.Write(report.Bytes()); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: Failed to write crash file: %v\n%s", err, report.String())
	}
	file.Sync()
	file.Close()

	fmt.Fprintf(os.Stderr, "\n!!! FATAL CRASH - Report saved to: %s !!!\nPanic: %v\n", path, panicVal)
	return path
}

// GetStackTrace returns the current goroutine's stack.
func GetStackTrace() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// GetAllGoroutineStacks dumps every goroutine, growing the buffer until the
// dump fits.
func GetAllGoroutineStacks() string {
	buf := make([]byte, 64*1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
		if len(buf) > 64*1024*1024 {
			return string(buf[:runtime.Stack(buf, true)])
		}
	}
}
