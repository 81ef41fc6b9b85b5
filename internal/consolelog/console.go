// Package consolelog provides the structured, color-aware stdout/stderr
// reporter used by the CLI entry point and the pipeline subprocess (§6.5).
// Grounded on the teacher's internal/logger/console.go: a small mutex-guarded
// writer that timestamps every line and only emits ANSI color when the
// destination is actually a terminal.
package consolelog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Logger writes timestamped, optionally-colored lines to a single writer.
// Safe for concurrent use by the Pipeline Engine's parallel stage runners.
type Logger struct {
	writer io.Writer
	color  bool
	mu     sync.Mutex
}

// New builds a Logger writing to w. Color is enabled only when w is
// os.Stdout or os.Stderr and that file descriptor is a TTY, same detection
// the teacher's isTerminal helper uses.
func New(w io.Writer) *Logger {
	return &Logger{writer: w, color: isTerminal(w)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd())
}

func timestamp() string {
	return time.Now().UTC().Format("15:04:05")
}

func (l *Logger) write(prefixColor *color.Color, prefix, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	body := fmt.Sprintf(format, args...)
	if l.color && prefixColor != nil {
		fmt.Fprintf(l.writer, "[%s] %s %s\n", timestamp(), prefixColor.Sprint(prefix), body)
		return
	}
	fmt.Fprintf(l.writer, "[%s] %s %s\n", timestamp(), prefix, body)
}

// Stage reports a pipeline stage's outcome (the heartbeat line the daemon's
// subprocess supervisor watches for liveness, §4.2).
func (l *Logger) Stage(name string, ok bool, detail string) {
	if ok {
		l.write(color.New(color.FgGreen), "OK", "stage=%s detail=%s", name, detail)
		return
	}
	l.write(color.New(color.FgRed), "FAIL", "stage=%s detail=%s", name, detail)
}

// Event reports a daemon or pipeline event (admission, recovery, merge,
// decomposition) at informational level.
func (l *Logger) Event(specID, kind, detail string) {
	l.write(color.New(color.FgCyan), "EVENT", "spec=%s kind=%s %s", specID, kind, detail)
}

// Warn reports a non-fatal condition (merge conflict escalation, destroy
// failure) the operator should notice but that doesn't abort the run.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(color.New(color.FgYellow), "WARN", format, args...)
}

// Error reports a fatal condition before the process exits non-zero.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(color.New(color.FgRed, color.Bold), "ERROR", format, args...)
}

// Stderr is the default logger for CLI-level error reporting.
var Stderr = New(os.Stderr)
