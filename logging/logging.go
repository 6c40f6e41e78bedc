// Package logging prints timestamped run messages.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// Logger writes "(YYYY-MM-DD HH:MM:SS) message" lines. Verbose gates Debugf.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
	now     func() time.Time
}

func New(out io.Writer, verbose bool) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{out: out, verbose: verbose, now: time.Now}
}

// Discard is a quiet logger for tests and library callers.
func Discard() *Logger { return New(io.Discard, false) }

func (l *Logger) Verbose() bool { return l.verbose }

func (l *Logger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "(%s) %s\n", l.now().Format(timeLayout), fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...any) {
	if l.verbose {
		l.Printf(format, args...)
	}
}
