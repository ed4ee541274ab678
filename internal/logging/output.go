package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// Output streams. Swapped out in tests via SetOutput.
var (
	outMu     sync.Mutex
	stdout    io.Writer = os.Stdout
	stderrOut io.Writer = os.Stderr
)

// SetOutput redirects both output streams. Pass nil to restore the defaults.
// Intended for tests.
func SetOutput(out, errOut io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	stdout = out
	stderrOut = errOut
}

func (l *Logger) logf(level LogLevel, msg string, args ...interface{}) {
	l.write(level, fmt.Sprintf(msg, args...), l.mergedFields(nil))
}

func (l *Logger) logFields(level LogLevel, msg string, fields []LogField) {
	l.write(level, msg, l.mergedFields(fields))
}

// write emits one formatted line:
//
//	[2006-01-02T15:04:05Z07:00] [INFO] pool: refilled pool | template=slack_default ready=4
//
// DEBUG/INFO/WARN go to stdout; ERROR/FATAL go to stderr. Field keys are
// emitted in sorted order so lines are stable.
func (l *Logger) write(level LogLevel, msg string, fields map[string]interface{}) {
	line := fmt.Sprintf("[%s] [%s] %s: %s", timestamp(), level, l.name, msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		line += " |"
		for _, k := range keys {
			line += fmt.Sprintf(" %s=%v", k, fields[k])
		}
	}

	outMu.Lock()
	defer outMu.Unlock()
	if level >= ERROR {
		fmt.Fprintln(stderrOut, line)
	} else {
		fmt.Fprintln(stdout, line)
	}
}

// timestamp returns the RFC3339 time for the line. LOG_TIMESTAMP overrides it
// for deterministic test output.
func timestamp() string {
	if override := os.Getenv("LOG_TIMESTAMP"); override != "" {
		return override
	}
	return time.Now().Format(time.RFC3339)
}
