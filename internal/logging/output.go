package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	outputMu sync.Mutex
	stdout   io.Writer = os.Stdout
	stderr   io.Writer = os.Stderr
	// rotating is non-nil while SetOutputFile is in effect.
	rotating *lumberjack.Logger
)

// SetOutput sends every level to w. Passing nil restores stdout/stderr.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()

	closeRotating()
	if w == nil {
		stdout, stderr = os.Stdout, os.Stderr
		return
	}
	stdout, stderr = w, w
}

// FileOptions configures rotation for SetOutputFile.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// SetOutputFile sends every level to a size-rotated file.
func SetOutputFile(opts FileOptions) error {
	if strings.TrimSpace(opts.Path) == "" {
		return fmt.Errorf("log file path is required")
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 100
	}

	outputMu.Lock()
	defer outputMu.Unlock()

	closeRotating()
	rotating = &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	stdout, stderr = rotating, rotating
	return nil
}

// Close releases the rotating log file, if any, and restores stdout/stderr.
func Close() error {
	outputMu.Lock()
	defer outputMu.Unlock()

	var err error
	if rotating != nil {
		err = rotating.Close()
		rotating = nil
		stdout, stderr = os.Stdout, os.Stderr
	}
	return err
}

// closeRotating must be called with outputMu held.
func closeRotating() {
	if rotating != nil {
		_ = rotating.Close()
		rotating = nil
	}
}

// writeLog renders one line and routes it by severity:
// DEBUG/INFO/WARN to stdout, ERROR/FATAL to stderr.
func (l *Logger) writeLog(level LogLevel, msg string, fields map[string]interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s: %s", GetTimestamp(), level, l.name, msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteByte('\n')

	outputMu.Lock()
	defer outputMu.Unlock()
	if level >= ERROR {
		_, _ = io.WriteString(stderr, b.String())
	} else {
		_, _ = io.WriteString(stdout, b.String())
	}
}

// logf formats msg and writes it with context and persistent fields.
func (l *Logger) logf(level LogLevel, msg string, args ...interface{}) {
	formatted := msg
	if len(args) > 0 {
		formatted = fmt.Sprintf(msg, args...)
	}
	l.writeLog(level, formatted, l.mergedFields(nil))
}

// logWithFields writes msg with per-call fields on top of the persistent ones.
func (l *Logger) logWithFields(level LogLevel, msg string, fields ...LogField) {
	l.writeLog(level, msg, l.mergedFields(fields))
}

// mergedFields layers context fields, then persistent fields, then call fields.
func (l *Logger) mergedFields(call []LogField) map[string]interface{} {
	ctxFields := extractContextFields(l.ctx)
	if len(ctxFields) == 0 && len(l.fields) == 0 && len(call) == 0 {
		return nil
	}

	merged := make(map[string]interface{}, len(ctxFields)+len(l.fields)+len(call))
	for k, v := range ctxFields {
		merged[k] = v
	}
	for k, v := range l.fields {
		merged[k] = v
	}
	for _, f := range call {
		merged[f.Key] = f.Value
	}
	return merged
}

// GetTimestamp returns an RFC3339 timestamp. LOG_TIMESTAMP overrides it for
// deterministic test output.
func GetTimestamp() string {
	if override := os.Getenv("LOG_TIMESTAMP"); override != "" {
		return override
	}
	return time.Now().Format(time.RFC3339)
}
