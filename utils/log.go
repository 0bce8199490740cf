package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a -log flag value onto a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return TRACE, nil
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "critical":
		return CRITICAL, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger is a levelled printf-style logger. Lines go to an optional file and
// any number of extra writers; every write is serialized.
type Logger struct {
	mu       sync.Mutex
	minLevel LogLevel
	file     *os.File
	writers  []io.Writer
	now      func() time.Time
}

// NewFileLogger appends to filePath, mirroring to stdout when alsoStdout is set.
func NewFileLogger(filePath string, minLevel LogLevel, alsoStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	l := &Logger{
		minLevel: minLevel,
		file:     f,
		writers:  []io.Writer{f},
		now:      time.Now,
	}
	if alsoStdout {
		l.writers = append(l.writers, os.Stdout)
	}
	return l, nil
}

// NewLogger writes to w only.
func NewLogger(w io.Writer, minLevel LogLevel) *Logger {
	return &Logger{minLevel: minLevel, writers: []io.Writer{w}, now: time.Now}
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		l.writers = nil
		return err
	}
	return nil
}

func (l *Logger) SetMinLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Enabled reports whether a message at level would be written. Use it to
// skip building expensive TRACE payloads.
func (l *Logger) Enabled(level LogLevel) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.minLevel
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.minLevel {
		return
	}

	ts := l.now().Format(time.RFC3339Nano)
	line := fmt.Sprintf("%s [%s] %s\n", ts, level.String(), fmt.Sprintf(msg, args...))

	for _, w := range l.writers {
		_, _ = io.WriteString(w, line)
	}
	if l.file != nil && level >= ERROR {
		_ = l.file.Sync()
	}
}

func (l *Logger) Trace(msg string, args ...any)    { l.log(TRACE, msg, args...) }
func (l *Logger) Debug(msg string, args ...any)    { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...any)     { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)     { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...any)    { l.log(ERROR, msg, args...) }
func (l *Logger) Critical(msg string, args ...any) { l.log(CRITICAL, msg, args...) }

// Printf lets the logger stand in where a library expects a Printf sink.
// Messages are logged at DEBUG.
func (l *Logger) Printf(format string, v ...any) {
	l.log(DEBUG, strings.TrimRight(format, "\n"), v...)
}
