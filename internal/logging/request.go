package logging

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// RequestLog is one invocation log entry.
type RequestLog struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	Function   string    `json:"function"`
	Version    int64     `json:"version,omitempty"`
	Method     string    `json:"method,omitempty"`
	Path       string    `json:"path,omitempty"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	ColdStart  bool      `json:"cold_start"`
	Outcome    string    `json:"outcome"` // ok, not_found, rejected, timeout, resource, fault
	Error      string    `json:"error,omitempty"`
}

// Logger writes invocation log entries as JSON lines.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	file    *os.File
	enabled bool
}

var defaultLogger = &Logger{out: os.Stdout, enabled: true}

// Requests returns the default request logger.
func Requests() *Logger {
	return defaultLogger
}

// SetOutput redirects request logs to the given file path, replacing
// any previously configured file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	l.out = f
	return nil
}

// SetEnabled turns request logging on or off.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// Log writes one entry. The timestamp is filled in here.
func (l *Logger) Log(entry *RequestLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	entry.Timestamp = time.Now()
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.out.Write(append(data, '\n'))
}

// Close closes the underlying log file, if any.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
		l.out = os.Stdout
	}
}
