// Package reqlog appends a fixed-width plain-text line per completed request.
package reqlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Logger writes request lines to an append-only file. A nil *Logger is valid
// and discards everything, so callers don't guard each call site.
type Logger struct {
	mu sync.Mutex
	f  *os.File
}

// Open creates or opens the log file at path for appending.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening request log: %w", err)
	}
	return &Logger{f: f}, nil
}

// Log appends one line: timestamp, cache status, model, tokens, and cost.
func (l *Logger) Log(cacheStatus, model string, tokens uint64, cost float64) {
	if l == nil {
		return
	}
	line := fmt.Sprintf("%s | %-13s | %-30s | %8d tokens | $%.5f\n",
		time.Now().UTC().Format("2006-01-02 15:04:05"), cacheStatus, model, tokens, cost)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.f.WriteString(line)
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.f.Close()
}
