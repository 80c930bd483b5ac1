// Package joblog provides the append-only, line-oriented run log. Every line
// carries its own timestamp so the file stays meaningful when appended to
// across many runs.
package joblog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/securevault/securevault/pkg/util"
)

// timeLayout is the timestamp prefix used for every log line.
const timeLayout = "2006-01-02 15:04:05"

// JobLog appends timestamped lines to a single log file. It is safe for
// concurrent use by multiple goroutines; each Append writes exactly one line.
type JobLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open opens (creating if necessary) the log file at path in append mode.
// The parent directory is created as needed.
func Open(path string) (*JobLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create log directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, util.UserWritableFilePerms)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return &JobLog{path: path, f: f}, nil
}

// Append writes one "[timestamp] message" line. Errors are returned so the
// caller can decide whether a lost audit line matters; most call sites ignore
// them after a console warning.
func (l *JobLog) Append(format string, args ...any) error {
	line := fmt.Sprintf("[%s] %s\n", time.Now().Format(timeLayout), fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append to log file %s: %w", l.path, err)
	}
	return nil
}

// AppendError writes one "[timestamp] ERROR: message" line.
func (l *JobLog) AppendError(format string, args ...any) error {
	return l.Append("ERROR: "+format, args...)
}

// Path returns the location of the underlying log file.
func (l *JobLog) Path() string {
	return l.path
}

// Close closes the underlying file. Append after Close returns an error.
func (l *JobLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
