// Package lockfile guards against two backup runs mutating the same backup
// base concurrently. The lock is a JSON file created with O_EXCL; a crashed
// run leaves a lock behind, so locks older than the stale timeout may be
// taken over.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/securevault/securevault/pkg/plog"
	"github.com/securevault/securevault/pkg/util"
)

// LockFileName is created inside the backup base directory. The '~' prefix
// marks it as temporary.
const LockFileName = ".~securevault.lock"

// staleTimeout is how old a lock may be before a new run takes it over. A
// var so tests can shorten it.
var staleTimeout = 12 * time.Hour

// lockContent is the JSON payload written into the lock file.
type lockContent struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"startedAt"`
}

// ErrLockActive is returned when another run holds a fresh lock.
type ErrLockActive struct {
	PID       int
	Hostname  string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("backup already running: lock held by PID %d on host '%s', started %s ago",
		e.PID, e.Hostname, e.TimeSince.Truncate(time.Second))
}

// Lock represents an acquired run lock.
type Lock struct {
	path string
}

// Acquire takes the run lock inside dirPath. It returns (*Lock, nil) on
// success, (nil, *ErrLockActive) when another run holds a fresh lock, and
// (nil, error) on filesystem failures. Stale and corrupt locks are removed
// and acquisition is retried once.
func Acquire(dirPath string) (*Lock, error) {
	if err := os.MkdirAll(dirPath, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dirPath, err)
	}
	path := filepath.Join(dirPath, LockFileName)

	for attempt := 0; attempt < 2; attempt++ {
		lock, err := tryAcquire(path)
		if err == nil {
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
		}

		content, readErr := readContent(path)
		if readErr == nil {
			elapsed := time.Since(content.StartedAt)
			if elapsed < staleTimeout {
				return nil, &ErrLockActive{
					PID:       content.PID,
					Hostname:  content.Hostname,
					TimeSince: elapsed,
				}
			}
			plog.Warn("Taking over stale lock", "path", path, "pid", content.PID, "age", elapsed.Truncate(time.Second))
		} else {
			plog.Warn("Found corrupt lock file, treating as stale", "path", path, "error", readErr)
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock file %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("failed to acquire lock at %s after stale takeover", path)
}

// tryAcquire atomically creates the lock file with this process's identity.
func tryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	content := lockContent{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
	}

	enc := json.NewEncoder(f)
	if err := enc.Encode(content); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock content: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to close lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

func readContent(path string) (lockContent, error) {
	var content lockContent
	data, err := os.ReadFile(path)
	if err != nil {
		return content, err
	}
	if len(data) == 0 {
		return content, errors.New("lock file is empty")
	}
	if err := json.Unmarshal(data, &content); err != nil {
		return content, fmt.Errorf("lock file is corrupt: %w", err)
	}
	return content, nil
}

// Release removes the lock file. Safe to call once per acquired lock.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock file %s: %w", l.path, err)
	}
	return nil
}
