package filebackup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/securevault/securevault/pkg/plog"
	"github.com/securevault/securevault/pkg/util"
)

// watermarkStore persists the incremental cutoff: a single decimal unix
// timestamp on the first line of a text file. The file is read at the start
// of a run (by each directory worker) and rewritten exactly once by the
// orchestrating Execute after a fully successful, non-cancelled run.
type watermarkStore struct {
	path string
}

// Read returns the persisted cutoff. A missing file, an empty first line or
// unparsable content all degrade to the unix epoch (everything counts as
// new) with a warning; they are never fatal.
func (s watermarkStore) Read() time.Time {
	epoch := time.Unix(0, 0)

	f, err := os.Open(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			plog.Warn("Cannot read last-backup timestamp, assuming full backup", "path", s.path, "error", err)
		}
		return epoch
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return epoch
	}
	line := strings.TrimSpace(scanner.Text())
	if line == "" {
		return epoch
	}

	seconds, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		plog.Warn("Invalid timestamp in last-backup file, assuming full backup", "path", s.path, "error", err)
		return epoch
	}
	return time.Unix(seconds, 0)
}

// Write overwrites the stored cutoff with now.
func (s watermarkStore) Write(now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(s.path), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create watermark directory: %w", err)
	}
	data := strconv.FormatInt(now.Unix(), 10)
	if err := os.WriteFile(s.path, []byte(data), util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write last-backup timestamp %s: %w", s.path, err)
	}
	return nil
}
