// Package retention prunes aged backup artifacts from the local backup
// folders so the disk is not consumed by history nobody restores from.
package retention

import (
	"os"
	"path/filepath"
	"time"

	"github.com/securevault/securevault/pkg/plog"
)

// Prune deletes regular files in each dir whose modification time is older
// than retentionDays. It never recurses and never touches directories or the
// run logs living outside the given folders. Individual failures are logged
// and skipped; the returned count is the number of files actually removed.
func Prune(dirs []string, retentionDays int) int {
	if retentionDays <= 0 {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	removed := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				plog.Warn("Cannot read backup folder for cleanup", "dir", dir, "error", err)
			}
			continue
		}

		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				plog.Warn("Cannot stat artifact, skipping", "name", entry.Name(), "error", err)
				continue
			}
			if !info.ModTime().Before(cutoff) {
				continue
			}

			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil {
				plog.Warn("Failed to remove aged artifact", "path", path, "error", err)
				continue
			}
			plog.Notice("DEL", "path", path, "modTime", info.ModTime())
			removed++
		}
	}
	return removed
}
