// Package preflight validates the backup base before a run starts. The
// checks are idempotent apart from creating the base directory itself; they
// exist to fail fast with a readable error instead of dying mid-archive.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/securevault/securevault/pkg/util"
)

// DefaultMinFreeBytes is the free-space floor applied when the caller has no
// better estimate. Backups that would land on a nearly full disk fail the
// run before any artifact is written.
const DefaultMinFreeBytes = 512 * 1024 * 1024

// Check ensures the backup base exists, is writable and has at least
// minFreeBytes available. A minFreeBytes of zero skips the space check.
func Check(baseDir string, minFreeBytes uint64) error {
	if err := CheckTargetWritable(baseDir); err != nil {
		return err
	}
	if minFreeBytes == 0 {
		return nil
	}

	free, err := FreeBytes(baseDir)
	if err != nil {
		return fmt.Errorf("cannot determine free space of %s: %w", baseDir, err)
	}
	if free < minFreeBytes {
		return fmt.Errorf("insufficient free space in %s: %d bytes available, %d required", baseDir, free, minFreeBytes)
	}
	return nil
}

// CheckTargetWritable ensures the backup base can be created and written to
// by creating and deleting a probe file.
func CheckTargetWritable(baseDir string) error {
	if err := os.MkdirAll(baseDir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create backup base %s: %w", baseDir, err)
	}

	probe := filepath.Join(baseDir, ".securevault-writetest.tmp")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("backup base %s is not writable: %w", baseDir, err)
	}
	f.Close()
	_ = os.Remove(probe)
	return nil
}
