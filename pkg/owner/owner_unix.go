//go:build !windows

// Package owner hands finished artifacts to the configured system user so a
// restore account that is not root can read them.
package owner

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/securevault/securevault/pkg/plog"
)

// ChownArtifacts changes ownership of the given paths to the named user and
// that user's primary group. An unknown user is an error; a missing path is
// skipped with a warning because an earlier pipeline stage may legitimately
// have produced nothing.
func ChownArtifacts(owner string, paths ...string) error {
	if owner == "" {
		return nil
	}

	u, err := user.Lookup(owner)
	if err != nil {
		return fmt.Errorf("failed to look up owner %q: %w", owner, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("owner %q has non-numeric uid %q: %w", owner, u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("owner %q has non-numeric gid %q: %w", owner, u.Gid, err)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			plog.Warn("Artifact missing, skipping ownership change", "path", path)
			continue
		}
		if err := os.Chown(path, uid, gid); err != nil {
			return fmt.Errorf("failed to chown %s to %s: %w", path, owner, err)
		}
	}
	return nil
}
