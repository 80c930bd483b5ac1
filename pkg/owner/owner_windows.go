//go:build windows

// Package owner hands finished artifacts to the configured system user so a
// restore account that is not root can read them.
package owner

// ChownArtifacts is a no-op on Windows; ACL management is left to the
// operator.
func ChownArtifacts(owner string, paths ...string) error {
	return nil
}
