package filebackup

// exclusionSet holds the configured file extensions that are never archived.
// Membership is an exact string match including the leading dot (".tmp").
// The set is immutable after construction and therefore safe for concurrent
// use by the counting pass and every directory worker.
type exclusionSet map[string]struct{}

func newExclusionSet(extensions []string) exclusionSet {
	set := make(exclusionSet, len(extensions))
	for _, ext := range extensions {
		if ext == "" {
			continue // an empty pattern would match extensionless files
		}
		set[ext] = struct{}{}
	}
	return set
}

// isExcluded reports whether ext is configured for exclusion. Files without
// an extension (ext == "") are never excluded by this mechanism.
func (e exclusionSet) isExcluded(ext string) bool {
	if ext == "" {
		return false
	}
	_, found := e[ext]
	return found
}
