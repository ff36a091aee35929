package config

import "os"

// SamePath returns true if a and b refer to the same filesystem entry.
// It handles case-insensitive filesystems (e.g. macOS APFS) and symlinks
// by comparing device+inode via os.SameFile. Falls back to exact string
// comparison when either path cannot be stat'd.
func SamePath(a, b string) bool {
	if a == b {
		return true
	}
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return false
	}
	return os.SameFile(infoA, infoB)
}

// resolveProjectPath returns the configured project path that refers to the
// same filesystem entry as path, preferring an exact match. ok is false when
// none does.
func resolveProjectPath(projects []string, path string) (string, bool) {
	for _, p := range projects {
		if p == path {
			return p, true
		}
	}
	for _, p := range projects {
		if SamePath(p, path) {
			return p, true
		}
	}
	return path, false
}
