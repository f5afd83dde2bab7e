package util

import (
	"path/filepath"
	"regexp"
	"strings"
)

var folderPathPattern = regexp.MustCompile(`^[a-zA-Z0-9._\-/]+$`)

// ValidateFolderPath enforces the charset and traversal rules every
// user-supplied folder/image path must satisfy before it is used to build a
// filesystem or registry path: no ".." segment, no leading "/", and a
// restricted charset. The returned string has trailing slashes stripped.
func ValidateFolderPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "/") {
		return "", New(KindValidation, "folder path must not start with '/'")
	}
	if !folderPathPattern.MatchString(p) {
		return "", New(KindValidation, "folder path contains disallowed characters")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", New(KindValidation, "folder path must not contain '..'")
		}
	}
	return strings.Trim(p, "/"), nil
}

// WithinRoot resolves candidate against root and reports whether the result
// stays within root. It is the last line of defense before any destructive
// filesystem operation (ghost-repository purge, orphan staging cleanup)
// touches a path built from external input.
func WithinRoot(root, candidate string) (string, bool) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absCandidate, err := filepath.Abs(candidate)
	if err != nil {
		return "", false
	}
	absRoot = filepath.Clean(absRoot)
	absCandidate = filepath.Clean(absCandidate)

	rootWithSep := absRoot + string(filepath.Separator)
	if absCandidate != absRoot && !strings.HasPrefix(absCandidate+string(filepath.Separator), rootWithSep) {
		return "", false
	}
	return absCandidate, true
}
