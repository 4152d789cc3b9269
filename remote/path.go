package remote

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Join builds a key path from segments, ignoring empty ones.
func Join(parts ...string) string {
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, "/")
}

// Split returns the segments of a key path. The root path has none.
func Split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Key returns the last segment of path.
func Key(path string) string {
	path = strings.Trim(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Parent returns path without its last segment.
func Parent(path string) string {
	path = strings.Trim(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

// IsAncestor reports whether a is b or one of b's ancestors, segment-wise.
func IsAncestor(a, b []string) bool {
	if len(a) > len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ValidatePath rejects paths with segments that cannot be stored.
func ValidatePath(path string) error {
	for _, seg := range Split(path) {
		if !ValidKey(seg) {
			return errors.Wrapf(ErrInvalidPath, "segment %q in %q", seg, path)
		}
	}
	return nil
}

// ValidKey reports whether k can be used as a single path segment.
func ValidKey(k string) bool {
	return k != "" && !strings.ContainsAny(k, "/.#$[]")
}
