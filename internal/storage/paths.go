package storage

import (
	"strings"
)

// Separator is the virtual path separator.
const Separator = "/"

// JoinPath builds the path of a child named name under parent.
// An empty parent yields a root path.
func JoinPath(parent, name string) string {
	if parent == "" || parent == Separator {
		return Separator + name
	}
	return strings.TrimSuffix(parent, Separator) + Separator + name
}

// ParentOf returns the parent path of p, or "" when p is a root.
func ParentOf(p string) string {
	p = strings.TrimSuffix(p, Separator)
	idx := strings.LastIndex(p, Separator)
	if idx <= 0 {
		return ""
	}
	return p[:idx]
}

// BaseName returns the last segment of p.
func BaseName(p string) string {
	p = strings.TrimSuffix(p, Separator)
	return p[strings.LastIndex(p, Separator)+1:]
}

// IsWithin reports whether p equals root or lies below it. The match is
// anchored on a separator so "/a/bx" is not within "/a/b".
func IsWithin(p, root string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(root, Separator)+Separator)
}

// Rebase replaces the oldRoot prefix of p with newRoot. p must be within oldRoot.
func Rebase(p, oldRoot, newRoot string) string {
	if p == oldRoot {
		return newRoot
	}
	return newRoot + strings.TrimPrefix(p, oldRoot)
}

// ValidName reports whether name can be used as a path segment.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, Separator+"\x00")
}

// NormalizePath cleans a caller-supplied virtual path: it trims whitespace and
// trailing separators and ensures a leading separator. "" stays "".
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = strings.TrimRight(p, Separator)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, Separator) {
		p = Separator + p
	}
	return p
}
