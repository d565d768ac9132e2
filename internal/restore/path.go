// Package restore reconstructs a completed run's files from its target
// artifacts (restore), or re-verifies their integrity without writing
// anything back to disk (verify). Both run as long-lived Operations with
// their own event stream, independent of Run.
package restore

import (
	"path/filepath"
	"strings"
)

// safeJoin joins rel onto base, rejecting any component that would
// escape base: normal path components and "." are allowed, everything
// else (including ".." and absolute paths) makes the join fail.
func safeJoin(base, rel string) (string, bool) {
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "/") {
		return "", false
	}
	var parts []string
	for _, c := range strings.Split(rel, "/") {
		switch c {
		case "", ".":
			continue
		case "..":
			return "", false
		default:
			parts = append(parts, c)
		}
	}
	return filepath.Join(base, filepath.Join(parts...)), true
}

// matchesSelection reports whether an archive-relative path should be
// restored given an optional set of selection prefixes: a nil/empty
// selection means "everything"; otherwise the path (or one of its
// ancestors) must equal a selection entry, or the path must be a
// descendant of one.
func matchesSelection(relPath string, selection []string) bool {
	if len(selection) == 0 {
		return true
	}
	rel := filepath.ToSlash(relPath)
	for _, sel := range selection {
		sel = filepath.ToSlash(strings.Trim(sel, "/"))
		if sel == "" || rel == sel || strings.HasPrefix(rel, sel+"/") {
			return true
		}
	}
	return false
}
