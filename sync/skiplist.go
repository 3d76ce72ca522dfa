package sync

import (
	"path/filepath"
	"strings"
)

// SkipList holds name patterns excluded from scanning. Device filesystems
// carry OS housekeeping directories ("System Volume Information",
// "$RECYCLE.BIN") that must never be archived.
type SkipList struct {
	patterns []skipPattern
}

type skipPattern struct {
	pattern string
	dirOnly bool // trailing / in source entry
}

// NewSkipList builds a SkipList from glob patterns matched against entry
// names. A trailing "/" restricts a pattern to directories.
func NewSkipList(patterns []string) *SkipList {
	sl := &SkipList{}
	for _, raw := range patterns {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p := skipPattern{pattern: line}
		if strings.HasSuffix(line, "/") {
			p.pattern = strings.TrimSuffix(line, "/")
			p.dirOnly = true
		}
		sl.patterns = append(sl.patterns, p)
	}
	return sl
}

// IsSkipped returns true if the given entry name matches any pattern.
// For dirOnly patterns, isDir must be true for the pattern to match.
func (sl *SkipList) IsSkipped(name string, isDir bool) bool {
	if sl == nil {
		return false
	}
	for _, p := range sl.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		if p.pattern == name {
			return true
		}
		if matched, _ := filepath.Match(p.pattern, name); matched {
			return true
		}
	}
	return false
}
