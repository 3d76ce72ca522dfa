package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrPathViolation matches every error returned for a path that may
	// not be used below its confinement root.
	ErrPathViolation = errors.New("path violation")

	// ErrAbsolutePath is returned for absolute candidate paths.
	ErrAbsolutePath = errors.New("absolute path not allowed")

	// ErrPathTraversal is returned when the resolved path leaves the root.
	ErrPathTraversal = errors.New("path traversal")
)

// PathViolationError describes a rejected candidate path.
type PathViolationError struct {
	Root string
	Path string
	Err  error
}

func (e *PathViolationError) Error() string {
	return fmt.Sprintf("%s: %q under %q", e.Err, e.Path, e.Root)
}

func (e *PathViolationError) Unwrap() []error {
	return []error{ErrPathViolation, e.Err}
}

// SafeJoin joins rel onto root and returns the resolved absolute path,
// failing unless the result lies within root. Symlinks along the existing
// part of the path and ".." elements are resolved before the comparison,
// so both a/../../etc and symlinks pointing outside root are rejected.
func SafeJoin(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", &PathViolationError{Root: root, Path: rel, Err: ErrAbsolutePath}
	}

	resolvedRoot, err := resolvePath(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %s: %w", root, err)
	}
	resolved, err := resolvePath(filepath.Join(resolvedRoot, rel))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rel, err)
	}

	if !isWithin(resolvedRoot, resolved) {
		return "", &PathViolationError{Root: root, Path: rel, Err: ErrPathTraversal}
	}
	return resolved, nil
}

// resolvePath makes p absolute and evaluates symlinks on its deepest
// existing ancestor. Components that do not exist yet are appended as-is.
func resolvePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	existing := abs
	var missing []string
	for {
		_, err := os.Lstat(existing)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		missing = append(missing, filepath.Base(existing))
		existing = parent
	}

	out, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	for i := len(missing) - 1; i >= 0; i-- {
		out = filepath.Join(out, missing[i])
	}
	return filepath.Clean(out), nil
}

// isWithin reports whether child is root itself or below it.
func isWithin(root, child string) bool {
	rel, err := filepath.Rel(root, child)
	if err != nil {
		return false
	}
	return rel == "." || !(rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
