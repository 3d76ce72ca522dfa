package sync

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// treeEntry is what the mirror compares between source and destination.
type treeEntry struct {
	isDir bool
	size  int64
	// mtime is truncated to whole seconds; vfat cannot store more.
	mtime int64
}

// treeSnapshot maps slash-free relative paths (filepath form) to entries.
type treeSnapshot map[string]treeEntry

// MirrorStats counts the work a Mirror call did.
type MirrorStats struct {
	Copied  int
	Removed int
	Dirs    int
}

// snapshotTree walks root and records every file and directory below it.
// A missing root yields an empty snapshot.
func snapshotTree(afs afero.Fs, root string) (treeSnapshot, error) {
	snap := treeSnapshot{}
	if _, err := afs.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return snap, nil
	}
	err := afero.Walk(afs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		switch {
		case info.IsDir():
			snap[rel] = treeEntry{isDir: true}
		case info.Mode().IsRegular():
			snap[rel] = treeEntry{size: info.Size(), mtime: info.ModTime().Unix()}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return snap, nil
}

// diff returns the files to copy and the paths to remove to turn dst into
// src. Paths to remove are ordered deepest first.
func (src treeSnapshot) diff(dst treeSnapshot) (toCopy, toRemove []string) {
	for rel, want := range src {
		if want.isDir {
			continue
		}
		if have, ok := dst[rel]; !ok || have != want {
			toCopy = append(toCopy, rel)
		}
	}
	for rel, have := range dst {
		want, ok := src[rel]
		if !ok || want.isDir != have.isDir {
			toRemove = append(toRemove, rel)
		}
	}
	sort.Strings(toCopy)
	sort.Slice(toRemove, func(i, j int) bool { return toRemove[i] > toRemove[j] })
	return toCopy, toRemove
}

// Mirror makes dst an exact copy of the tree at src: missing or changed
// files (by size and mtime) are copied with their mtime preserved, and
// anything in dst that is not in src is deleted. Permissions are not
// carried over.
func Mirror(afs afero.Fs, src, dst string) (MirrorStats, error) {
	var stats MirrorStats

	srcSnap, err := snapshotTree(afs, src)
	if err != nil {
		return stats, err
	}
	dstSnap, err := snapshotTree(afs, dst)
	if err != nil {
		return stats, err
	}
	toCopy, toRemove := srcSnap.diff(dstSnap)

	for _, rel := range toRemove {
		if err := afs.RemoveAll(filepath.Join(dst, rel)); err != nil {
			return stats, fmt.Errorf("remove %s: %w", rel, err)
		}
		stats.Removed++
	}

	if err := afs.MkdirAll(dst, 0755); err != nil {
		return stats, fmt.Errorf("mkdir %s: %w", dst, err)
	}
	dirs := make([]string, 0, len(srcSnap))
	for rel, e := range srcSnap {
		if e.isDir {
			dirs = append(dirs, rel)
		}
	}
	sort.Strings(dirs)
	for _, rel := range dirs {
		if _, ok := dstSnap[rel]; ok && dstSnap[rel].isDir {
			continue
		}
		if err := afs.MkdirAll(filepath.Join(dst, rel), 0755); err != nil {
			return stats, fmt.Errorf("mkdir %s: %w", rel, err)
		}
		stats.Dirs++
	}

	for _, rel := range toCopy {
		if err := copyPreservingMtime(afs, filepath.Join(src, rel), filepath.Join(dst, rel)); err != nil {
			return stats, fmt.Errorf("copy %s: %w", rel, err)
		}
		stats.Copied++
	}

	sub("mirror").Debug("mirror done", "src", src, "dst", dst,
		"copied", stats.Copied, "removed", stats.Removed, "dirs", stats.Dirs)
	return stats, nil
}

func copyPreservingMtime(afs afero.Fs, src, dst string) error {
	in, err := afs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := afs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return afs.Chtimes(dst, info.ModTime(), info.ModTime())
}
