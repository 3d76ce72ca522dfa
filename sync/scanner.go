package sync

import (
	"errors"
	"io/fs"
	"iter"
	"path/filepath"
)

// WalkFiles returns a sequence over the regular files below root. Every
// call to the returned function performs a fresh walk, so the sequence can
// be ranged over again on the next scan. Entries matching skip are pruned.
//
// A per-entry error (for example a file that vanished between readdir and
// stat) is yielded together with the relative path it concerns and the walk
// continues. Only a failure on root itself ends the sequence early.
func WalkFiles(root string, skip *SkipList) iter.Seq2[FileObservation, error] {
	return func(yield func(FileObservation, error) bool) {
		l := sub("scanner")
		l.Debug("scan start", "root", root)
		files := 0

		stopped := false
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root {
					return err
				}
				l.Warn("scan walk error", "path", path, "err", err)
				if !yield(FileObservation{RelPath: relOrPath(root, path)}, err) {
					stopped = true
					return filepath.SkipAll
				}
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			// Skip the root itself
			if path == root {
				return nil
			}

			if skip.IsSkipped(d.Name(), d.IsDir()) {
				l.Debug("scan skip", "path", path)
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if !d.Type().IsRegular() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				l.Warn("scan stat error", "path", path, "err", err)
				if !yield(FileObservation{RelPath: relOrPath(root, path)}, err) {
					stopped = true
					return filepath.SkipAll
				}
				return nil
			}

			relPath, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}

			files++
			obs := FileObservation{
				RelPath: relPath,
				Size:    info.Size(),
				Mtime:   info.ModTime().Unix(),
			}
			if !yield(obs, nil) {
				stopped = true
				return filepath.SkipAll
			}
			return nil
		})

		if err != nil && !stopped {
			l.Warn("scan aborted", "root", root, "err", err)
			yield(FileObservation{}, err)
			return
		}
		l.Debug("scan complete", "root", root, "files", files, "stopped", stopped)
	}
}

func relOrPath(root, path string) string {
	if rel, err := filepath.Rel(root, path); err == nil {
		return rel
	}
	return path
}
