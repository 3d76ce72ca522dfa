package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// maxNameLen is the file name limit shared by vfat and ext4.
const maxNameLen = 255

// tmpName returns a unique hidden temp file name derived from final.
// Long names are truncated so the result still fits in maxNameLen.
func tmpName(final string) string {
	id := uuid.NewString()
	room := maxNameLen - len(".") - len(".") - len(id) - len(".tmp")
	if len(final) > room {
		final = final[:room]
	}
	return "." + final + "." + id + ".tmp"
}

// hashCopy streams src into a fresh temp file inside dir through a buffer of
// chunk bytes, hashing the same stream with SHA-256. The temp file is
// fsynced and stamped with mtime before hashCopy returns, so the caller can
// rename it into place. On error the temp file is removed.
func hashCopy(ctx context.Context, src, dir, finalName string, chunk int, mtime time.Time) (tmpPath, digest string, err error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return "", "", fmt.Errorf("open src: %w", err)
	}
	defer srcFile.Close()

	tmpPath = filepath.Join(dir, tmpName(finalName))
	tmpFile, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", "", fmt.Errorf("create tmp: %w", err)
	}

	h := sha256.New()
	buf := make([]byte, chunk)
	var copyErr error
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			copyErr = ctxErr
			break
		}

		n, readErr := srcFile.Read(buf)
		if n > 0 {
			if _, writeErr := tmpFile.Write(buf[:n]); writeErr != nil {
				copyErr = fmt.Errorf("write tmp: %w", writeErr)
				break
			}
			h.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			copyErr = fmt.Errorf("read src: %w", readErr)
			break
		}
	}

	if copyErr == nil {
		if syncErr := tmpFile.Sync(); syncErr != nil {
			copyErr = fmt.Errorf("fsync tmp: %w", syncErr)
		}
	}
	if closeErr := tmpFile.Close(); closeErr != nil && copyErr == nil {
		copyErr = fmt.Errorf("close tmp: %w", closeErr)
	}
	if copyErr == nil {
		if chErr := os.Chtimes(tmpPath, mtime, mtime); chErr != nil {
			copyErr = fmt.Errorf("chtimes tmp: %w", chErr)
		}
	}

	if copyErr != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return "", "", copyErr
	}
	return tmpPath, hex.EncodeToString(h.Sum(nil)), nil
}

// linkOnce hard-links target at link unless something already exists there.
// It reports whether a new link was created.
func linkOnce(target, link string) (bool, error) {
	if _, err := os.Lstat(link); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat link: %w", err)
	}
	if err := os.Link(target, link); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("link: %w", err)
	}
	return true, nil
}

// syncDir fsyncs a directory so that renames inside it survive a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// writeFileAtomic replaces path with data via a synced temp file and rename.
func writeFileAtomic(afs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := afs.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := afero.TempFile(afs, dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create tmp: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			afs.Remove(tmpPath) //nolint:errcheck
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close tmp: %w", err)
	}
	if err := afs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename tmp: %w", err)
	}

	success = true
	return nil
}
