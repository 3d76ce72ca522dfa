package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// State files written next to the database.
const (
	manifestFileName = "settings.manifest"
	preseedFileName  = "settings.preseed"
)

// Mounter mounts a device read-write and unmounts it again.
type Mounter interface {
	MountReadWrite(ctx context.Context, device, mountPoint string) error
	Unmount(ctx context.Context, mountPoint string) error
}

// SettingsOptions configures a SettingsSync.
type SettingsOptions struct {
	// Dir is the settings subtree name on the device. Empty disables sync.
	Dir          string
	BackupDir    string
	PreseedMount string
	StateDir     string
	Devices      []string
}

// SettingsSync keeps the backing store of the settings subtree current and
// preseeds it onto the next device in the rotation.
type SettingsSync struct {
	fs      afero.Fs
	mounter Mounter
	opts    SettingsOptions
}

// NewSettingsSync creates a SettingsSync.
func NewSettingsSync(afs afero.Fs, mounter Mounter, opts SettingsOptions) *SettingsSync {
	return &SettingsSync{fs: afs, mounter: mounter, opts: opts}
}

// ManifestDigest summarizes the tree at root as the SHA-256 of its sorted
// "rel\tsize\tmtime" file lines. Directories do not contribute.
func ManifestDigest(afs afero.Fs, root string) (string, error) {
	var lines []string
	err := afero.Walk(afs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		lines = append(lines, filepath.ToSlash(rel)+"\t"+
			strconv.FormatInt(info.Size(), 10)+"\t"+
			strconv.FormatInt(info.ModTime().Unix(), 10))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("manifest %s: %w", root, err)
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:]), nil
}

// NextDevice returns the device after active in the rotation, wrapping
// around. An active device that is not in the rotation yields the first
// entry. Rotations shorter than two have no next device.
func NextDevice(devices []string, active string) (string, bool) {
	if len(devices) < 2 {
		return "", false
	}
	i := lo.IndexOf(devices, active)
	if i < 0 {
		return devices[0], true
	}
	return devices[(i+1)%len(devices)], true
}

// Sync runs one settings cycle against the device mounted at mountedRoot.
//
// When the subtree changed since the last run it is mirrored into the
// backing store and the new manifest persisted. The backing store is then
// preseeded onto the device after active unless that exact content already
// went to that exact device. Preseed failures are logged and do not fail
// Sync.
func (s *SettingsSync) Sync(ctx context.Context, mountedRoot, active string) error {
	l := sub("settings")
	if s.opts.Dir == "" {
		return nil
	}

	src, err := SafeJoin(mountedRoot, s.opts.Dir)
	if err != nil {
		return err
	}
	if _, err := s.fs.Stat(src); errors.Is(err, fs.ErrNotExist) {
		l.Debug("no settings on device", "path", src)
		return nil
	} else if err != nil {
		return fmt.Errorf("stat settings: %w", err)
	}

	digest, err := ManifestDigest(s.fs, src)
	if err != nil {
		return err
	}
	manifestPath := filepath.Join(s.opts.StateDir, manifestFileName)
	prev := s.readState(manifestPath)

	if digest != prev {
		stats, err := Mirror(s.fs, src, s.opts.BackupDir)
		if err != nil {
			return fmt.Errorf("backup settings: %w", err)
		}
		if err := writeFileAtomic(s.fs, manifestPath, []byte(digest+"\n")); err != nil {
			return fmt.Errorf("persist manifest: %w", err)
		}
		l.Info("settings backed up", "digest", digest[:12], "copied", stats.Copied, "removed", stats.Removed)
	} else if logEnabled(slog.LevelDebug) {
		l.Debug("settings unchanged", "digest", digest[:12])
	}

	next, ok := NextDevice(s.opts.Devices, active)
	if !ok {
		return nil
	}
	markerPath := filepath.Join(s.opts.StateDir, preseedFileName)
	marker := digest + " " + next
	if s.readState(markerPath) == marker {
		return nil
	}

	if err := s.preseed(ctx, next); err != nil {
		l.Warn("preseed failed", "device", next, "err", err)
		return nil
	}
	if err := writeFileAtomic(s.fs, markerPath, []byte(marker+"\n")); err != nil {
		l.Warn("persist preseed marker failed", "err", err)
	}
	l.Info("settings preseeded", "device", next)
	return nil
}

func (s *SettingsSync) preseed(ctx context.Context, device string) (err error) {
	l := sub("settings")
	if err := s.fs.MkdirAll(s.opts.PreseedMount, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", s.opts.PreseedMount, err)
	}
	if err := s.mounter.MountReadWrite(ctx, device, s.opts.PreseedMount); err != nil {
		return err
	}
	defer func() {
		bestEffort(l, slog.LevelWarn, "unmount preseed", s.mounter.Unmount(context.WithoutCancel(ctx), s.opts.PreseedMount))
	}()

	dst, err := SafeJoin(s.opts.PreseedMount, s.opts.Dir)
	if err != nil {
		return err
	}
	if _, err := Mirror(s.fs, s.opts.BackupDir, dst); err != nil {
		return fmt.Errorf("write settings to %s: %w", device, err)
	}
	return nil
}

// readState returns the trimmed content of a small state file, or "" when
// it cannot be read.
func (s *SettingsSync) readState(path string) string {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
