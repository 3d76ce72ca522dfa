package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/afero"

	"github.com/visiongw/vision-usb-gateway/command"
)

var (
	// ErrActiveDeviceUnknown is returned when the active-device marker is
	// missing or empty.
	ErrActiveDeviceUnknown = errors.New("active device unknown")
	// ErrRefusedActiveDevice is returned when asked to mount the device the
	// machine is currently writing to.
	ErrRefusedActiveDevice = errors.New("refusing to mount the active device")
	// ErrSnapshotCreate wraps a failed snapshot creation.
	ErrSnapshotCreate = errors.New("snapshot create failed")
	// ErrSnapshotDeviceNotReady is returned when the snapshot's device node
	// never appeared.
	ErrSnapshotDeviceNotReady = errors.New("snapshot device node not ready")
	// ErrMount wraps a failed primary mount.
	ErrMount = errors.New("mount failed")
)

// Tools probed by path before use; neither exists on every distribution.
const (
	udevadmPath = "/sbin/udevadm"
	dmsetupPath = "/sbin/dmsetup"
)

// activationVariants are the lvchange flag sets tried after lvcreate. LVM
// releases disagree on which one makes a fresh snapshot activatable.
var activationVariants = [][]string{
	{"--setactivationskip", "n"},
	{"-kn"},
	{"-ay", "-K"},
}

// MountTable answers whether something is mounted at a mount point.
type MountTable interface {
	IsMounted(ctx context.Context, mountPoint string) (bool, error)
}

type partitionTable struct{}

// SystemMountTable reads the live mount table.
func SystemMountTable() MountTable {
	return partitionTable{}
}

func (partitionTable) IsMounted(ctx context.Context, mountPoint string) (bool, error) {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return false, fmt.Errorf("read mount table: %w", err)
	}
	want := filepath.Clean(mountPoint)
	return lo.ContainsBy(parts, func(p disk.PartitionStat) bool {
		return filepath.Clean(p.Mountpoint) == want
	}), nil
}

// DeviceOptions configures a DeviceManager.
type DeviceOptions struct {
	VolumeGroup  string
	SnapshotName string
	FSType       string
	WaitAttempts int
	WaitInterval time.Duration
}

// DeviceManager drives LVM snapshots and mounts through external tools.
type DeviceManager struct {
	exec    command.Executor
	fs      afero.Fs
	clock   clockwork.Clock
	mounts  MountTable
	opts    DeviceOptions
	devRoot string
}

// NewDeviceManager creates a DeviceManager. Device nodes and tool
// binaries are probed through afs.
func NewDeviceManager(exec command.Executor, afs afero.Fs, clock clockwork.Clock, mounts MountTable, opts DeviceOptions) *DeviceManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DeviceManager{
		exec:    exec,
		fs:      afs,
		clock:   clock,
		mounts:  mounts,
		opts:    opts,
		devRoot: "/dev",
	}
}

// SnapshotPath is the LVM path of the snapshot volume.
func (d *DeviceManager) SnapshotPath() string {
	return filepath.Join(d.devRoot, d.opts.VolumeGroup, d.opts.SnapshotName)
}

// mapperPath is the device-mapper node of the snapshot. Hyphens inside
// VG and LV names are doubled in mapper names.
func (d *DeviceManager) mapperPath() string {
	esc := func(s string) string { return strings.ReplaceAll(s, "-", "--") }
	return filepath.Join(d.devRoot, "mapper", esc(d.opts.VolumeGroup)+"-"+esc(d.opts.SnapshotName))
}

// RemoveSnapshot removes the snapshot volume.
func (d *DeviceManager) RemoveSnapshot(ctx context.Context) error {
	return d.exec.Run(ctx, "lvremove", "-y", d.SnapshotPath())
}

// CreateSnapshot creates a copy-on-write snapshot of active, activates it
// and waits for its device node. It returns the node to mount.
func (d *DeviceManager) CreateSnapshot(ctx context.Context, active string) (string, error) {
	l := sub("device")
	if err := d.exec.Run(ctx, "lvcreate", "-s", "-n", d.opts.SnapshotName, active); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSnapshotCreate, err)
	}
	l.Info("snapshot created", "origin", active, "snapshot", d.SnapshotPath())

	for _, flags := range activationVariants {
		args := append(append([]string{}, flags...), d.SnapshotPath())
		bestEffort(l, slog.LevelDebug, "lvchange "+strings.Join(flags, " "), d.exec.Run(ctx, "lvchange", args...))
	}

	return d.WaitForNode(ctx)
}

// WaitForNode polls for the snapshot's LVM or mapper node. udev is settled
// once before polling; dmsetup mknodes is tried once after the last poll.
func (d *DeviceManager) WaitForNode(ctx context.Context) (string, error) {
	l := sub("device")
	if d.exists(udevadmPath) {
		bestEffort(l, slog.LevelDebug, "udevadm settle", d.exec.Run(ctx, udevadmPath, "settle"))
	}

	for attempt := 0; attempt < d.opts.WaitAttempts; attempt++ {
		if node, ok := d.findNode(); ok {
			l.Debug("snapshot node ready", "node", node, "attempt", attempt)
			return node, nil
		}
		d.clock.Sleep(d.opts.WaitInterval)
	}

	if d.exists(dmsetupPath) {
		bestEffort(l, slog.LevelDebug, "dmsetup mknodes", d.exec.Run(ctx, dmsetupPath, "mknodes"))
		if node, ok := d.findNode(); ok {
			return node, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSnapshotDeviceNotReady, d.SnapshotPath())
}

func (d *DeviceManager) findNode() (string, bool) {
	for _, p := range []string{d.SnapshotPath(), d.mapperPath()} {
		if d.exists(p) {
			return p, true
		}
	}
	return "", false
}

func (d *DeviceManager) exists(path string) bool {
	_, err := d.fs.Stat(path)
	return err == nil
}

// MountReadOnly mounts device at mountPoint for scanning.
func (d *DeviceManager) MountReadOnly(ctx context.Context, device, mountPoint string) error {
	if err := d.mount(ctx, device, mountPoint, true); err != nil {
		return fmt.Errorf("%w: %w", ErrMount, err)
	}
	return nil
}

// MountReadWrite mounts device at mountPoint for preseeding.
func (d *DeviceManager) MountReadWrite(ctx context.Context, device, mountPoint string) error {
	return d.mount(ctx, device, mountPoint, false)
}

func (d *DeviceManager) mount(ctx context.Context, device, mountPoint string, readOnly bool) error {
	if err := d.fs.MkdirAll(mountPoint, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", mountPoint, err)
	}
	opts := mountOptions(d.opts.FSType, readOnly)
	if err := d.exec.Run(ctx, "mount", "-t", d.opts.FSType, "-o", opts, device, mountPoint); err != nil {
		return err
	}
	sub("device").Info("mounted", "device", device, "at", mountPoint, "opts", opts)
	return nil
}

// Unmount unmounts mountPoint.
func (d *DeviceManager) Unmount(ctx context.Context, mountPoint string) error {
	return d.exec.Run(ctx, "umount", mountPoint)
}

// EnsureUnmounted unmounts a leftover mount at mountPoint, if any. Both
// the probe and the unmount are best-effort.
func (d *DeviceManager) EnsureUnmounted(ctx context.Context, mountPoint string) {
	l := sub("device")
	mounted, err := d.mounts.IsMounted(ctx, mountPoint)
	if err != nil {
		bestEffort(l, slog.LevelWarn, "mount table probe", err)
		return
	}
	if !mounted {
		return
	}
	l.Warn("stale mount found", "at", mountPoint)
	bestEffort(l, slog.LevelWarn, "unmount stale mount", d.Unmount(ctx, mountPoint))
}

// mountOptions returns the -o argument for fsType.
func mountOptions(fsType string, readOnly bool) string {
	opts := []string{"rw"}
	if readOnly {
		opts[0] = "ro"
	}
	if fsType == "vfat" {
		opts = append(opts, "utf8", "shortname=mixed")
	}
	opts = append(opts, "nodev", "nosuid", "noexec")
	return strings.Join(opts, ",")
}

// ReadActiveDevice returns the trimmed content of the active-device marker.
func ReadActiveDevice(afs afero.Fs, path string) (string, error) {
	data, err := afero.ReadFile(afs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s missing", ErrActiveDeviceUnknown, path)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	dev := strings.TrimSpace(string(data))
	if dev == "" {
		return "", fmt.Errorf("%w: %s empty", ErrActiveDeviceUnknown, path)
	}
	return dev, nil
}

// bestEffort logs a failed step that must not abort the pass.
func bestEffort(l *slog.Logger, level slog.Level, what string, err error) {
	if err == nil {
		return
	}
	l.Log(context.Background(), level, what+" failed", "err", err)
}
