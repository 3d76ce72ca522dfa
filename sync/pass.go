package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/afero"

	"github.com/visiongw/vision-usb-gateway/command"
	"github.com/visiongw/vision-usb-gateway/config"
)

// Options selects how a pass obtains its device.
type Options struct {
	// DeviceOverride mounts this device directly instead of snapshotting
	// the active one. Settings sync is skipped on this path.
	DeviceOverride string
	// Offline skips settings sync.
	Offline bool
}

// Deps are the system facilities a pass uses. Zero fields get the real
// implementations.
type Deps struct {
	Exec   command.Executor
	Fs     afero.Fs
	Clock  clockwork.Clock
	Mounts MountTable
}

// ScanStats counts what one scan did.
type ScanStats struct {
	Scanned      int
	Stable       int
	Archived     int
	Deduplicated int
	Skipped      int
	Failed       int
}

// Pass runs one snapshot, scan and archive cycle.
type Pass struct {
	cfg      *config.Config
	store    *Store
	fs       afero.Fs
	clock    clockwork.Clock
	devices  *DeviceManager
	archiver *Archiver
	settings *SettingsSync
	skip     *SkipList
	usage    func(ctx context.Context, path string) (*disk.UsageStat, error)
}

// NewPass wires a Pass from the configuration.
func NewPass(cfg *config.Config, store *Store, deps Deps) *Pass {
	if deps.Exec == nil {
		deps.Exec = &command.RealExecutor{}
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Mounts == nil {
		deps.Mounts = SystemMountTable()
	}

	devices := NewDeviceManager(deps.Exec, deps.Fs, deps.Clock, deps.Mounts, DeviceOptions{
		VolumeGroup:  cfg.VolumeGroup,
		SnapshotName: cfg.SnapshotName,
		FSType:       cfg.FSType,
		WaitAttempts: cfg.DeviceWaitAttempts,
		WaitInterval: cfg.DeviceWaitInterval,
	})

	p := &Pass{
		cfg:     cfg,
		store:   store,
		fs:      deps.Fs,
		clock:   deps.Clock,
		devices: devices,
		archiver: NewArchiver(store, ArchiverOptions{
			MirrorRoot:  cfg.MirrorRoot,
			MaxFileSize: cfg.MaxFileSize,
			CopyChunk:   cfg.CopyChunk,
			TreeLayout:  cfg.RawLayout == config.RawLayoutTree,
		}, deps.Clock),
		skip:  NewSkipList(cfg.SkipDirs),
		usage: disk.UsageWithContext,
	}
	if cfg.SettingsEnabled() {
		p.settings = NewSettingsSync(deps.Fs, devices, SettingsOptions{
			Dir:          cfg.SettingsDir,
			BackupDir:    cfg.SettingsBackup,
			PreseedMount: cfg.PreseedMount,
			StateDir:     cfg.StateDir,
			Devices:      cfg.Devices,
		})
	}
	return p
}

// Run executes one pass. Errors returned are fatal for the pass; per-file
// and best-effort failures are logged and counted instead. Cancelling ctx
// stops the scan and makes Run fail once teardown has run.
//
// Without a device override the active device is snapshotted and the
// snapshot mounted read-only. Teardown always runs in reverse order:
// unmount, then snapshot removal.
func (p *Pass) Run(ctx context.Context, opts Options) (ScanStats, error) {
	l := sub("pass").With("pass", uuid.NewString()[:8])
	resetErrorCount()
	// Teardown must still run after the pass is interrupted.
	cleanupCtx := context.WithoutCancel(ctx)
	start := p.clock.Now()

	active, err := ReadActiveDevice(p.fs, p.cfg.ActiveFile)
	if err != nil {
		l.Error("pass aborted", "err", err)
		return ScanStats{}, err
	}

	var device string
	if opts.DeviceOverride != "" {
		if opts.DeviceOverride == active {
			err := fmt.Errorf("%w: %s", ErrRefusedActiveDevice, active)
			l.Error("pass aborted", "err", err)
			return ScanStats{}, err
		}
		device = opts.DeviceOverride
		l.Info("pass start", "device", device, "override", true)
	} else {
		l.Info("pass start", "active", active)
		bestEffort(l, slog.LevelDebug, "remove stale snapshot", p.devices.RemoveSnapshot(cleanupCtx))

		node, err := p.devices.CreateSnapshot(ctx, active)
		defer func() {
			bestEffort(l, slog.LevelWarn, "remove snapshot", p.devices.RemoveSnapshot(cleanupCtx))
		}()
		if err != nil {
			l.Error("pass aborted", "err", err)
			return ScanStats{}, err
		}
		device = node
	}

	mountPoint := p.cfg.SnapshotMount
	p.devices.EnsureUnmounted(ctx, mountPoint)
	if err := p.devices.MountReadOnly(ctx, device, mountPoint); err != nil {
		l.Error("pass aborted", "err", err)
		return ScanStats{}, err
	}
	defer func() {
		bestEffort(l, slog.LevelWarn, "unmount", p.devices.Unmount(cleanupCtx, mountPoint))
	}()

	if p.settings != nil && opts.DeviceOverride == "" && !opts.Offline {
		if err := p.settings.Sync(ctx, mountPoint, active); err != nil {
			l.Error("settings sync failed", "err", err)
		}
	}

	stats := p.scan(ctx, mountPoint)
	p.logSummary(cleanupCtx, l, stats, start)
	if err := ctx.Err(); err != nil {
		l.Error("pass interrupted", "err", err)
		return stats, fmt.Errorf("pass interrupted: %w", err)
	}
	return stats, nil
}

// scan observes every file under root and archives the stable ones.
func (p *Pass) scan(ctx context.Context, root string) ScanStats {
	l := sub("pass")
	var stats ScanStats

	for obs, err := range WalkFiles(root, p.skip) {
		if ctx.Err() != nil {
			l.Warn("scan interrupted", "err", ctx.Err())
			break
		}
		if err != nil {
			stats.Failed++
			continue
		}
		stats.Scanned++

		count, err := p.store.Observe(obs.RelPath, obs.Size, obs.Mtime, p.clock.Now().Unix())
		if err != nil {
			stats.Failed++
			continue
		}
		if count < p.cfg.StableScansRequired {
			if logEnabled(slog.LevelDebug) {
				l.Debug("not yet stable", "path", obs.RelPath, "count", count)
			}
			continue
		}
		stats.Stable++

		src, err := SafeJoin(root, obs.RelPath)
		if err != nil {
			l.Error("unsafe source path", "path", obs.RelPath, "err", err)
			stats.Failed++
			continue
		}
		res, err := p.archiver.Archive(ctx, obs, src)
		if err != nil {
			l.Error("archive failed", "path", obs.RelPath, "err", err)
			stats.Failed++
			continue
		}
		switch res.Outcome {
		case Archived:
			stats.Archived++
		case Deduplicated:
			stats.Deduplicated++
		default:
			stats.Skipped++
		}
	}
	return stats
}

func (p *Pass) logSummary(ctx context.Context, l *slog.Logger, stats ScanStats, start time.Time) {
	attrs := []any{
		"scanned", stats.Scanned,
		"stable", stats.Stable,
		"archived", stats.Archived,
		"deduplicated", stats.Deduplicated,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"errors", ErrorCount(),
		"elapsed", p.clock.Since(start).Round(time.Millisecond),
	}
	if u, err := p.usage(ctx, p.cfg.MirrorRoot); err == nil {
		attrs = append(attrs, "mirrorFreeBytes", u.Free, "mirrorUsedPercent", fmt.Sprintf("%.1f", u.UsedPercent))
	} else {
		bestEffort(l, slog.LevelDebug, "mirror usage", err)
	}
	l.Info("pass complete", attrs...)
}
