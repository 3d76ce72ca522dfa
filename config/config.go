// Package config loads the gateway configuration file.
//
// The file uses the shell-style KEY=VALUE format shared with the gateway's
// shell scripts, e.g.
//
//	MIRROR_MOUNT=/srv/vision_mirror
//	USB_DEVICES=(/dev/sda1 /dev/sdb1 /dev/sdc1)
//	SETTINGS_DIR="Settings"
//
// Every key can be overridden from the environment with a VISION_ prefix
// (VISION_MIRROR_MOUNT, ...).
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flynn/go-shlex"
	"github.com/mitchellh/go-homedir"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// envPrefix prefixes environment overrides.
const envPrefix = "VISION"

// DefaultPath is where the gateway installs its configuration.
const DefaultPath = "/etc/vision-gw.conf"

// Canonical store layouts.
const (
	RawLayoutFlat = "flat"
	RawLayoutTree = "tree"
)

const (
	keyMirrorMount      = "mirror_mount"
	keyStateDir         = "state_dir"
	keySnapshotName     = "sync_snapshot_name"
	keySnapshotMount    = "sync_mount"
	keyVolumeGroup      = "lvm_vg"
	keyDevices          = "usb_devices"
	keyActiveFile       = "active_file"
	keyFSType           = "fs_type"
	keySettingsDir      = "settings_dir"
	keySettingsBackup   = "settings_backup"
	keyPreseedMount     = "preseed_mount"
	keyStableScans      = "stable_scan_required"
	keyMaxFileSize      = "max_file_size_bytes"
	keyCopyChunk        = "copy_chunk_bytes"
	keyRawLayout        = "raw_layout"
	keySkipDirs         = "skip_dirs"
	keyWaitAttempts     = "device_wait_attempts"
	keyWaitIntervalMs   = "device_wait_interval_ms"
	keyLogDir           = "log_dir"
	settingsDisabledTag = "-"
)

// Config is the gateway configuration.
type Config struct {
	MirrorRoot    string
	StateDir      string
	SnapshotName  string
	SnapshotMount string
	VolumeGroup   string
	// Devices is the rotation of removable devices the machine cycles through.
	Devices    []string
	ActiveFile string
	FSType     string

	// SettingsDir is the name of the settings subtree on the device. Empty
	// disables settings propagation.
	SettingsDir    string
	SettingsBackup string
	PreseedMount   string

	StableScansRequired int
	MaxFileSize         int64
	CopyChunk           int
	RawLayout           string
	SkipDirs            []string

	DeviceWaitAttempts int
	DeviceWaitInterval time.Duration

	LogDir string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyMirrorMount, "/srv/vision_mirror")
	v.SetDefault(keyStateDir, "")
	v.SetDefault(keySnapshotName, "usb_sync_snap")
	v.SetDefault(keySnapshotMount, "/mnt/vision_snap")
	v.SetDefault(keyVolumeGroup, "vg0")
	v.SetDefault(keyDevices, "()")
	v.SetDefault(keyActiveFile, "/run/vision-usb-active")
	v.SetDefault(keyFSType, "vfat")
	v.SetDefault(keySettingsDir, "")
	v.SetDefault(keySettingsBackup, "")
	v.SetDefault(keyPreseedMount, "/mnt/vision_preseed")
	v.SetDefault(keyStableScans, 2)
	v.SetDefault(keyMaxFileSize, int64(4)<<30)
	v.SetDefault(keyCopyChunk, 8<<20)
	v.SetDefault(keyRawLayout, RawLayoutFlat)
	v.SetDefault(keySkipDirs, `("System Volume Information/" "$RECYCLE.BIN/")`)
	v.SetDefault(keyWaitAttempts, 50)
	v.SetDefault(keyWaitIntervalMs, 100)
	v.SetDefault(keyLogDir, "")
}

// Load reads the configuration at path. An empty path yields the defaults
// (plus environment overrides).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	var rawLists map[string]string
	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("expand config path: %w", err)
		}
		v.SetConfigFile(expanded)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", expanded, err)
			}
			return nil, fmt.Errorf("read config %s: %w", expanded, err)
		}
		if rawLists, err = readRawValues(expanded, keyDevices, keySkipDirs); err != nil {
			return nil, fmt.Errorf("read config %s: %w", expanded, err)
		}
	}

	devices, err := ParseList(listValue(v, rawLists, keyDevices))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", strings.ToUpper(keyDevices), err)
	}
	skipDirs, err := ParseList(listValue(v, rawLists, keySkipDirs))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", strings.ToUpper(keySkipDirs), err)
	}

	cfg := &Config{
		SnapshotName:        v.GetString(keySnapshotName),
		VolumeGroup:         v.GetString(keyVolumeGroup),
		Devices:             devices,
		FSType:              v.GetString(keyFSType),
		SettingsDir:         strings.Trim(v.GetString(keySettingsDir), "/"),
		StableScansRequired: v.GetInt(keyStableScans),
		MaxFileSize:         v.GetInt64(keyMaxFileSize),
		CopyChunk:           v.GetInt(keyCopyChunk),
		RawLayout:           strings.ToLower(v.GetString(keyRawLayout)),
		SkipDirs:            skipDirs,
		DeviceWaitAttempts:  v.GetInt(keyWaitAttempts),
		DeviceWaitInterval:  time.Duration(v.GetInt(keyWaitIntervalMs)) * time.Millisecond,
	}
	if cfg.SettingsDir == settingsDisabledTag {
		cfg.SettingsDir = ""
	}

	paths := []struct {
		dst *string
		key string
	}{
		{&cfg.MirrorRoot, keyMirrorMount},
		{&cfg.StateDir, keyStateDir},
		{&cfg.SnapshotMount, keySnapshotMount},
		{&cfg.ActiveFile, keyActiveFile},
		{&cfg.SettingsBackup, keySettingsBackup},
		{&cfg.PreseedMount, keyPreseedMount},
		{&cfg.LogDir, keyLogDir},
	}
	for _, p := range paths {
		raw := v.GetString(p.key)
		if raw == "" {
			continue
		}
		expanded, err := homedir.Expand(raw)
		if err != nil {
			return nil, fmt.Errorf("expand %s: %w", strings.ToUpper(p.key), err)
		}
		*p.dst = filepath.Clean(expanded)
	}

	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.MirrorRoot, ".state")
	}
	if cfg.SettingsBackup == "" {
		cfg.SettingsBackup = filepath.Join(cfg.StateDir, "settings")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.MirrorRoot == "":
		return errors.New("MIRROR_MOUNT must not be empty")
	case c.SnapshotName == "":
		return errors.New("SYNC_SNAPSHOT_NAME must not be empty")
	case c.SnapshotMount == "":
		return errors.New("SYNC_MOUNT must not be empty")
	case c.StableScansRequired < 1:
		return fmt.Errorf("STABLE_SCAN_REQUIRED must be at least 1, got %d", c.StableScansRequired)
	case c.MaxFileSize < 1:
		return fmt.Errorf("MAX_FILE_SIZE_BYTES must be positive, got %d", c.MaxFileSize)
	case c.CopyChunk < 1:
		return fmt.Errorf("COPY_CHUNK_BYTES must be positive, got %d", c.CopyChunk)
	case c.DeviceWaitAttempts < 1:
		return fmt.Errorf("DEVICE_WAIT_ATTEMPTS must be at least 1, got %d", c.DeviceWaitAttempts)
	case c.RawLayout != RawLayoutFlat && c.RawLayout != RawLayoutTree:
		return fmt.Errorf("RAW_LAYOUT must be %q or %q, got %q", RawLayoutFlat, RawLayoutTree, c.RawLayout)
	}
	return nil
}

// SettingsEnabled reports whether settings propagation is configured.
func (c *Config) SettingsEnabled() bool {
	return c.SettingsDir != ""
}

// ParseList parses a shell array value such as `(a "b c")`. The
// surrounding parentheses are optional.
func ParseList(value string) ([]string, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "(") && strings.HasSuffix(value, ")") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	if value == "" {
		return nil, nil
	}
	items, err := shlex.Split(value)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// readRawValues returns the unexpanded values of keys as written in the
// file at path. The env decoder expands $NAME inside values, which would
// mangle list entries such as "$RECYCLE.BIN/".
func readRawValues(path string, keys ...string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(name))
		if lo.Contains(keys, key) {
			out[key] = strings.TrimSpace(value)
		}
	}
	return out, sc.Err()
}

// listValue picks the raw file value for a list key unless the environment
// overrides it.
func listValue(v *viper.Viper, raw map[string]string, key string) string {
	if _, ok := os.LookupEnv(envPrefix + "_" + strings.ToUpper(key)); ok {
		return v.GetString(key)
	}
	if value, ok := raw[key]; ok {
		return value
	}
	return v.GetString(key)
}
