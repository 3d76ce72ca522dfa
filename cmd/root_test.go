package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vsync "github.com/visiongw/vision-usb-gateway/sync"
)

func writeConfig(t *testing.T, lines string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	mirror := filepath.Join(dir, "mirror")
	path := filepath.Join(dir, "vision-gw.conf")
	content := "MIRROR_MOUNT=" + mirror + "\nACTIVE_FILE=" + filepath.Join(dir, "missing-active") + "\n" + lines
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path, mirror
}

func TestStatus_EmptyState(t *testing.T) {
	path, mirror := writeConfig(t, "")

	var out bytes.Buffer
	root := New()
	root.SetOut(&out)
	root.SetArgs([]string{"status", "--config", path})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "mirror:  "+mirror)
	assert.Contains(t, out.String(), "tracked: 0")
	assert.Contains(t, out.String(), "synced:  0")
	assert.FileExists(t, filepath.Join(mirror, ".state", vsync.DBFileName))
}

func TestStatus_ListsLedger(t *testing.T) {
	path, mirror := writeConfig(t, "")

	db, err := vsync.OpenDB(filepath.Join(mirror, ".state"))
	require.NoError(t, err)
	store := vsync.NewStore(db)
	require.NoError(t, store.MarkSynced(vsync.SyncedFile{
		SourcePath: "DCIM/IMG_0001.JPG", Size: 42, Mtime: 1700000000,
		RawPath: "/m/raw/IMG_0001_1700000000_abcdef01.JPG", ByDatePath: "/m/bydate/x", SyncedAt: 1700000100,
	}))
	db.Close()

	var out bytes.Buffer
	root := New()
	root.SetOut(&out)
	root.SetArgs([]string{"status", "--config", path, "-n", "5"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "synced:  1")
	assert.Contains(t, out.String(), "DCIM/IMG_0001.JPG")
	assert.Contains(t, out.String(), "IMG_0001_1700000000_abcdef01.JPG")
}

func TestRoot_MissingActiveMarkerFails(t *testing.T) {
	path, _ := writeConfig(t, "")

	root := New()
	root.SetArgs([]string{"--config", path, "--offline"})

	err := root.Execute()
	require.ErrorIs(t, err, vsync.ErrActiveDeviceUnknown)
}

func TestRoot_MissingConfigFails(t *testing.T) {
	root := New()
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "nope.conf")})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRoot_RejectsArgs(t *testing.T) {
	root := New()
	root.SetArgs([]string{"extra"})
	require.Error(t, root.Execute())
}
