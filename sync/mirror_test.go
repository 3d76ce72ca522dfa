package sync

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMem(t *testing.T, afs afero.Fs, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, afero.WriteFile(afs, path, []byte(content), 0644))
	require.NoError(t, afs.Chtimes(path, mtime, mtime))
}

func TestMirror_CopiesTree(t *testing.T) {
	afs := afero.NewMemMapFs()
	mt := time.Unix(1700000000, 0)
	writeMem(t, afs, "/src/a.cfg", "alpha", mt)
	writeMem(t, afs, "/src/sub/b.cfg", "beta", mt)
	require.NoError(t, afs.MkdirAll("/src/empty", 0755))

	stats, err := Mirror(afs, "/src", "/dst")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Copied)
	assert.Zero(t, stats.Removed)

	got, err := afero.ReadFile(afs, "/dst/sub/b.cfg")
	require.NoError(t, err)
	assert.Equal(t, "beta", string(got))

	info, err := afs.Stat("/dst/a.cfg")
	require.NoError(t, err)
	assert.Equal(t, mt.Unix(), info.ModTime().Unix())

	isDir, err := afero.IsDir(afs, "/dst/empty")
	require.NoError(t, err)
	assert.True(t, isDir)
}

func TestMirror_UnchangedIsNoop(t *testing.T) {
	afs := afero.NewMemMapFs()
	mt := time.Unix(1700000000, 0)
	writeMem(t, afs, "/src/a.cfg", "alpha", mt)

	_, err := Mirror(afs, "/src", "/dst")
	require.NoError(t, err)
	stats, err := Mirror(afs, "/src", "/dst")
	require.NoError(t, err)
	assert.Equal(t, MirrorStats{}, stats)
}

func TestMirror_UpdatesChangedAndRemovesExtraneous(t *testing.T) {
	afs := afero.NewMemMapFs()
	mt := time.Unix(1700000000, 0)
	writeMem(t, afs, "/src/keep.cfg", "new", mt.Add(time.Hour))
	writeMem(t, afs, "/dst/keep.cfg", "old", mt)
	writeMem(t, afs, "/dst/stale.cfg", "x", mt)
	writeMem(t, afs, "/dst/gone/deep/file", "x", mt)

	stats, err := Mirror(afs, "/src", "/dst")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Copied)

	got, err := afero.ReadFile(afs, "/dst/keep.cfg")
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))

	for _, p := range []string{"/dst/stale.cfg", "/dst/gone", "/dst/gone/deep/file"} {
		exists, err := afero.Exists(afs, p)
		require.NoError(t, err)
		assert.False(t, exists, p)
	}
}

func TestMirror_TypeMismatch(t *testing.T) {
	afs := afero.NewMemMapFs()
	mt := time.Unix(1700000000, 0)
	writeMem(t, afs, "/src/node", "file now", mt)
	writeMem(t, afs, "/dst/node/inner", "was a dir", mt)

	_, err := Mirror(afs, "/src", "/dst")
	require.NoError(t, err)

	got, err := afero.ReadFile(afs, "/dst/node")
	require.NoError(t, err)
	assert.Equal(t, "file now", string(got))
}

func TestMirror_MissingSourceEmptiesDestination(t *testing.T) {
	afs := afero.NewMemMapFs()
	writeMem(t, afs, "/dst/a", "x", time.Unix(1, 0))

	_, err := Mirror(afs, "/src", "/dst")
	require.NoError(t, err)

	entries, err := afero.ReadDir(afs, "/dst")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
