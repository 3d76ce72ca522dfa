package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMtime = int64(1700000000)

type archiverFixture struct {
	src    string
	mirror string
	store  *Store
	clock  *clockwork.FakeClock
}

func newArchiverFixture(t *testing.T) *archiverFixture {
	t.Helper()
	base := t.TempDir()
	f := &archiverFixture{
		src:    filepath.Join(base, "snap"),
		mirror: filepath.Join(base, "mirror"),
		store:  setupTestDB(t),
		clock:  clockwork.NewFakeClockAt(time.Unix(1800000000, 0)),
	}
	require.NoError(t, os.MkdirAll(f.src, 0755))
	return f
}

func (f *archiverFixture) archiver(tree bool, maxSize int64) *Archiver {
	return NewArchiver(f.store, ArchiverOptions{
		MirrorRoot:  f.mirror,
		MaxFileSize: maxSize,
		CopyChunk:   4,
		TreeLayout:  tree,
	}, f.clock)
}

func (f *archiverFixture) writeSource(t *testing.T, rel, content string) FileObservation {
	t.Helper()
	p := filepath.Join(f.src, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	mt := time.Unix(testMtime, 0)
	require.NoError(t, os.Chtimes(p, mt, mt))
	return FileObservation{RelPath: rel, Size: int64(len(content)), Mtime: testMtime}
}

func dayBucket(mtime int64) string {
	return time.Unix(mtime, 0).Format("2006/01/02")
}

func TestArchive_NewContent(t *testing.T) {
	f := newArchiverFixture(t)
	a := f.archiver(false, 1<<20)
	obs := f.writeSource(t, "DCIM/IMG_0001.JPG", "hello")

	res, err := a.Archive(context.Background(), obs, filepath.Join(f.src, obs.RelPath))
	require.NoError(t, err)
	assert.Equal(t, Archived, res.Outcome)

	// sha256("hello") = 2cf24dba...
	wantName := "IMG_0001_1700000000_2cf24dba.JPG"
	assert.Equal(t, filepath.Join(f.mirror, "raw", wantName), res.ObjectPath)
	assert.Equal(t, filepath.Join(f.mirror, "bydate", dayBucket(testMtime), wantName), res.LinkPath)

	data, err := os.ReadFile(res.ObjectPath)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	oi, err := os.Stat(res.ObjectPath)
	require.NoError(t, err)
	li, err := os.Stat(res.LinkPath)
	require.NoError(t, err)
	assert.True(t, os.SameFile(oi, li))
	assert.Equal(t, testMtime, oi.ModTime().Unix())

	// No intermediate or temp names remain.
	entries, err := os.ReadDir(filepath.Join(f.mirror, "raw"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	rows, err := f.store.ListSynced(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, obs.RelPath, rows[0].SourcePath)
	assert.Equal(t, res.ObjectPath, rows[0].RawPath)
	assert.Equal(t, res.LinkPath, rows[0].ByDatePath)
	assert.Equal(t, int64(1800000000), rows[0].SyncedAt)
}

func TestArchive_SecondCallSkips(t *testing.T) {
	f := newArchiverFixture(t)
	a := f.archiver(false, 1<<20)
	obs := f.writeSource(t, "a.jpg", "abc")
	srcPath := filepath.Join(f.src, obs.RelPath)

	_, err := a.Archive(context.Background(), obs, srcPath)
	require.NoError(t, err)
	res, err := a.Archive(context.Background(), obs, srcPath)
	require.NoError(t, err)
	assert.Equal(t, SkippedAlreadySynced, res.Outcome)

	_, synced, err := f.store.Counts()
	require.NoError(t, err)
	assert.Equal(t, 1, synced)
}

func TestArchive_SameBytesTwoPathsOneObject(t *testing.T) {
	f := newArchiverFixture(t)
	a := f.archiver(false, 1<<20)
	first := f.writeSource(t, "day1/photo.jpg", "same bytes")
	second := f.writeSource(t, "copy/photo.jpg", "same bytes")

	r1, err := a.Archive(context.Background(), first, filepath.Join(f.src, first.RelPath))
	require.NoError(t, err)
	r2, err := a.Archive(context.Background(), second, filepath.Join(f.src, second.RelPath))
	require.NoError(t, err)

	assert.Equal(t, Archived, r1.Outcome)
	assert.Equal(t, Deduplicated, r2.Outcome)
	assert.Equal(t, r1.ObjectPath, r2.ObjectPath)

	entries, err := os.ReadDir(filepath.Join(f.mirror, "raw"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Same mtime, so both sources share one date-bucket link.
	assert.Equal(t, r1.LinkPath, r2.LinkPath)
	links, err := os.ReadDir(filepath.Join(f.mirror, "bydate", dayBucket(testMtime)))
	require.NoError(t, err)
	require.Len(t, links, 1)
	oi, err := os.Stat(r1.ObjectPath)
	require.NoError(t, err)
	li, err := os.Stat(r2.LinkPath)
	require.NoError(t, err)
	assert.True(t, os.SameFile(oi, li))

	_, synced, err := f.store.Counts()
	require.NoError(t, err)
	assert.Equal(t, 2, synced, "each source triple gets its own ledger row")
}

func TestArchive_ChangedContentNewObject(t *testing.T) {
	f := newArchiverFixture(t)
	a := f.archiver(false, 1<<20)
	obs := f.writeSource(t, "a.jpg", "v1")
	r1, err := a.Archive(context.Background(), obs, filepath.Join(f.src, "a.jpg"))
	require.NoError(t, err)

	obs = f.writeSource(t, "a.jpg", "v2!")
	r2, err := a.Archive(context.Background(), obs, filepath.Join(f.src, "a.jpg"))
	require.NoError(t, err)

	assert.Equal(t, Archived, r2.Outcome)
	assert.NotEqual(t, r1.ObjectPath, r2.ObjectPath)
	assert.FileExists(t, r1.ObjectPath)
}

func TestArchive_TooLarge(t *testing.T) {
	f := newArchiverFixture(t)
	a := f.archiver(false, 5)
	obs := f.writeSource(t, "big.bin", "12345")

	res, err := a.Archive(context.Background(), obs, filepath.Join(f.src, obs.RelPath))
	require.NoError(t, err)
	assert.Equal(t, SkippedTooLarge, res.Outcome)
	assert.NoDirExists(t, filepath.Join(f.mirror, "raw"))

	ok, err := f.store.IsSynced(obs.RelPath, obs.Size, obs.Mtime)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArchive_TreeLayout(t *testing.T) {
	f := newArchiverFixture(t)
	a := f.archiver(true, 1<<20)
	obs := f.writeSource(t, "DCIM/100/clip.mp4", "hello")

	res, err := a.Archive(context.Background(), obs, filepath.Join(f.src, obs.RelPath))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.mirror, "raw", "DCIM", "100", "clip_1700000000_2cf24dba.mp4"), res.ObjectPath)
	assert.FileExists(t, res.LinkPath)
}

func TestArchive_TreeLayoutRejectsTraversal(t *testing.T) {
	f := newArchiverFixture(t)
	a := f.archiver(true, 1<<20)
	outside := filepath.Join(f.src, "x.jpg")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0644))

	obs := FileObservation{RelPath: "../../escape/x.jpg", Size: 1, Mtime: testMtime}
	_, err := a.Archive(context.Background(), obs, outside)
	require.ErrorIs(t, err, ErrPathViolation)

	_, synced, err := f.store.Counts()
	require.NoError(t, err)
	assert.Zero(t, synced)
}

func TestArchive_MissingSourceNotRecorded(t *testing.T) {
	f := newArchiverFixture(t)
	a := f.archiver(false, 1<<20)
	obs := FileObservation{RelPath: "gone.jpg", Size: 3, Mtime: testMtime}

	_, err := a.Archive(context.Background(), obs, filepath.Join(f.src, "gone.jpg"))
	require.Error(t, err)

	ok, err := f.store.IsSynced("gone.jpg", 3, testMtime)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		name, stem, suffix string
	}{
		{"IMG_0001.JPG", "IMG_0001", ".JPG"},
		{"clip.tar.gz", "clip.tar", ".gz"},
		{"README", "README", ""},
		{".hidden", ".hidden", ""},
		{".config.ini", ".config", ".ini"},
	}
	for _, tt := range tests {
		stem, suffix := splitName(tt.name)
		assert.Equal(t, tt.stem, stem, tt.name)
		assert.Equal(t, tt.suffix, suffix, tt.name)
	}
}

func TestArchive_HiddenFileKeepsName(t *testing.T) {
	f := newArchiverFixture(t)
	a := f.archiver(false, 1<<20)
	obs := f.writeSource(t, "DCIM/.hidden", "hello")

	res, err := a.Archive(context.Background(), obs, filepath.Join(f.src, obs.RelPath))
	require.NoError(t, err)
	assert.Equal(t, ".hidden_1700000000_2cf24dba", filepath.Base(res.ObjectPath))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "archived", Archived.String())
	assert.Equal(t, "deduplicated", Deduplicated.String())
	assert.Equal(t, "too-large", SkippedTooLarge.String())
	assert.Equal(t, "already-synced", SkippedAlreadySynced.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
