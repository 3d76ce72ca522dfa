package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// hashPrefixLen is how many hex characters of the SHA-256 digest go into a
// canonical object name. 32 bits keep names short and stay compatible with
// stores written by earlier gateway releases; distinct contents that share
// stem, mtime and prefix would collide.
const hashPrefixLen = 8

// Store layouts below the mirror root.
const (
	rawDirName    = "raw"
	byDateDirName = "bydate"
)

// Outcome classifies what Archive did with a file.
type Outcome int

const (
	// Archived means new content entered the canonical store.
	Archived Outcome = iota
	// Deduplicated means the content was already stored; the copy was discarded.
	Deduplicated
	// SkippedTooLarge means the file is at or above the size limit.
	SkippedTooLarge
	// SkippedAlreadySynced means the ledger already holds the triple.
	SkippedAlreadySynced
)

func (o Outcome) String() string {
	switch o {
	case Archived:
		return "archived"
	case Deduplicated:
		return "deduplicated"
	case SkippedTooLarge:
		return "too-large"
	case SkippedAlreadySynced:
		return "already-synced"
	}
	return "unknown"
}

// ArchiveResult is the result of one Archive call.
type ArchiveResult struct {
	Outcome    Outcome
	ObjectPath string
	LinkPath   string
}

// ArchiverOptions configures an Archiver.
type ArchiverOptions struct {
	MirrorRoot  string
	MaxFileSize int64
	CopyChunk   int
	// TreeLayout keeps the source directory structure below raw/ instead
	// of storing every object directly in raw/.
	TreeLayout bool
}

// Archiver copies stable files into the content-addressed store, publishes
// a date-bucket hard link and records the ledger row.
type Archiver struct {
	store       *Store
	rawRoot     string
	byDateRoot  string
	maxFileSize int64
	chunk       int
	treeLayout  bool
	clock       clockwork.Clock
}

// NewArchiver creates an Archiver writing below opts.MirrorRoot.
func NewArchiver(store *Store, opts ArchiverOptions, clock clockwork.Clock) *Archiver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Archiver{
		store:       store,
		rawRoot:     filepath.Join(opts.MirrorRoot, rawDirName),
		byDateRoot:  filepath.Join(opts.MirrorRoot, byDateDirName),
		maxFileSize: opts.MaxFileSize,
		chunk:       opts.CopyChunk,
		treeLayout:  opts.TreeLayout,
		clock:       clock,
	}
}

// Archive stores the file at srcPath, observed as obs, exactly once.
//
// Oversized files and triples already in the ledger are skipped without
// touching the store. Otherwise the file is streamed into a temp file next
// to its final location while being hashed, renamed to {stem}_{mtime}{ext},
// then renamed again to the canonical {stem}_{mtime}_{hash8}{ext}. If the
// canonical object already exists the fresh copy is discarded. A hard link
// is placed in bydate/YYYY/MM/DD and the ledger row appended last, so a
// crash at any point leaves the triple eligible for the next pass.
func (a *Archiver) Archive(ctx context.Context, obs FileObservation, srcPath string) (ArchiveResult, error) {
	l := sub("archiver")

	if obs.Size >= a.maxFileSize {
		l.Info("skip too large", "path", obs.RelPath, "size", obs.Size, "max", a.maxFileSize)
		return ArchiveResult{Outcome: SkippedTooLarge}, nil
	}

	synced, err := a.store.IsSynced(obs.RelPath, obs.Size, obs.Mtime)
	if err != nil {
		return ArchiveResult{}, err
	}
	if synced {
		if logEnabled(slog.LevelDebug) {
			l.Debug("skip already synced", "path", obs.RelPath)
		}
		return ArchiveResult{Outcome: SkippedAlreadySynced}, nil
	}

	destRel := "."
	if a.treeLayout {
		destRel = filepath.Dir(obs.RelPath)
	}
	destDir, err := SafeJoin(a.rawRoot, destRel)
	if err != nil {
		return ArchiveResult{}, err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return ArchiveResult{}, fmt.Errorf("mkdir %s: %w", destDir, err)
	}

	stem, suffix := splitName(filepath.Base(obs.RelPath))
	stem += "_" + strconv.FormatInt(obs.Mtime, 10)
	mtime := time.Unix(obs.Mtime, 0)

	tmpPath, digest, err := hashCopy(ctx, srcPath, destDir, stem+suffix, a.chunk, mtime)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("copy %s: %w", obs.RelPath, err)
	}

	stagedPath := filepath.Join(destDir, stem+suffix)
	if err := os.Rename(tmpPath, stagedPath); err != nil {
		return ArchiveResult{}, fmt.Errorf("rename tmp: %w", err)
	}

	canonicalName := stem + "_" + digest[:hashPrefixLen] + suffix
	objectPath := filepath.Join(destDir, canonicalName)
	outcome := Archived
	if _, err := os.Lstat(objectPath); err == nil {
		outcome = Deduplicated
		if err := os.Remove(stagedPath); err != nil {
			return ArchiveResult{}, fmt.Errorf("discard duplicate: %w", err)
		}
	} else {
		if err := os.Rename(stagedPath, objectPath); err != nil {
			return ArchiveResult{}, fmt.Errorf("commit object: %w", err)
		}
	}
	if err := syncDir(destDir); err != nil {
		l.Warn("fsync store dir failed", "dir", destDir, "err", err)
	}

	bucket, err := SafeJoin(a.byDateRoot, mtime.Format("2006/01/02"))
	if err != nil {
		return ArchiveResult{}, err
	}
	if err := os.MkdirAll(bucket, 0755); err != nil {
		return ArchiveResult{}, fmt.Errorf("mkdir %s: %w", bucket, err)
	}
	linkPath := filepath.Join(bucket, canonicalName)
	if _, err := linkOnce(objectPath, linkPath); err != nil {
		return ArchiveResult{}, fmt.Errorf("publish date link: %w", err)
	}

	if err := a.store.MarkSynced(SyncedFile{
		SourcePath: obs.RelPath,
		Size:       obs.Size,
		Mtime:      obs.Mtime,
		RawPath:    objectPath,
		ByDatePath: linkPath,
		SyncedAt:   a.clock.Now().Unix(),
	}); err != nil {
		return ArchiveResult{}, err
	}

	l.Info("synced", "path", obs.RelPath, "object", canonicalName, "outcome", outcome.String())
	return ArchiveResult{Outcome: outcome, ObjectPath: objectPath, LinkPath: linkPath}, nil
}

// splitName splits a file name into stem and extension. A leading dot
// marks a hidden file, not an extension, so ".hidden" has no extension.
func splitName(name string) (stem, suffix string) {
	suffix = filepath.Ext(name)
	if suffix == name {
		return name, ""
	}
	return strings.TrimSuffix(name, suffix), suffix
}
