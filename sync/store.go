package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// Store provides the stability table and the synced-files ledger on top of
// the state database.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Observe records one sighting of path with the given size and mtime and
// returns the number of consecutive scans that saw exactly this pair.
// A first sighting, or any change in size or mtime, restarts the count at 1.
func (s *Store) Observe(path string, size, mtime, now int64) (int, error) {
	var count int
	err := s.db.QueryRow(`
		INSERT INTO file_state (path, size, mtime, stable_count, last_seen)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(path) DO UPDATE SET
			stable_count = CASE
				WHEN file_state.size = excluded.size AND file_state.mtime = excluded.mtime
				THEN file_state.stable_count + 1
				ELSE 1
			END,
			size      = excluded.size,
			mtime     = excluded.mtime,
			last_seen = excluded.last_seen
		RETURNING stable_count
	`, path, size, mtime, now).Scan(&count)
	if err != nil {
		sub("store").Error("Observe failed", "path", path, "err", err)
		return 0, fmt.Errorf("observe %s: %w", path, err)
	}
	if logEnabled(slog.LevelDebug) {
		sub("store").Debug("Observe", "path", path, "size", size, "mtime", mtime, "stableCount", count)
	}
	return count, nil
}

// GetState retrieves the stability record for path, or nil if the path was
// never observed.
func (s *Store) GetState(path string) (*StabilityRecord, error) {
	r := &StabilityRecord{}
	err := s.db.QueryRow(`
		SELECT path, size, mtime, stable_count, last_seen
		FROM file_state WHERE path = ?
	`, path).Scan(&r.Path, &r.Size, &r.Mtime, &r.StableCount, &r.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	return r, nil
}

// IsSynced reports whether the ledger already holds the exact
// (path, size, mtime) triple.
func (s *Store) IsSynced(path string, size, mtime int64) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM synced_files
		WHERE source_path = ? AND size = ? AND mtime = ?
		LIMIT 1
	`, path, size, mtime).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check synced: %w", err)
	}
	return true, nil
}

// MarkSynced appends a ledger row. Rows are never updated or deleted.
func (s *Store) MarkSynced(f SyncedFile) error {
	sub("store").Debug("MarkSynced", "path", f.SourcePath, "size", f.Size, "mtime", f.Mtime, "raw", f.RawPath)
	_, err := s.db.Exec(`
		INSERT INTO synced_files (source_path, size, mtime, raw_path, bydate_path, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.SourcePath, f.Size, f.Mtime, f.RawPath, f.ByDatePath, f.SyncedAt)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// ListSynced returns up to limit ledger rows, newest first.
func (s *Store) ListSynced(limit int) ([]SyncedFile, error) {
	rows, err := s.db.Query(`
		SELECT id, source_path, size, mtime, raw_path, bydate_path, synced_at
		FROM synced_files ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list synced: %w", err)
	}
	defer rows.Close()

	var out []SyncedFile
	for rows.Next() {
		var f SyncedFile
		if err := rows.Scan(&f.ID, &f.SourcePath, &f.Size, &f.Mtime, &f.RawPath, &f.ByDatePath, &f.SyncedAt); err != nil {
			return nil, fmt.Errorf("scan synced row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Counts returns the number of tracked paths and ledger rows.
func (s *Store) Counts() (tracked int, synced int, err error) {
	err = s.db.QueryRow(`
		SELECT (SELECT COUNT(*) FROM file_state), (SELECT COUNT(*) FROM synced_files)
	`).Scan(&tracked, &synced)
	if err != nil {
		return 0, 0, fmt.Errorf("counts: %w", err)
	}
	return tracked, synced, nil
}
