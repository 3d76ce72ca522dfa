package sync

// FileObservation is one regular file seen during a single walk of the
// mounted tree.
type FileObservation struct {
	RelPath string `json:"path"`
	Size    int64  `json:"size"`
	Mtime   int64  `json:"mtime"` // unix seconds
}

// StabilityRecord tracks how many consecutive scans saw the same
// (size, mtime) pair for a path.
type StabilityRecord struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Mtime       int64  `json:"mtime"`
	StableCount int    `json:"stableCount"`
	LastSeen    int64  `json:"lastSeen"`
}

// SyncedFile is a ledger row written once per newly archived
// (path, size, mtime) triple.
type SyncedFile struct {
	ID         int64  `json:"id"`
	SourcePath string `json:"sourcePath"`
	Size       int64  `json:"size"`
	Mtime      int64  `json:"mtime"`
	RawPath    string `json:"rawPath"`
	ByDatePath string `json:"byDatePath"`
	SyncedAt   int64  `json:"syncedAt"`
}
