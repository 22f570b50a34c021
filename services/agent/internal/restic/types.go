package restic

import "encoding/json"

// BackupSummary is the aggregate summary restic prints as the final JSON
// line of a backup run.
type BackupSummary struct {
	SnapshotID          string  `json:"snapshot_id"`
	FilesNew            int64   `json:"files_new"`
	FilesChanged        int64   `json:"files_changed"`
	FilesUnmodified     int64   `json:"files_unmodified"`
	DirsNew             int64   `json:"dirs_new"`
	DirsChanged         int64   `json:"dirs_changed"`
	DirsUnmodified      int64   `json:"dirs_unmodified"`
	DataBlobs           int64   `json:"data_blobs"`
	TreeBlobs           int64   `json:"tree_blobs"`
	DataAdded           int64   `json:"data_added"`
	TotalFilesProcessed int64   `json:"total_files_processed"`
	TotalBytesProcessed int64   `json:"total_bytes_processed"`
	TotalDuration       float64 `json:"total_duration"`
}

// Snapshot is one restic snapshot as reported by "snapshots --json".
type Snapshot struct {
	ID       string          `json:"id"`
	ShortID  string          `json:"short_id"`
	Time     string          `json:"time"`
	Hostname string          `json:"hostname"`
	Username string          `json:"username"`
	Tags     []string        `json:"tags"`
	Paths    []string        `json:"paths"`
	Summary  json.RawMessage `json:"summary,omitempty"`
}

// RetentionResult summarises one forget/prune pass.
type RetentionResult struct {
	Removed int `json:"removed"`
	Kept    int `json:"kept"`
}

// RepoStats is the repository-wide view from "stats --json" plus the
// snapshot count.
type RepoStats struct {
	TotalSize      int64 `json:"totalSize"`
	TotalFileCount int64 `json:"totalFileCount"`
	SnapshotCount  int   `json:"snapshotCount"`
}

// RetentionPolicy holds the keep counts applied during forget.
type RetentionPolicy struct {
	KeepLast    int
	KeepDaily   int
	KeepWeekly  int
	KeepMonthly int
}
