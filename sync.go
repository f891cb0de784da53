package chantal

import "time"

// SyncStatus is the terminal state of one sync attempt.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	// some items failed, the rest were ingested
	SyncPartial SyncStatus = "partial"
	SyncFailed  SyncStatus = "failed"
)

// SyncResult is the structured outcome of one repository sync. It is also the
// shape of a SyncHistory row.
type SyncResult struct {
	ID           int64      `json:"id,omitempty"`
	RepositoryID string     `json:"repository_id"`
	Started      time.Time  `json:"started_at"`
	Finished     time.Time  `json:"finished_at"`
	Status       SyncStatus `json:"status"`
	// candidates enumerated from upstream metadata, pre-filter
	Discovered int `json:"discovered"`
	// payloads actually fetched this run
	Downloaded int `json:"downloaded"`
	// payloads already pooled, registered without a fetch
	Skipped int   `json:"skipped"`
	Failed  int   `json:"failed"`
	Bytes   int64 `json:"bytes"`
	// per-item failures; the sync continues past them
	Errors []ItemError `json:"errors,omitempty"`
	// non-fatal oddities, e.g. stale-index checksum disagreements
	Warnings []string `json:"warnings,omitempty"`
}

// ItemError records one candidate that could not be ingested.
type ItemError struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Err  string `json:"error"`
}

// UpdateStatus is the verdict of a metadata-only upstream check.
type UpdateStatus string

const (
	UpToDate UpdateStatus = "up-to-date"
	Changed  UpdateStatus = "changed"
	// the check itself failed; see CheckResult.Err
	CheckError UpdateStatus = "error"
)

// CheckResult is the per-repository outcome of check_updates.
type CheckResult struct {
	RepositoryID string       `json:"repository_id"`
	Status       UpdateStatus `json:"status"`
	// opaque fingerprint of the upstream index state observed by the
	// check; comparable to what a successful sync records
	Fingerprint string `json:"fingerprint,omitempty"`
	Err         string `json:"error,omitempty"`
}
