package chantal

import "time"

// Snapshot is a named, immutable, point-in-time selection of one repository's
// ContentItems and RepositoryFiles.
//
// Membership never mutates after creation. Deleting a snapshot removes rows
// only; blob removal is the reconciler's job.
type Snapshot struct {
	ID           string `json:"id"`
	RepositoryID string `json:"repository_id"`
	// unique within the repository
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// View is a named ordered list of repositories sharing one type. Views have
// no content of their own.
type View struct {
	// unique across views
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        RepoType `json:"type"`
	// repository IDs; order determines publish-time tie-breaks
	Members []string `json:"ordered_members"`
}

// ViewSnapshot is a freeze of a view: one sibling repository snapshot per
// member, all sharing the ViewSnapshot's name, all created in one
// transaction.
type ViewSnapshot struct {
	ViewName    string    `json:"view_name"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	// snapshot IDs in member order
	Snapshots []string `json:"snapshots"`
}

// SnapshotDiff is the comparison of two snapshots of the same repository.
//
// Updated pairs are bidirectional: upgrade versus downgrade is distinguished
// only by argument order.
type SnapshotDiff struct {
	Added   []*ContentItem `json:"added"`
	Removed []*ContentItem `json:"removed"`
	Updated []DiffPair     `json:"updated"`
}

// DiffPair is one (name, architecture) whose version changed between two
// snapshots.
type DiffPair struct {
	A *ContentItem `json:"a"`
	B *ContentItem `json:"b"`
}
