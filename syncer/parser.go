package syncer

import (
	"context"
	"fmt"
	"time"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/fetch"
)

// Parser fetches and interprets one upstream ecosystem's metadata.
//
// Implementations live in the per-ecosystem packages and get attached to a
// [Registry] at wiring time. A Parser only reads the upstream and the
// filesystem; installing blobs into the pool and registering rows is the
// syncer's job.
type Parser interface {
	// Type reports the ecosystem this parser understands.
	Type() chantal.RepoType
	// FetchMetadata downloads the repository's index material into tempDir
	// and returns the parsed upstream state. Fetched files stay in tempDir
	// until the caller installs them; on error the caller discards the
	// directory wholesale.
	FetchMetadata(ctx context.Context, c *fetch.Client, tempDir string, repo *chantal.Repository) (*Upstream, error)
	// Compare orders two version strings by the ecosystem's native rules.
	// It returns a negative number if a sorts before b, zero if they are
	// equal, and a positive number otherwise.
	Compare(a, b string) int
}

// Upstream is the parsed state of one repository feed at one instant.
type Upstream struct {
	// metadata and auxiliary blobs, in fetch order
	Files []File
	// payload candidates, pre-filtering
	Candidates []Candidate
	// validators of the top-level index, used for change detection
	Fingerprint fetch.Fingerprint
}

// File is a fetched repository file waiting to be installed into the pool.
type File struct {
	chantal.RepositoryFile
	TempPath string
}

// Candidate is one payload the upstream offers.
//
// The fields below Item feed the filter pipeline; ecosystems leave the ones
// they cannot populate at their zero value, which every filter treats as
// "not provided".
type Candidate struct {
	Item chantal.ContentItem
	// absolute download URL
	URL string
	// expected digest from the index, any supported algorithm
	Want chantal.Digest
	// the index digest is known weak (apk's SHA1); record a disagreement
	// instead of failing the download
	AdvisoryOnly bool

	BuildTime time.Time
	License   string
	Component string
	Priority  string
	Groups    []string
}

// Registry maps repository types to their parsers.
//
// The zero value is unusable; construct with [NewRegistry]. Registration is
// explicit so that callers control exactly which ecosystems a process
// serves.
type Registry struct {
	parsers map[chantal.RepoType]Parser
}

// NewRegistry returns a Registry holding the passed parsers.
func NewRegistry(ps ...Parser) *Registry {
	r := &Registry{parsers: make(map[chantal.RepoType]Parser, len(ps))}
	for _, p := range ps {
		r.parsers[p.Type()] = p
	}
	return r
}

// Register adds or replaces the parser for its reported type.
func (r *Registry) Register(p Parser) {
	r.parsers[p.Type()] = p
}

// Get returns the parser for the given repository type.
func (r *Registry) Get(t chantal.RepoType) (Parser, error) {
	p, ok := r.parsers[t]
	if !ok {
		return nil, &chantal.Error{
			Op:      "syncer/Registry.Get",
			Kind:    chantal.ErrConfig,
			Message: fmt.Sprintf("no parser registered for repository type %q", t),
		}
	}
	return p, nil
}
