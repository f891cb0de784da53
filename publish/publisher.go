package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/pool"
)

// Source is one repository's worth of resolved content: the repository row
// plus the member items and files of whatever was asked for (live
// membership or a snapshot's).
type Source struct {
	Repository *chantal.Repository
	Items      []chantal.ContentItem
	Files      []chantal.RepositoryFile
}

// Set is everything a publisher needs to emit one tree.
//
// A single repository or snapshot publishes as one Source carrying the
// repository's own mode. Views publish as several Sources in member order
// and always regenerate indexes, whatever the members' modes; merged
// upstream metadata cannot be preserved verbatim.
type Set struct {
	Mode    chantal.Mode
	Sources []Source
}

// Publisher emits one ecosystem's tree layout.
type Publisher interface {
	// Type reports the ecosystem this publisher lays out.
	Type() chantal.RepoType
	// Publish stages the whole set into t. The caller owns the commit or
	// discard of the tree.
	Publish(ctx context.Context, t *Tree, s *Set) error
}

// Registry maps repository types to their publishers.
type Registry struct {
	pubs map[chantal.RepoType]Publisher
}

// NewRegistry returns a Registry holding the passed publishers.
func NewRegistry(ps ...Publisher) *Registry {
	r := &Registry{pubs: make(map[chantal.RepoType]Publisher, len(ps))}
	for _, p := range ps {
		r.pubs[p.Type()] = p
	}
	return r
}

// Register adds or replaces the publisher for its reported type.
func (r *Registry) Register(p Publisher) {
	r.pubs[p.Type()] = p
}

// Get returns the publisher for the given repository type.
func (r *Registry) Get(t chantal.RepoType) (Publisher, error) {
	p, ok := r.pubs[t]
	if !ok {
		return nil, &chantal.Error{
			Op:      "publish/Registry.Get",
			Kind:    chantal.ErrConfig,
			Message: fmt.Sprintf("no publisher registered for repository type %q", t),
		}
	}
	return p, nil
}

// Run stages the set with the matching publisher and swaps it into place at
// target. On any error the previous tree, if one exists, stays intact.
func (r *Registry) Run(ctx context.Context, p *pool.Pool, typ chantal.RepoType, target string, s *Set) (err error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "publish/Registry.Run",
		"type", string(typ),
		"target", target)
	pub, err := r.Get(typ)
	if err != nil {
		return err
	}
	t, err := NewTree(p, target)
	if err != nil {
		return err
	}
	defer t.Discard()

	start := time.Now()
	if err := pub.Publish(ctx, t, s); err != nil {
		publishCounter.WithLabelValues(string(typ), string(s.Mode), "false").Inc()
		return err
	}
	if err := t.Commit(ctx); err != nil {
		publishCounter.WithLabelValues(string(typ), string(s.Mode), "false").Inc()
		return err
	}
	publishCounter.WithLabelValues(string(typ), string(s.Mode), "true").Inc()
	publishDuration.WithLabelValues(string(typ), string(s.Mode)).Observe(time.Since(start).Seconds())
	return nil
}
