// Package libmirror exposes the mirroring engine as an embeddable library.
//
// A Mirror ties the content-addressed pool, the relational store, the
// per-ecosystem parsers and publishers, and the locking strategy into one
// method set: sync repositories, freeze and compare snapshots, publish
// web-servable trees, reconcile the pool, and export bills of materials.
// Process boundaries (CLI, daemon, HTTP) are the caller's concern.
package libmirror

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"

	"github.com/quay/zlog"
	"golang.org/x/sync/semaphore"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/alpine"
	"github.com/slauger/chantal-sub001/datastore"
	"github.com/slauger/chantal-sub001/debian"
	"github.com/slauger/chantal-sub001/fetch"
	"github.com/slauger/chantal-sub001/helm"
	"github.com/slauger/chantal-sub001/locker"
	"github.com/slauger/chantal-sub001/pool"
	"github.com/slauger/chantal-sub001/publish"
	"github.com/slauger/chantal-sub001/rpm"
	"github.com/slauger/chantal-sub001/sbom"
	"github.com/slauger/chantal-sub001/sbom/spdx"
	"github.com/slauger/chantal-sub001/syncer"
)

// DefaultSyncWorkers bounds how many repositories SyncAll and CheckUpdates
// touch at once when Options does not say otherwise. Each sync fans out its
// own downloads on top of this.
const DefaultSyncWorkers = 2

// Options configures a Mirror. Store and Pool are required; everything else
// has a usable default.
type Options struct {
	// Store persists the entity graph.
	Store datastore.Store
	// Pool is the content-addressed blob pool. Publish targets must share
	// its filesystem.
	Pool *pool.Pool
	// Locker serializes per-repository syncs and per-target publishes. Nil
	// selects an in-process [locker.Local], which is only correct when one
	// process owns the pool and database.
	Locker locker.Locker
	// Repositories is the declared repository set, as produced by the
	// configuration loader. Operations address entries by ID.
	Repositories []chantal.RepositoryConfig
	// Parsers overrides the set of ecosystems the Mirror can sync. Nil
	// wires all of them.
	Parsers *syncer.Registry
	// Publishers overrides the set of ecosystems the Mirror can publish.
	// Nil wires all of them.
	Publishers *publish.Registry
	// SBOM overrides the encoder behind ExportSBOM. Nil selects SPDX 2.3
	// JSON.
	SBOM sbom.Encoder
	// Proxy, TLS, and Download form the instance-wide download policy;
	// per-repository settings override them.
	Proxy    *chantal.ProxyConfig
	TLS      *chantal.TLSConfig
	Download chantal.DownloadConfig
	// SyncWorkers bounds the multi-repository fan-out of SyncAll and
	// CheckUpdates. Defaults to DefaultSyncWorkers.
	SyncWorkers int
}

// Mirror is the engine facade. Methods are safe for concurrent use; work on
// one repository or one publish target is serialized by the configured
// locker.
type Mirror struct {
	store      datastore.Store
	pool       *pool.Pool
	locker     locker.Locker
	syncer     *syncer.Syncer
	parsers    *syncer.Registry
	publishers *publish.Registry
	sbom       sbom.Encoder
	repos      map[string]*chantal.RepositoryConfig
	// declared order, for deterministic fan-out results
	order   []string
	workers int64
}

// New validates opts and returns a ready Mirror.
func New(ctx context.Context, opts *Options) (*Mirror, error) {
	const op = `libmirror/New`
	ctx = zlog.ContextWithValues(ctx, "component", "libmirror/New")
	// required
	if opts.Store == nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrConfig, Message: "no store provided"}
	}
	if opts.Pool == nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrConfig, Message: "no pool provided"}
	}
	// optional
	l := opts.Locker
	if l == nil {
		l = &locker.Local{}
	}
	parsers := opts.Parsers
	if parsers == nil {
		parsers = syncer.NewRegistry(
			rpm.NewParser(),
			debian.NewParser(),
			alpine.NewParser(),
			helm.NewParser(),
		)
	}
	publishers := opts.Publishers
	if publishers == nil {
		publishers = publish.NewRegistry(
			rpm.NewPublisher(),
			debian.NewPublisher(),
			alpine.NewPublisher(),
			helm.NewPublisher(),
		)
	}
	enc := opts.SBOM
	if enc == nil {
		enc = spdx.NewDefaultEncoder()
	}
	workers := opts.SyncWorkers
	if workers < 1 {
		workers = DefaultSyncWorkers
	}

	s, err := syncer.New(&syncer.Options{
		Store:   opts.Store,
		Pool:    opts.Pool,
		Parsers: parsers,
		Locker:  l,
		Base: fetch.Base{
			Proxy:    opts.Proxy,
			TLS:      opts.TLS,
			Download: opts.Download,
		},
	})
	if err != nil {
		return nil, err
	}

	m := &Mirror{
		store:      opts.Store,
		pool:       opts.Pool,
		locker:     l,
		syncer:     s,
		parsers:    parsers,
		publishers: publishers,
		sbom:       enc,
		repos:      make(map[string]*chantal.RepositoryConfig, len(opts.Repositories)),
		workers:    int64(workers),
	}
	for i := range opts.Repositories {
		cfg := &opts.Repositories[i]
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, ok := m.repos[cfg.ID]; ok {
			return nil, &chantal.Error{Op: op, Kind: chantal.ErrConfig, Message: "duplicate repository id " + strconv.Quote(cfg.ID)}
		}
		m.repos[cfg.ID] = cfg
		m.order = append(m.order, cfg.ID)
	}

	zlog.Info(ctx).
		Int("repositories", len(m.order)).
		Msg("mirror initialized")
	return m, nil
}

// Close releases held resources.
func (m *Mirror) Close(ctx context.Context) error {
	return m.store.Close(ctx)
}

// config resolves one declared repository by exact ID.
func (m *Mirror) config(op, id string) (*chantal.RepositoryConfig, error) {
	cfg, ok := m.repos[id]
	if !ok {
		return nil, &chantal.Error{
			Op:      op,
			Kind:    chantal.ErrNotFound,
			Message: fmt.Sprintf("repository %q is not declared in the configuration", id),
		}
	}
	return cfg, nil
}

// match resolves a pattern to declared repositories in declaration order.
// The empty pattern and the literal "all" match everything; otherwise the
// pattern is matched against IDs with [path.Match] rules.
func (m *Mirror) match(op, pattern string) ([]*chantal.RepositoryConfig, error) {
	out := make([]*chantal.RepositoryConfig, 0, len(m.order))
	for _, id := range m.order {
		if pattern != "" && pattern != "all" {
			ok, err := path.Match(pattern, id)
			if err != nil {
				return nil, &chantal.Error{Op: op, Kind: chantal.ErrConfig, Message: "bad repository pattern " + strconv.Quote(pattern), Inner: err}
			}
			if !ok {
				continue
			}
		}
		out = append(out, m.repos[id])
	}
	return out, nil
}

// Sync brings one declared repository in line with its upstream. The result
// carries per-item failures; see [syncer.Syncer.Sync] for the exact
// semantics.
func (m *Mirror) Sync(ctx context.Context, repoID string) (*chantal.SyncResult, error) {
	cfg, err := m.config(`libmirror/Mirror.Sync`, repoID)
	if err != nil {
		return nil, err
	}
	return m.syncer.Sync(ctx, cfg)
}

// SyncAll syncs every enabled repository whose ID matches pattern, fanning
// out over a bounded number of workers. Hosted repositories are skipped;
// they have no upstream. Per-repository failures do not stop the round: the
// results of the repositories that ran come back alongside the joined
// errors.
func (m *Mirror) SyncAll(ctx context.Context, pattern string) ([]*chantal.SyncResult, error) {
	const op = `libmirror/Mirror.SyncAll`
	ctx = zlog.ContextWithValues(ctx, "component", "libmirror/Mirror.SyncAll")
	matched, err := m.match(op, pattern)
	if err != nil {
		return nil, err
	}
	cfgs := matched[:0]
	for _, cfg := range matched {
		if !cfg.Enabled || cfg.Mode == chantal.Hosted {
			zlog.Debug(ctx).
				Str("repository", cfg.ID).
				Bool("enabled", cfg.Enabled).
				Str("mode", string(cfg.Mode)).
				Msg("skipping repository")
			continue
		}
		cfgs = append(cfgs, cfg)
	}
	zlog.Info(ctx).
		Int("repositories", len(cfgs)).
		Int64("workers", m.workers).
		Msg("sync round start")

	results := make([]*chantal.SyncResult, len(cfgs))
	errs := make([]error, len(cfgs)+1)
	sem := semaphore.NewWeighted(m.workers)
	for i := range cfgs {
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[len(cfgs)] = &chantal.Error{Op: op, Kind: chantal.ErrCancelled, Inner: err}
			break
		}
		go func(i int) {
			defer sem.Release(1)
			res, err := m.syncer.Sync(ctx, cfgs[i])
			results[i] = res
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", cfgs[i].ID, err)
			}
		}(i)
	}
	// Wait for all in-flight syncs; every goroutine releases its sem, so
	// the background Context cannot wedge this.
	sem.Acquire(context.Background(), m.workers)

	out := results[:0]
	for _, res := range results {
		if res != nil {
			out = append(out, res)
		}
	}
	zlog.Info(ctx).
		Int("synced", len(out)).
		Msg("sync round done")
	return out, errors.Join(errs...)
}

// CheckUpdates probes every enabled repository matching pattern for upstream
// changes without downloading payloads. Hosted repositories report
// up-to-date. Upstream trouble is reported in-band per repository; the error
// return is for invalid input.
func (m *Mirror) CheckUpdates(ctx context.Context, pattern string) ([]*chantal.CheckResult, error) {
	const op = `libmirror/Mirror.CheckUpdates`
	ctx = zlog.ContextWithValues(ctx, "component", "libmirror/Mirror.CheckUpdates")
	matched, err := m.match(op, pattern)
	if err != nil {
		return nil, err
	}
	cfgs := matched[:0]
	for _, cfg := range matched {
		if cfg.Enabled {
			cfgs = append(cfgs, cfg)
		}
	}

	results := make([]*chantal.CheckResult, len(cfgs))
	errs := make([]error, len(cfgs)+1)
	sem := semaphore.NewWeighted(m.workers)
	for i := range cfgs {
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[len(cfgs)] = &chantal.Error{Op: op, Kind: chantal.ErrCancelled, Inner: err}
			break
		}
		go func(i int) {
			defer sem.Release(1)
			res, err := m.syncer.CheckUpdate(ctx, cfgs[i])
			results[i] = res
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", cfgs[i].ID, err)
			}
		}(i)
	}
	sem.Acquire(context.Background(), m.workers)

	out := results[:0]
	for _, res := range results {
		if res != nil {
			out = append(out, res)
		}
	}
	return out, errors.Join(errs...)
}

// asItems flattens store rows for the publishers and encoders, which work on
// values.
func asItems(ps []*chantal.ContentItem) []chantal.ContentItem {
	out := make([]chantal.ContentItem, len(ps))
	for i, p := range ps {
		out[i] = *p
	}
	return out
}

func asFiles(ps []*chantal.RepositoryFile) []chantal.RepositoryFile {
	out := make([]chantal.RepositoryFile, len(ps))
	for i, p := range ps {
		out[i] = *p
	}
	return out
}
