// Package syncer drives repository synchronization: it fetches upstream
// metadata through a per-ecosystem [Parser], runs the filter pipeline,
// ingests payloads into the pool, and replaces the repository's membership
// in the store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quay/zlog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/datastore"
	"github.com/slauger/chantal-sub001/fetch"
	"github.com/slauger/chantal-sub001/locker"
	"github.com/slauger/chantal-sub001/pool"
)

// Options configures a Syncer. Store, Pool, and Parsers are required.
type Options struct {
	Store   datastore.Store
	Pool    *pool.Pool
	Parsers *Registry
	// Locker serializes syncs per repository; nil selects an in-process
	// [locker.Local], which is only correct for single-process deployments.
	Locker locker.Locker
	// Base is the instance-wide download policy; per-repository settings
	// override it.
	Base fetch.Base
}

// Syncer synchronizes repositories one at a time. Concurrent Sync calls for
// different repositories are safe; calls for the same repository are
// serialized by the locker.
type Syncer struct {
	store   datastore.Store
	pool    *pool.Pool
	parsers *Registry
	locker  locker.Locker
	base    fetch.Base
	// dedupes concurrent fetches of one blob across syncs
	flight singleflight.Group
}

// New validates opts and returns a Syncer.
func New(opts *Options) (*Syncer, error) {
	const op = `syncer/New`
	fail := func(msg string) (*Syncer, error) {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrConfig, Message: msg}
	}
	switch {
	case opts.Store == nil:
		return fail("no store provided")
	case opts.Pool == nil:
		return fail("no pool provided")
	case opts.Parsers == nil:
		return fail("no parser registry provided")
	}
	l := opts.Locker
	if l == nil {
		l = &locker.Local{}
	}
	return &Syncer{
		store:   opts.Store,
		pool:    opts.Pool,
		parsers: opts.Parsers,
		locker:  l,
		base:    opts.Base,
	}, nil
}

// Sync brings the repository in line with its upstream.
//
// Item-level failures do not abort the run; they are counted and reported in
// the returned [chantal.SyncResult], which is also journaled as a SyncHistory
// row. A non-nil error means the sync as a whole failed and the repository's
// membership was left untouched. The repository's fingerprint only advances
// on a fully successful run, so a cheap update check after a partial sync
// still reports a change.
func (s *Syncer) Sync(ctx context.Context, cfg *chantal.RepositoryConfig) (*chantal.SyncResult, error) {
	const op = `syncer/Syncer.Sync`
	ctx = zlog.ContextWithValues(ctx,
		"component", "syncer/Syncer.Sync",
		"repository", cfg.ID)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == chantal.Hosted {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrConfig, Message: "hosted repositories have no upstream to sync"}
	}
	parser, err := s.parsers.Get(cfg.Type)
	if err != nil {
		return nil, err
	}

	lctx, done := s.locker.TryLock(ctx, "sync:"+cfg.ID)
	defer done()
	if err := lctx.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, &chantal.Error{Op: op, Kind: chantal.ErrCancelled, Inner: ctx.Err()}
		}
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrLockTimeout, Message: "sync already running for " + cfg.ID}
	}
	ctx = lctx

	if err := s.store.UpsertRepository(ctx, cfg.Repository()); err != nil {
		return nil, err
	}
	histID, err := s.store.RecordSyncStarted(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}

	res := &chantal.SyncResult{
		ID:           histID,
		RepositoryID: cfg.ID,
		Started:      time.Now().UTC(),
	}
	runErr := s.run(ctx, cfg, parser, res)
	res.Finished = time.Now().UTC()
	if runErr != nil {
		res.Status = chantal.SyncFailed
		res.Errors = append(res.Errors, chantal.ItemError{Err: runErr.Error()})
	}

	// the journal entry must land even when the sync context is gone
	fctx := ctx
	if fctx.Err() != nil {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := s.store.RecordSyncFinished(fctx, histID, res); err != nil {
		if runErr == nil {
			runErr = err
		} else {
			zlog.Error(ctx).Err(err).Msg("unable to journal sync outcome")
		}
	}

	syncCounter.WithLabelValues(string(res.Status)).Inc()
	zlog.Info(ctx).
		Str("status", string(res.Status)).
		Int("discovered", res.Discovered).
		Int("downloaded", res.Downloaded).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Int64("bytes", res.Bytes).
		Dur("elapsed", res.Finished.Sub(res.Started)).
		Msg("sync finished")
	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

// run is the lock-held body of Sync. Pool writes happen before any store
// mutation so that an abort at any point leaves the previous membership
// intact; stray blobs are the reconciler's to collect.
func (s *Syncer) run(ctx context.Context, cfg *chantal.RepositoryConfig, parser Parser, res *chantal.SyncResult) error {
	const op = `syncer/Syncer.run`
	c, err := fetch.NewClient(ctx, s.base, cfg)
	if err != nil {
		return err
	}
	dir, err := os.MkdirTemp(s.pool.TempDir(), "sync-")
	if err != nil {
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to create scratch directory", Inner: err}
	}
	defer os.RemoveAll(dir)

	up, err := parser.FetchMetadata(ctx, c, dir, cfg.Repository())
	if err != nil {
		return err
	}
	res.Discovered = len(up.Candidates)

	cands, err := ApplyFilters(ctx, &cfg.Filters, parser.Compare, up.Candidates)
	if err != nil {
		return err
	}

	for i := range up.Files {
		f := &up.Files[i]
		if _, err := s.pool.Install(ctx, pool.Files, f.TempPath, f.SHA256); err != nil {
			return err
		}
	}

	items, err := s.ingest(ctx, c, dir, cfg, cands, res)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &chantal.Error{Op: op, Kind: chantal.ErrCancelled, Inner: err}
	}

	files := make([]*chantal.RepositoryFile, 0, len(up.Files))
	fileDigests := make([]string, 0, len(up.Files))
	seenFile := make(map[string]bool, len(up.Files))
	for i := range up.Files {
		f := &up.Files[i]
		files = append(files, &f.RepositoryFile)
		if !seenFile[f.SHA256] {
			seenFile[f.SHA256] = true
			fileDigests = append(fileDigests, f.SHA256)
		}
	}
	digests := make([]string, 0, len(items))
	seenItem := make(map[string]bool, len(items))
	registered := items[:0]
	for _, it := range items {
		if seenItem[it.SHA256] {
			continue
		}
		seenItem[it.SHA256] = true
		registered = append(registered, it)
		digests = append(digests, it.SHA256)
	}

	if err := s.store.RegisterContent(ctx, cfg.ID, registered); err != nil {
		return err
	}
	if err := s.store.ReplaceMembers(ctx, cfg.ID, digests); err != nil {
		return err
	}
	if err := s.store.RegisterFiles(ctx, cfg.ID, files); err != nil {
		return err
	}
	if err := s.store.ReplaceFiles(ctx, cfg.ID, fileDigests); err != nil {
		return err
	}

	if res.Failed != 0 {
		res.Status = chantal.SyncPartial
		return nil
	}
	res.Status = chantal.SyncSuccess
	return s.store.SetSyncState(ctx, cfg.ID, time.Now().UTC(), string(up.Fingerprint))
}

// blobFact is the shared outcome of one deduplicated payload fetch.
type blobFact struct {
	sha256   string
	size     int64
	mismatch bool
	// the fetch wrote a new blob, as opposed to racing a concurrent writer
	fresh bool
	// exactly one waiter accounts the transfer
	claimed atomic.Bool
}

// ingest brings every candidate's payload into the pool, bounded by the
// configured worker count. Per-item failures are recorded on res and do not
// stop the batch; auth failures and cancellation do. The returned items are
// the candidates now certain to be pooled, their identity digest filled in.
func (s *Syncer) ingest(ctx context.Context, c *fetch.Client, dir string, cfg *chantal.RepositoryConfig, cands []Candidate, res *chantal.SyncResult) ([]*chantal.ContentItem, error) {
	const op = `syncer/Syncer.ingest`
	var (
		mu    sync.Mutex
		items = make([]*chantal.ContentItem, 0, len(cands))
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.workerCount(cfg))
	for i := range cands {
		cand := &cands[i]
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			it := cand.Item

			// known digest already pooled: register without a fetch
			if it.SHA256 != "" {
				ok, err := s.pool.Has(pool.Content, it.SHA256)
				if err != nil {
					return err
				}
				if ok {
					mu.Lock()
					res.Skipped++
					items = append(items, &it)
					mu.Unlock()
					itemCounter.WithLabelValues("skipped").Inc()
					return nil
				}
			}

			key := it.SHA256
			if key == "" {
				key = cand.URL
			}
			v, err, _ := s.flight.Do(key, func() (interface{}, error) {
				return s.fetchAndPool(ctx, c, dir, cand)
			})
			if err != nil {
				// cancellation aborts the batch, but only our own; a shared
				// flight canceled by a neighboring sync is this item's
				// failure, not ours
				if ctx.Err() != nil {
					return &chantal.Error{Op: op, Kind: chantal.ErrCancelled, Inner: ctx.Err()}
				}
				if errors.Is(err, chantal.ErrAuth) {
					return err
				}
				mu.Lock()
				res.Failed++
				res.Errors = append(res.Errors, chantal.ItemError{
					Name: itemName(&it),
					URL:  cand.URL,
					Err:  err.Error(),
				})
				mu.Unlock()
				itemCounter.WithLabelValues("failed").Inc()
				zlog.Warn(ctx).
					Str("name", itemName(&it)).
					Str("url", cand.URL).
					Err(err).
					Msg("candidate not ingested")
				return nil
			}
			f := v.(*blobFact)
			it.SHA256 = f.sha256
			if it.Size == 0 {
				it.Size = f.size
			}
			mu.Lock()
			defer mu.Unlock()
			if f.fresh && f.claimed.CompareAndSwap(false, true) {
				res.Downloaded++
				res.Bytes += f.size
				if f.mismatch {
					res.Warnings = append(res.Warnings,
						fmt.Sprintf("stale index digest for %s; pooled under the computed sum", itemName(&it)))
				}
				itemCounter.WithLabelValues("downloaded").Inc()
			} else {
				res.Skipped++
				itemCounter.WithLabelValues("skipped").Inc()
			}
			items = append(items, &it)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &chantal.Error{Op: op, Kind: chantal.ErrCancelled, Inner: err}
		}
		return nil, err
	}
	return items, nil
}

func (s *Syncer) fetchAndPool(ctx context.Context, c *fetch.Client, dir string, cand *Candidate) (*blobFact, error) {
	d, err := c.DownloadToTemp(ctx, dir, &fetch.Request{
		URL:          cand.URL,
		Want:         cand.Want,
		AdvisoryOnly: cand.AdvisoryOnly,
	})
	if err != nil {
		return nil, err
	}
	pr, err := s.pool.Install(ctx, pool.Content, d.Path, d.SHA256)
	if err != nil {
		return nil, err
	}
	return &blobFact{
		sha256:   d.SHA256,
		size:     pr.Size,
		mismatch: d.Mismatch,
		fresh:    pr.New,
	}, nil
}

func (s *Syncer) workerCount(cfg *chantal.RepositoryConfig) int {
	if cfg.Download != nil && cfg.Download.Workers > 0 {
		return cfg.Download.Workers
	}
	if s.base.Download.Workers > 0 {
		return s.base.Download.Workers
	}
	return chantal.DefaultWorkers
}

func itemName(it *chantal.ContentItem) string {
	if it.Filename != "" {
		return it.Filename
	}
	return it.Name
}
