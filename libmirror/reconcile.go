package libmirror

import (
	"context"
	"errors"
	"time"

	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/datastore"
	"github.com/slauger/chantal-sub001/pool"
)

// reconcileBatch is how many walked digests are checked against the store at
// once.
const reconcileBatch = 512

// ReconcileOpts scopes one reconciler pass.
type ReconcileOpts struct {
	// DryRun reports orphans and prunable rows without deleting anything.
	DryRun bool
	// Repository restricts the pass to one repository's referenced set:
	// missing and corrupt checks only. Orphan collection needs the whole
	// reference set and is skipped.
	Repository string
	// Verify re-hashes every scanned blob. Expensive on large pools.
	Verify bool
	// SweepTempAge removes crashed writers' scratch files older than this.
	// Zero disables the sweep.
	SweepTempAge time.Duration
}

// ReconcileReport is the census of one reconciler pass.
type ReconcileReport struct {
	// pool blobs nothing in the database references; deleted unless dry-run
	OrphanContent []string `json:"orphan_content,omitempty"`
	OrphanFiles   []string `json:"orphan_files,omitempty"`
	// database digests with no backing blob; never repaired here, the next
	// sync refetches what its upstream still carries
	MissingContent []string `json:"missing_content,omitempty"`
	MissingFiles   []string `json:"missing_files,omitempty"`
	// blobs whose bytes no longer hash to their name; reported, never
	// auto-repaired
	Corrupt []string `json:"corrupt,omitempty"`
	// rows removed because no repository and no snapshot references them
	PrunedContentRows int64 `json:"pruned_content_rows"`
	PrunedFileRows    int64 `json:"pruned_file_rows"`
	// orphaned bytes deleted, or deletable when dry-run
	ReclaimedBytes int64 `json:"reclaimed_bytes"`
	SweptTemp      int   `json:"swept_temp"`
}

// Reconcile walks the pool and the store and reports where they disagree:
// orphaned blobs, missing blobs, and, on request, corrupt blobs. Unless
// DryRun is set, unreferenced rows are pruned first and orphaned blobs are
// deleted.
func (m *Mirror) Reconcile(ctx context.Context, opts ReconcileOpts) (*ReconcileReport, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libmirror/Mirror.Reconcile")
	rep := &ReconcileReport{}

	if opts.SweepTempAge > 0 && !opts.DryRun {
		n, err := m.pool.SweepTemp(ctx, opts.SweepTempAge)
		if err != nil {
			return nil, err
		}
		rep.SweptTemp = n
	}

	if opts.Repository != "" {
		if err := m.reconcileRepository(ctx, opts, rep); err != nil {
			return nil, err
		}
		return rep, nil
	}

	// Row pruning goes first so the orphan scan sees everything that just
	// became unreferenced.
	if !opts.DryRun {
		var err error
		if rep.PrunedContentRows, err = m.store.PruneContent(ctx); err != nil {
			return nil, err
		}
		if rep.PrunedFileRows, err = m.store.PruneFiles(ctx); err != nil {
			return nil, err
		}
	}

	var err error
	rep.OrphanContent, err = m.sweepBucket(ctx, pool.Content, m.store.FilterUnreferencedContent, opts, rep)
	if err != nil {
		return nil, err
	}
	rep.OrphanFiles, err = m.sweepBucket(ctx, pool.Files, m.store.FilterUnreferencedFiles, opts, rep)
	if err != nil {
		return nil, err
	}

	err = m.store.ContentDigests(ctx, func(d string) error {
		ok, err := m.pool.Has(pool.Content, d)
		if err != nil {
			return err
		}
		if !ok {
			rep.MissingContent = append(rep.MissingContent, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = m.store.FileDigests(ctx, func(d string) error {
		ok, err := m.pool.Has(pool.Files, d)
		if err != nil {
			return err
		}
		if !ok {
			rep.MissingFiles = append(rep.MissingFiles, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zlog.Info(ctx).
		Bool("dry_run", opts.DryRun).
		Int("orphans", len(rep.OrphanContent)+len(rep.OrphanFiles)).
		Int("missing", len(rep.MissingContent)+len(rep.MissingFiles)).
		Int("corrupt", len(rep.Corrupt)).
		Int64("reclaimed_bytes", rep.ReclaimedBytes).
		Msg("reconcile done")
	return rep, nil
}

// sweepBucket walks one bucket, finds the blobs the store does not
// reference, and deletes them unless the pass is a dry run. Corruption
// checks ride along on the same walk when requested.
func (m *Mirror) sweepBucket(ctx context.Context, b pool.Bucket, filter func(context.Context, []string) ([]string, error), opts ReconcileOpts, rep *ReconcileReport) ([]string, error) {
	var (
		orphans []string
		batch   []string
		sizes   = make(map[string]int64, reconcileBatch)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		unref, err := filter(ctx, batch)
		if err != nil {
			return err
		}
		for _, d := range unref {
			rep.ReclaimedBytes += sizes[d]
			if !opts.DryRun {
				if err := m.pool.Delete(b, d); err != nil {
					return err
				}
			}
		}
		orphans = append(orphans, unref...)
		batch = batch[:0]
		clear(sizes)
		return nil
	}

	err := m.pool.Walk(ctx, b, func(d string, size int64) error {
		if opts.Verify {
			switch err := m.pool.Verify(ctx, b, d); {
			case err == nil:
			case errors.Is(err, chantal.ErrPoolCorruption):
				rep.Corrupt = append(rep.Corrupt, d)
			default:
				return err
			}
		}
		batch = append(batch, d)
		sizes[d] = size
		if len(batch) >= reconcileBatch {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return orphans, nil
}

// reconcileRepository checks one repository's referenced set for missing and
// corrupt blobs.
func (m *Mirror) reconcileRepository(ctx context.Context, opts ReconcileOpts, rep *ReconcileReport) error {
	ctx = zlog.ContextWithValues(ctx, "repository", opts.Repository)
	check := func(b pool.Bucket, d string, missing *[]string) error {
		ok, err := m.pool.Has(b, d)
		if err != nil {
			return err
		}
		if !ok {
			*missing = append(*missing, d)
			return nil
		}
		if opts.Verify {
			switch err := m.pool.Verify(ctx, b, d); {
			case err == nil:
			case errors.Is(err, chantal.ErrPoolCorruption):
				rep.Corrupt = append(rep.Corrupt, d)
			default:
				return err
			}
		}
		return nil
	}

	err := m.store.MemberDigests(ctx, opts.Repository, func(d string) error {
		return check(pool.Content, d, &rep.MissingContent)
	})
	if err != nil {
		return err
	}
	files, err := m.store.Files(ctx, opts.Repository)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := check(pool.Files, f.SHA256, &rep.MissingFiles); err != nil {
			return err
		}
	}

	zlog.Info(ctx).
		Int("missing", len(rep.MissingContent)+len(rep.MissingFiles)).
		Int("corrupt", len(rep.Corrupt)).
		Msg("repository reconcile done")
	return nil
}

// PoolStats combines a pool census with the store's row counts.
type PoolStats struct {
	Content pool.BucketStats `json:"content"`
	Files   pool.BucketStats `json:"files"`
	Counts  datastore.Counts `json:"counts"`
}

// PoolStats walks the pool and counts rows. The walk reads directory
// entries, not blob bytes.
func (m *Mirror) PoolStats(ctx context.Context) (*PoolStats, error) {
	st, err := m.pool.Stats(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := m.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	return &PoolStats{
		Content: st[pool.Content],
		Files:   st[pool.Files],
		Counts:  *counts,
	}, nil
}
