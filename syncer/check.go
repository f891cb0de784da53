package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/fetch"
)

// UpdateChecker is the optional Parser capability behind cheap update
// checks: deciding whether the upstream moved without enumerating candidates
// or touching payloads. Parsers without it force a full sync to find out.
//
// prev is the fingerprint recorded by the repository's last successful sync,
// possibly empty. The returned fingerprint reflects the upstream state just
// observed and is comparable to what the next sync would record.
type UpdateChecker interface {
	CheckUpdate(ctx context.Context, c *fetch.Client, repo *chantal.Repository, prev fetch.Fingerprint) (next fetch.Fingerprint, changed bool, err error)
}

// CheckIndex reports whether the index at u differs from the state captured
// in prev. It leans on HTTP validators first; when the upstream insists on
// sending a body anyway, the body is hashed and compared so flaky validators
// do not masquerade as churn.
func CheckIndex(ctx context.Context, c *fetch.Client, u string, prev fetch.Fingerprint) (fetch.Fingerprint, bool, error) {
	const op = `syncer/CheckIndex`
	rc, fp, err := c.ConditionalGet(ctx, u, prev)
	switch {
	case errors.Is(err, fetch.Unchanged):
		return prev, false, nil
	case err != nil:
		return "", false, err
	}
	defer rc.Close()
	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", false, &chantal.Error{Op: op, Kind: chantal.ErrNetwork, Message: "reading " + u, Inner: err}
	}
	sum := hex.EncodeToString(h.Sum(nil))
	next := fetch.NewFingerprint(fp.ETag(), fp.LastModified(), sum)
	return next, sum != prev.SHA256(), nil
}

// CheckUpdate reports whether the repository's upstream moved since its last
// successful sync. The check never mutates state and never downloads
// payloads; partial syncs deliberately leave the stored fingerprint behind,
// so they keep reporting a change until a sync fully succeeds.
//
// The error return is reserved for invalid input; upstream trouble is
// reported in-band as [chantal.CheckError].
func (s *Syncer) CheckUpdate(ctx context.Context, cfg *chantal.RepositoryConfig) (*chantal.CheckResult, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "syncer/Syncer.CheckUpdate",
		"repository", cfg.ID)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	out := &chantal.CheckResult{RepositoryID: cfg.ID}
	if cfg.Mode == chantal.Hosted {
		// nothing upstream to compare against
		out.Status = chantal.UpToDate
		return out, nil
	}
	p, err := s.parsers.Get(cfg.Type)
	if err != nil {
		return nil, err
	}
	uc, ok := p.(UpdateChecker)
	if !ok {
		zlog.Debug(ctx).
			Str("type", string(cfg.Type)).
			Msg("parser cannot check cheaply; reporting changed")
		out.Status = chantal.Changed
		return out, nil
	}

	var prev fetch.Fingerprint
	switch repo, err := s.store.Repository(ctx, cfg.ID); {
	case err == nil:
		prev = fetch.Fingerprint(repo.Fingerprint)
	case errors.Is(err, chantal.ErrNotFound):
		// never synced; any upstream state counts as changed
	default:
		return nil, err
	}

	c, err := fetch.NewClient(ctx, s.base, cfg)
	if err != nil {
		return nil, err
	}
	next, changed, err := uc.CheckUpdate(ctx, c, cfg.Repository(), prev)
	if err != nil {
		out.Status = chantal.CheckError
		out.Err = err.Error()
		zlog.Warn(ctx).Err(err).Msg("update check failed")
		return out, nil
	}
	out.Fingerprint = string(next)
	if changed {
		out.Status = chantal.Changed
	} else {
		out.Status = chantal.UpToDate
	}
	zlog.Debug(ctx).Str("status", string(out.Status)).Msg("update check done")
	return out, nil
}
