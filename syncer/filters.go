package syncer

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
)

// filterSet is the compiled form of a repository's filter configuration.
type filterSet struct {
	cfg     *chantal.Filters
	include []*regexp.Regexp
	exclude []*regexp.Regexp
	cmp     func(a, b string) int
}

func newFilterSet(f *chantal.Filters, cmp func(a, b string) int) (*filterSet, error) {
	const op = `syncer: compile filters`
	fs := &filterSet{cfg: f, cmp: cmp}
	if p := f.Patterns; p != nil {
		for _, expr := range p.Include {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, &chantal.Error{
					Op:      op,
					Kind:    chantal.ErrConfig,
					Message: fmt.Sprintf("bad include pattern %q", expr),
					Inner:   err,
				}
			}
			fs.include = append(fs.include, re)
		}
		for _, expr := range p.Exclude {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, &chantal.Error{
					Op:      op,
					Kind:    chantal.ErrConfig,
					Message: fmt.Sprintf("bad exclude pattern %q", expr),
					Inner:   err,
				}
			}
			fs.exclude = append(fs.exclude, re)
		}
	}
	if f.OnlyLatestVersion && cmp == nil {
		return nil, &chantal.Error{
			Op:      op,
			Kind:    chantal.ErrConfig,
			Message: "only_latest_version needs a version ordering",
		}
	}
	return fs, nil
}

// ApplyFilters runs the admission pipeline over cands in declaration order:
// patterns, architecture, size, build time, ecosystem specifics, then
// only_latest_version. Each stage yields a subset of the previous one and
// relative candidate order is preserved throughout.
//
// The cmp argument supplies the ecosystem's version ordering and is only
// consulted by the only_latest_version stage.
func ApplyFilters(ctx context.Context, f *chantal.Filters, cmp func(a, b string) int, cands []Candidate) ([]Candidate, error) {
	if f == nil || f.IsZero() {
		return cands, nil
	}
	fs, err := newFilterSet(f, cmp)
	if err != nil {
		return nil, err
	}

	type stage struct {
		name string
		keep func(*Candidate) bool
	}
	var stages []stage
	if f.Patterns != nil {
		stages = append(stages, stage{"patterns", fs.matchPatterns})
	}
	if f.Architectures != nil {
		stages = append(stages, stage{"architectures", fs.matchArch})
	}
	if f.Size != nil {
		stages = append(stages, stage{"size", fs.matchSize})
	}
	if f.BuildTime != nil {
		stages = append(stages, stage{"build_time", fs.matchBuildTime})
	}
	if f.RPM != nil {
		stages = append(stages, stage{"rpm", fs.matchRPM})
	}
	if f.APT != nil {
		stages = append(stages, stage{"apt", fs.matchAPT})
	}

	cur := cands
	for _, s := range stages {
		next := make([]Candidate, 0, len(cur))
		for i := range cur {
			if s.keep(&cur[i]) {
				next = append(next, cur[i])
			}
		}
		zlog.Debug(ctx).
			Str("stage", s.name).
			Int("in", len(cur)).
			Int("out", len(next)).
			Msg("filter stage applied")
		cur = next
	}
	if f.OnlyLatestVersion {
		in := len(cur)
		cur = fs.latestOnly(cur)
		zlog.Debug(ctx).
			Str("stage", "only_latest_version").
			Int("in", in).
			Int("out", len(cur)).
			Msg("filter stage applied")
	}
	return cur, nil
}

func (fs *filterSet) matchPatterns(c *Candidate) bool {
	name := c.Item.Name
	if len(fs.include) != 0 {
		ok := false
		for _, re := range fs.include {
			if re.MatchString(name) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, re := range fs.exclude {
		if re.MatchString(name) {
			return false
		}
	}
	return true
}

func (fs *filterSet) matchArch(c *Candidate) bool {
	a := fs.cfg.Architectures
	arch := c.Item.Architecture
	if len(a.Include) != 0 && !slices.Contains(a.Include, arch) {
		return false
	}
	return !slices.Contains(a.Exclude, arch)
}

func (fs *filterSet) matchSize(c *Candidate) bool {
	s := fs.cfg.Size
	if s.MinBytes > 0 && c.Item.Size < s.MinBytes {
		return false
	}
	if s.MaxBytes > 0 && c.Item.Size > s.MaxBytes {
		return false
	}
	return true
}

func (fs *filterSet) matchBuildTime(c *Candidate) bool {
	b := fs.cfg.BuildTime
	if c.BuildTime.IsZero() {
		// no build time reported, candidate passes
		return true
	}
	if b.After != nil && c.BuildTime.Before(*b.After) {
		return false
	}
	if b.Before != nil && c.BuildTime.After(*b.Before) {
		return false
	}
	return true
}

func (fs *filterSet) matchRPM(c *Candidate) bool {
	r := fs.cfg.RPM
	if r.ExcludeSourcePackages &&
		(c.Item.Architecture == "src" || strings.HasSuffix(c.Item.Filename, ".src.rpm")) {
		return false
	}
	if len(r.Groups) != 0 {
		ok := false
		for _, g := range c.Groups {
			if slices.Contains(r.Groups, g) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(r.Licenses) != 0 {
		ok := false
		for _, want := range r.Licenses {
			if strings.Contains(c.License, want) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (fs *filterSet) matchAPT(c *Candidate) bool {
	a := fs.cfg.APT
	if len(a.Components) != 0 && !slices.Contains(a.Components, c.Component) {
		return false
	}
	if len(a.Priorities) != 0 && !slices.Contains(a.Priorities, c.Priority) {
		return false
	}
	return true
}

// latestOnly keeps, per (name, architecture) group, the candidate whose
// version is the maximum under the ecosystem ordering. Ties keep the first
// seen.
func (fs *filterSet) latestOnly(cands []Candidate) []Candidate {
	type key struct{ name, arch string }
	best := make(map[key]int, len(cands))
	for i := range cands {
		k := key{cands[i].Item.Name, cands[i].Item.Architecture}
		j, ok := best[k]
		if !ok || fs.cmp(cands[i].Item.Version, cands[j].Item.Version) > 0 {
			best[k] = i
		}
	}
	keep := make(map[int]struct{}, len(best))
	for _, i := range best {
		keep[i] = struct{}{}
	}
	out := make([]Candidate, 0, len(best))
	for i := range cands {
		if _, ok := keep[i]; ok {
			out = append(out, cands[i])
		}
	}
	return out
}
