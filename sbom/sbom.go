// Package sbom describes exportable software bills of materials.
package sbom

import (
	"context"
	"io"

	chantal "github.com/slauger/chantal-sub001"
)

// Input is the resolved content set one document describes: a repository row
// plus the membership being exported.
type Input struct {
	Repository *chantal.Repository
	// the snapshot the items were frozen in; empty means live membership
	Snapshot string
	Items    []chantal.ContentItem
}

// Encoder renders an Input into one bill-of-materials format.
type Encoder interface {
	Encode(ctx context.Context, w io.Writer, in *Input) error
}
