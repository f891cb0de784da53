package postgres

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/slauger/chantal-sub001/datastore"
)

func TestBuildSearchQuery(t *testing.T) {
	const (
		preamble = `SELECT
		"c"."sha256", "c"."filename", "c"."size_bytes", "c"."content_type",
		"c"."name", "c"."version", "c"."architecture", "c"."metadata_json"
		FROM "content_item" AS "c" `
		repoJoin = `INNER JOIN "repository_content" AS "rc" ON ("rc"."sha256" = "c"."sha256") `
		snapJoin = `INNER JOIN "snapshot_content" AS "sc" ON ("sc"."sha256" = "c"."sha256")
		INNER JOIN "snapshot" AS "s" ON ("s"."id" = "sc"."snapshot_id") `
		ordering = ` ORDER BY "c"."name" ASC, "c"."version" ASC, "c"."architecture" ASC`
	)
	var table = []struct {
		name  string
		query datastore.ContentQuery
		want  string
	}{
		{
			name:  "Unscoped",
			query: datastore.ContentQuery{},
			want:  preamble + ordering,
		},
		{
			name:  "Repository",
			query: datastore.ContentQuery{Repository: "baseos"},
			want: preamble + repoJoin +
				`WHERE ("rc"."repository_id" = 'baseos')` + ordering,
		},
		{
			name:  "RepositorySnapshot",
			query: datastore.ContentQuery{Repository: "baseos", Snapshot: "rel-1"},
			want: preamble + snapJoin +
				`WHERE (("s"."repository_id" = 'baseos') AND ("s"."name" = 'rel-1'))` + ordering,
		},
		{
			name: "NameAndArchitectures",
			query: datastore.ContentQuery{
				Repository:    "baseos",
				Name:          "nginx",
				Architectures: []string{"x86_64", "noarch"},
			},
			want: preamble + repoJoin +
				`WHERE (("rc"."repository_id" = 'baseos') AND
				("c"."name" = 'nginx') AND
				("c"."architecture" IN ('x86_64', 'noarch')))` + ordering,
		},
		{
			name:  "PatternAndType",
			query: datastore.ContentQuery{NamePattern: "ngin", Type: "rpm"},
			want: preamble +
				`WHERE (("c"."name" ILIKE '%ngin%') AND ("c"."content_type" = 'rpm'))` + ordering,
		},
		{
			name:  "Version",
			query: datastore.ContentQuery{Version: "1.20.1-1.el9"},
			want: preamble +
				`WHERE ("c"."version" = '1.20.1-1.el9')` + ordering,
		},
		{
			name:  "SizeWindow",
			query: datastore.ContentQuery{MinSize: 1024, MaxSize: 4096},
			want: preamble +
				`WHERE (("c"."size_bytes" >= 1024) AND ("c"."size_bytes" <= 4096))` + ordering,
		},
		{
			name:  "Paged",
			query: datastore.ContentQuery{Limit: 50, Offset: 100},
			want:  preamble + ordering + ` LIMIT 50 OFFSET 100`,
		},
	}

	// SQL doesn't care about whitespace placement, and comparing fields
	// produces more intelligible diffs when things break.
	normalizeWhitespace := cmpopts.AcyclicTransformer("normalizeWhitespace", strings.Fields)

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildSearchQuery(&tt.query)
			if err != nil {
				t.Fatalf("failed to create query: %v", err)
			}
			t.Logf("got:\n%s", got)
			if !cmp.Equal(got, tt.want, normalizeWhitespace) {
				t.Fatalf("%v", cmp.Diff(tt.want, got, normalizeWhitespace))
			}
		})
	}
}

func TestBuildSearchQuerySnapshotScope(t *testing.T) {
	_, err := buildSearchQuery(&datastore.ContentQuery{Snapshot: "rel-1"})
	if err == nil {
		t.Fatal("expected an error for a snapshot scope without a repository")
	}
}
