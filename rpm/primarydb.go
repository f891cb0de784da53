package rpm

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"os"

	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/slauger/chantal-sub001/internal/zreader"
	"github.com/slauger/chantal-sub001/syncer"
)

// createrepo's primary sqlite schema, read-only. Strings and integers are
// coalesced so the scan types stay plain.
const primaryDBQuery = `
SELECT
	COALESCE(pkgId, ''), COALESCE(checksum_type, ''),
	COALESCE(name, ''), COALESCE(arch, ''),
	COALESCE(version, ''), COALESCE(epoch, ''), COALESCE(release, ''),
	COALESCE(summary, ''), COALESCE(description, ''),
	COALESCE(url, ''), COALESCE(rpm_packager, ''),
	COALESCE(time_file, 0), COALESCE(time_build, 0),
	COALESCE(rpm_license, ''), COALESCE(rpm_vendor, ''), COALESCE(rpm_group, ''),
	COALESCE(rpm_buildhost, ''), COALESCE(rpm_sourcerpm, ''),
	COALESCE(rpm_header_start, 0), COALESCE(rpm_header_end, 0),
	COALESCE(size_package, 0), COALESCE(size_installed, 0), COALESCE(size_archive, 0),
	COALESCE(location_href, '')
FROM packages
ORDER BY pkgKey;
`

// readPrimaryDB enumerates candidates from a createrepo primary sqlite
// database, for upstreams whose repomd names no xml primary.
func readPrimaryDB(ctx context.Context, dir, p, feed string, groups map[string][]string) ([]syncer.Candidate, error) {
	plain, err := decompressToTemp(dir, p)
	if err != nil {
		return nil, err
	}
	defer os.Remove(plain)

	db, err := openPrimaryDB(plain)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, primaryDBQuery)
	if err != nil {
		return nil, fmt.Errorf("rpm: querying primary db: %w", err)
	}
	defer rows.Close()

	var out []syncer.Candidate
	for rows.Next() {
		var pkg Package
		err := rows.Scan(
			&pkg.Checksum.Value, &pkg.Checksum.Type,
			&pkg.Name, &pkg.Arch,
			&pkg.Version.Ver, &pkg.Version.Epoch, &pkg.Version.Rel,
			&pkg.Summary, &pkg.Description,
			&pkg.URL, &pkg.Packager,
			&pkg.Time.File, &pkg.Time.Build,
			&pkg.Format.License, &pkg.Format.Vendor, &pkg.Format.Group,
			&pkg.Format.BuildHost, &pkg.Format.SourceRPM,
			&pkg.Format.HeaderRange.Start, &pkg.Format.HeaderRange.End,
			&pkg.Size.Package, &pkg.Size.Installed, &pkg.Size.Archive,
			&pkg.Location.Href,
		)
		if err != nil {
			return nil, fmt.Errorf("rpm: scanning primary db row: %w", err)
		}
		c, err := candidate(&pkg, feed, groups)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rpm: reading primary db: %w", err)
	}
	return out, nil
}

// openPrimaryDB opens the on-disk database read-only.
func openPrimaryDB(f string) (*sql.DB, error) {
	u := url.URL{
		Scheme: `file`,
		Opaque: f,
		RawQuery: url.Values{
			"_pragma": {"query_only(1)"},
		}.Encode(),
	}
	db, err := sql.Open(`sqlite`, u.String())
	if err != nil {
		return nil, fmt.Errorf("rpm: opening primary db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("rpm: opening primary db: %w", err)
	}
	return db, nil
}

// decompressToTemp expands the blob at p into a fresh temp file under dir
// and returns its path. The driver needs a plain file on disk.
func decompressToTemp(dir, p string) (string, error) {
	src, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("rpm: reopening primary db: %w", err)
	}
	defer src.Close()
	z, err := zreader.Reader(src)
	if err != nil {
		return "", fmt.Errorf("rpm: decompressing primary db: %w", err)
	}
	defer z.Close()

	dst, err := os.CreateTemp(dir, "primarydb.*.sqlite")
	if err != nil {
		return "", fmt.Errorf("rpm: creating temp file: %w", err)
	}
	if _, err := io.Copy(dst, z); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("rpm: expanding primary db: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("rpm: expanding primary db: %w", err)
	}
	return dst.Name(), nil
}
