package chantal

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the whole engine configuration: where state lives, how to reach
// upstreams, and the set of repositories to manage.
type Config struct {
	Database     DatabaseConfig     `json:"database" yaml:"database"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Proxy        *ProxyConfig       `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	TLS          *TLSConfig         `json:"ssl,omitempty" yaml:"ssl,omitempty"`
	Download     DownloadConfig     `json:"download" yaml:"download"`
	Repositories []RepositoryConfig `json:"repositories" yaml:"repositories"`
}

type DatabaseConfig struct {
	// libpq-style DSN or URL
	DSN string `json:"dsn" yaml:"dsn"`
	// run migrations on startup
	Migrate bool `json:"migrate" yaml:"migrate"`
}

type StorageConfig struct {
	// root of the content-addressed pool; published trees must share its
	// filesystem for hard links to work
	PoolRoot      string `json:"pool_root" yaml:"pool_root"`
	PublishedRoot string `json:"published_root" yaml:"published_root"`
}

// DownloadConfig tunes the shared download manager. Zero values select the
// defaults noted per field.
type DownloadConfig struct {
	// concurrent payload fetches per sync; default 4
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`
	// retry attempts for transient failures; default 3
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`
	// per-request ceiling; default 5m
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// time to first response header; default 30s
	HeaderTimeout Duration `json:"header_timeout,omitempty" yaml:"header_timeout,omitempty"`
	// requests per second against one upstream; 0 means unpaced
	RatePerSecond float64 `json:"rate_per_second,omitempty" yaml:"rate_per_second,omitempty"`
}

const (
	DefaultWorkers       = 4
	DefaultRetries       = 3
	DefaultTimeout       = 5 * time.Minute
	DefaultHeaderTimeout = 30 * time.Second
)

// ProxyConfig selects a forward proxy. A present-but-disabled ProxyConfig
// forces direct connections, overriding both the global setting and the
// process environment.
type ProxyConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
	// hosts reached directly, same syntax as NO_PROXY
	NoProxy string `json:"no_proxy,omitempty" yaml:"no_proxy,omitempty"`
}

// TLSConfig carries upstream trust and client-certificate material as file
// paths.
type TLSConfig struct {
	CACert             string `json:"ca_cert,omitempty" yaml:"ca_cert,omitempty"`
	ClientCert         string `json:"client_cert,omitempty" yaml:"client_cert,omitempty"`
	ClientKey          string `json:"client_key,omitempty" yaml:"client_key,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
}

// Auth is per-repository upstream authentication. Exactly one style should
// be set.
type Auth struct {
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	Bearer   string `json:"bearer,omitempty" yaml:"bearer,omitempty"`
	// raw header, e.g. "X-Token: abc"
	Header string `json:"header,omitempty" yaml:"header,omitempty"`
}

// RepositoryConfig is the declared intent for one repository. The persisted
// Repository row is materialized from it on first sync.
type RepositoryConfig struct {
	ID        string          `json:"id" yaml:"id"`
	Name      string          `json:"name" yaml:"name"`
	Type      RepoType        `json:"type" yaml:"type"`
	Feed      string          `json:"feed" yaml:"feed"`
	Enabled   bool            `json:"enabled" yaml:"enabled"`
	Mode      Mode            `json:"mode" yaml:"mode"`
	Auth      *Auth           `json:"auth,omitempty" yaml:"auth,omitempty"`
	Proxy     *ProxyConfig    `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	TLS       *TLSConfig      `json:"ssl,omitempty" yaml:"ssl,omitempty"`
	Download  *DownloadConfig `json:"download,omitempty" yaml:"download,omitempty"`
	Filters   Filters         `json:"filters,omitempty" yaml:"filters,omitempty"`
	Ecosystem EcosystemConfig `json:"ecosystem,omitempty" yaml:"ecosystem,omitempty"`
}

// Filters is the per-repository admission pipeline, applied in declaration
// order: patterns, architecture, size, build time, ecosystem specifics, then
// post-processing.
type Filters struct {
	Patterns      *PatternFilter   `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Architectures *ArchFilter      `json:"architectures,omitempty" yaml:"architectures,omitempty"`
	Size          *SizeFilter      `json:"size,omitempty" yaml:"size,omitempty"`
	BuildTime     *BuildTimeFilter `json:"build_time,omitempty" yaml:"build_time,omitempty"`
	RPM           *RPMFilter       `json:"rpm,omitempty" yaml:"rpm,omitempty"`
	APT           *APTFilter       `json:"apt,omitempty" yaml:"apt,omitempty"`
	// group by (name, architecture), keep the ecosystem-ordered maximum
	OnlyLatestVersion bool `json:"only_latest_version,omitempty" yaml:"only_latest_version,omitempty"`
}

// IsZero reports whether no filter stage is configured at all.
func (f *Filters) IsZero() bool {
	return f.Patterns == nil && f.Architectures == nil && f.Size == nil &&
		f.BuildTime == nil && f.RPM == nil && f.APT == nil && !f.OnlyLatestVersion
}

// PatternFilter admits by package name. Includes are a disjunction of
// regexes, empty meaning include-all; excludes are applied over the includes.
type PatternFilter struct {
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

type ArchFilter struct {
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// SizeFilter admits min_bytes <= size <= max_bytes. A zero bound is
// unbounded on that side.
type SizeFilter struct {
	MinBytes int64 `json:"min_bytes,omitempty" yaml:"min_bytes,omitempty"`
	MaxBytes int64 `json:"max_bytes,omitempty" yaml:"max_bytes,omitempty"`
}

// BuildTimeFilter admits after <= build_time <= before. Candidates without a
// build time pass.
type BuildTimeFilter struct {
	After  *time.Time `json:"after,omitempty" yaml:"after,omitempty"`
	Before *time.Time `json:"before,omitempty" yaml:"before,omitempty"`
}

type RPMFilter struct {
	ExcludeSourcePackages bool `json:"exclude_source_packages,omitempty" yaml:"exclude_source_packages,omitempty"`
	// comps group IDs; empty admits all
	Groups []string `json:"groups,omitempty" yaml:"groups,omitempty"`
	// license substrings; empty admits all
	Licenses []string `json:"licenses,omitempty" yaml:"licenses,omitempty"`
}

type APTFilter struct {
	Components []string `json:"components,omitempty" yaml:"components,omitempty"`
	Priorities []string `json:"priorities,omitempty" yaml:"priorities,omitempty"`
}

// LoadConfig reads a YAML Config.
func LoadConfig(r io.Reader) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, &Error{
			Op:      "chantal/LoadConfig",
			Kind:    ErrConfig,
			Message: "malformed configuration",
			Inner:   err,
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the structural invariants that every component later
// assumes.
func (c *Config) Validate() error {
	const op = `chantal/Config.Validate`
	fail := func(f string, v ...interface{}) error {
		return &Error{Op: op, Kind: ErrConfig, Message: fmt.Sprintf(f, v...)}
	}
	if c.Database.DSN == "" {
		return fail("database.dsn not set")
	}
	if c.Storage.PoolRoot == "" {
		return fail("storage.pool_root not set")
	}
	seen := make(map[string]struct{}, len(c.Repositories))
	for i := range c.Repositories {
		r := &c.Repositories[i]
		if err := r.Validate(); err != nil {
			return err
		}
		if _, ok := seen[r.ID]; ok {
			return fail("duplicate repository id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

// Validate checks one repository declaration.
func (r *RepositoryConfig) Validate() error {
	const op = `chantal/RepositoryConfig.Validate`
	fail := func(f string, v ...interface{}) error {
		return &Error{Op: op, Kind: ErrConfig, Message: fmt.Sprintf(f, v...)}
	}
	if r.ID == "" {
		return fail("repository id not set")
	}
	if _, err := ParseRepoType(string(r.Type)); err != nil {
		return fail("repository %q: %v", r.ID, err)
	}
	if _, err := ParseMode(string(r.Mode)); err != nil {
		return fail("repository %q: %v", r.ID, err)
	}
	if r.Mode != Hosted && r.Feed == "" {
		return fail("repository %q: feed not set", r.ID)
	}
	if r.Mode == Mirror && r.Filters.OnlyLatestVersion {
		return fail("repository %q: only_latest_version breaks mirror consistency", r.ID)
	}
	switch r.Type {
	case Deb:
		if r.Mode != Hosted && r.Ecosystem.Distribution == "" {
			return fail("repository %q: ecosystem.distribution not set", r.ID)
		}
	case APK:
		if r.Mode != Hosted && (r.Ecosystem.Branch == "" || r.Ecosystem.Repository == "") {
			return fail("repository %q: ecosystem.branch and ecosystem.repository required", r.ID)
		}
	}
	return nil
}

// Repository materializes the persisted row this configuration describes.
func (r *RepositoryConfig) Repository() *Repository {
	name := r.Name
	if name == "" {
		name = r.ID
	}
	return &Repository{
		ID:        r.ID,
		Name:      name,
		Type:      r.Type,
		Feed:      r.Feed,
		Enabled:   r.Enabled,
		Mode:      r.Mode,
		Ecosystem: r.Ecosystem,
	}
}
