package chantal

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// RepoType enumerates the supported upstream ecosystems.
type RepoType string

const (
	RPM  RepoType = "rpm"
	Deb  RepoType = "deb"
	APK  RepoType = "apk"
	Helm RepoType = "helm"
)

func ParseRepoType(s string) (RepoType, error) {
	switch t := RepoType(s); t {
	case RPM, Deb, APK, Helm:
		return t, nil
	}
	return "", fmt.Errorf("unknown repository type %q", s)
}

// Scan implements sql.Scanner.
func (t *RepoType) Scan(i interface{}) error {
	s, ok := i.(string)
	if !ok {
		return fmt.Errorf("unable to scan RepoType from type %T", i)
	}
	v, err := ParseRepoType(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Value implements driver.Valuer.
func (t RepoType) Value() (driver.Value, error) {
	return string(t), nil
}

// Mode controls how faithfully a repository follows its upstream.
//
// MIRROR preserves upstream metadata blobs verbatim and forbids
// metadata-breaking post-processing. FILTERED applies the full filter pipeline
// and regenerates metadata at publish time. HOSTED has no upstream at all.
type Mode string

const (
	Mirror   Mode = "mirror"
	Filtered Mode = "filtered"
	Hosted   Mode = "hosted"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Mirror, Filtered, Hosted:
		return m, nil
	}
	return "", fmt.Errorf("unknown repository mode %q", s)
}

// Scan implements sql.Scanner.
func (m *Mode) Scan(i interface{}) error {
	s, ok := i.(string)
	if !ok {
		return fmt.Errorf("unable to scan Mode from type %T", i)
	}
	v, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Value implements driver.Valuer.
func (m Mode) Value() (driver.Value, error) {
	return string(m), nil
}

// Repository is one logical upstream feed.
//
// Rows are materialized on first sync after the repository appears in
// configuration and are never auto-deleted when it disappears; orphan cleanup
// is the reconciler's job.
type Repository struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Type        RepoType        `json:"type"`
	Feed        string          `json:"feed"`
	Enabled     bool            `json:"enabled"`
	Mode        Mode            `json:"mode"`
	LastSync    *time.Time      `json:"last_sync_at,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Ecosystem   EcosystemConfig `json:"ecosystem,omitempty"`
}

// EcosystemConfig carries the ecosystem-specific knobs of a repository.
// Unused fields stay zero for the other ecosystems.
type EcosystemConfig struct {
	// apt
	Distribution   string   `json:"distribution,omitempty" yaml:"distribution,omitempty"`
	Components     []string `json:"components,omitempty" yaml:"components,omitempty"`
	IncludeSources bool     `json:"include_source_packages,omitempty" yaml:"include_source_packages,omitempty"`
	// apt: armored keyring files used to verify InRelease or Release.gpg;
	// empty skips verification
	GPGKeys []string `json:"gpg_keys,omitempty" yaml:"gpg_keys,omitempty"`
	// apk
	Branch     string `json:"branch,omitempty" yaml:"branch,omitempty"`
	Repository string `json:"repository,omitempty" yaml:"repository,omitempty"`
	// apt and apk
	Architectures []string `json:"architectures,omitempty" yaml:"architectures,omitempty"`
	// rpm: fetch .treeinfo and the boot assets it names
	InstallerImages bool `json:"installer_images,omitempty" yaml:"installer_images,omitempty"`
}
