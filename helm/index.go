// Package helm syncs and publishes chart repositories.
package helm

import (
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Index is a chart repository's index.yaml.
type Index struct {
	APIVersion string                     `yaml:"apiVersion"`
	Generated  time.Time                  `yaml:"generated,omitempty"`
	Entries    map[string][]*ChartVersion `yaml:"entries"`
}

// ChartVersion is one released chart in an index.
type ChartVersion struct {
	Name        string            `yaml:"name"`
	Version     string            `yaml:"version"`
	AppVersion  string            `yaml:"appVersion,omitempty"`
	Description string            `yaml:"description,omitempty"`
	APIVersion  string            `yaml:"apiVersion,omitempty"`
	Type        string            `yaml:"type,omitempty"`
	KubeVersion string            `yaml:"kubeVersion,omitempty"`
	Created     time.Time         `yaml:"created,omitempty"`
	Digest      string            `yaml:"digest,omitempty"`
	URLs        []string          `yaml:"urls"`
	Home        string            `yaml:"home,omitempty"`
	Sources     []string          `yaml:"sources,omitempty"`
	Keywords    []string          `yaml:"keywords,omitempty"`
	Icon        string            `yaml:"icon,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty"`
	Deprecated  bool              `yaml:"deprecated,omitempty"`
}

// ParseIndex decodes an index.yaml.
func ParseIndex(r io.Reader) (*Index, error) {
	idx := &Index{}
	if err := yaml.NewDecoder(r).Decode(idx); err != nil {
		return nil, fmt.Errorf("helm: decoding index: %w", err)
	}
	if idx.APIVersion == "" {
		return nil, errors.New("helm: index has no apiVersion")
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string][]*ChartVersion)
	}
	return idx, nil
}

// WriteIndex encodes an index.yaml. Map keys come out sorted, so output is
// stable for a given index.
func WriteIndex(w io.Writer, idx *Index) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(idx); err != nil {
		return fmt.Errorf("helm: encoding index: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("helm: encoding index: %w", err)
	}
	return nil
}
