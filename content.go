package chantal

import "encoding/json"

// ContentItem is one logical artifact: one rpm, one deb, one apk, one chart
// tarball.
//
// Identity is the sha256 across the whole system; two upstreams delivering
// bit-identical blobs share one row and one pool file. Filename, name and
// version are attributes, not identity.
type ContentItem struct {
	// 64-hex sha256 of the payload bytes.
	SHA256   string `json:"sha256"`
	Filename string `json:"filename"`
	Size     int64  `json:"size_bytes"`
	// ecosystem tag: "rpm", "deb", "apk", "helm-chart"
	ContentType  string `json:"content_type"`
	Name         string `json:"name"`
	Version      string `json:"version"`
	Architecture string `json:"architecture,omitempty"`
	// ecosystem-specific structured blob: dependencies, epoch, release,
	// chart appVersion, declared upstream checksums, and so on
	Metadata json.RawMessage `json:"metadata_json,omitempty"`
}

// FileCategory groups repository files by lifetime and publishing rules.
type FileCategory string

const (
	// FileMetadata is index material: repomd.xml, Packages, APKINDEX.tar.gz,
	// index.yaml and friends.
	FileMetadata FileCategory = "metadata"
	// FileSignature is detached or inline trust material: InRelease,
	// Release.gpg, repomd.xml.asc.
	FileSignature FileCategory = "signature"
	// FileKickstart is installer material named by .treeinfo: boot images,
	// EFI assets, the .treeinfo file itself.
	FileKickstart FileCategory = "kickstart"
)

// RepositoryFile is a metadata blob belonging to a repository: repomd.xml,
// primary.xml.gz, InRelease, APKINDEX.tar.gz, index.yaml, .treeinfo, boot
// images.
//
// These live in the "files" pool bucket, apart from payloads, because their
// lifetime and identity rules differ: metadata churns far faster than
// payloads.
type RepositoryFile struct {
	SHA256   string       `json:"sha256"`
	Category FileCategory `json:"file_category"`
	// ecosystem role: "repomd", "primary", "filelists", "other",
	// "updateinfo", "comps", "modules", "release", "inrelease",
	// "release-signature", "packages", "sources", "apkindex", "index",
	// "treeinfo", "image"
	Type string `json:"file_type"`
	// upstream-relative path, also the publish path in MIRROR mode
	OriginalPath string `json:"original_path"`
	// "gzip", "xz", "zstd", "bzip2" or "" for plain
	Compression string `json:"compression,omitempty"`
	Size        int64  `json:"size_bytes"`
}
