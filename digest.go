package chantal

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"hash"
)

// Digest is an algorithm-qualified checksum as reported by upstream
// metadata. The string form is "algo:hex".
//
// Pool and Store identity is always a plain 64-hex sha256; a Digest exists so
// that upstream indexes declaring sha1 or md5 sums can still be carried around
// and checked at download time.
type Digest struct {
	algo     string
	checksum []byte
}

func (d Digest) Checksum() []byte { return d.checksum }

func (d Digest) Algorithm() string { return d.algo }

// Hex is the bare hexadecimal form, without the algorithm prefix.
func (d Digest) Hex() string { return hex.EncodeToString(d.checksum) }

func (d Digest) IsZero() bool { return d.algo == "" }

// Hash returns a new [hash.Hash] for the digest's algorithm.
func (d Digest) Hash() hash.Hash {
	switch d.algo {
	case "sha256":
		return sha256.New()
	case "sha512":
		return sha512.New()
	case "sha1":
		return sha1.New()
	case "md5":
		return md5.New()
	default:
		panic(fmt.Sprintf("chantal: unknown digest algorithm %q", d.algo))
	}
}

func (d Digest) String() string {
	b, _ := d.MarshalText()
	return string(b)
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	el := hex.EncodedLen(len(d.checksum))
	hl := len(d.algo) + 1
	b := make([]byte, hl+el)
	copy(b, d.algo)
	b[len(d.algo)] = ':'
	hex.Encode(b[hl:], d.checksum)
	return b, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(t []byte) error {
	i := bytes.IndexByte(t, ':')
	if i == -1 {
		return fmt.Errorf("invalid digest format")
	}
	algo := string(t[:i])
	t = t[i+1:]
	sum := make([]byte, hex.DecodedLen(len(t)))
	if _, err := hex.Decode(sum, t); err != nil {
		return fmt.Errorf("invalid digest format")
	}
	dd, err := NewDigest(algo, sum)
	if err != nil {
		return err
	}
	*d = dd
	return nil
}

// Scan implements sql.Scanner.
func (d *Digest) Scan(i interface{}) error {
	s, ok := i.(string)
	if !ok {
		return fmt.Errorf("invalid digest type %T", i)
	}
	return d.UnmarshalText([]byte(s))
}

// Value implements driver.Valuer.
func (d Digest) Value() (driver.Value, error) {
	b, err := d.MarshalText()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

var digestSize = map[string]int{
	"md5":    md5.Size,
	"sha1":   sha1.Size,
	"sha256": sha256.Size,
	"sha512": sha512.Size,
}

func NewDigest(algo string, sum []byte) (Digest, error) {
	sz, ok := digestSize[algo]
	if !ok {
		return Digest{}, fmt.Errorf("unknown digest algorithm %q", algo)
	}
	if len(sum) != sz {
		return Digest{}, fmt.Errorf("bad digest length for %s: %d", algo, len(sum))
	}
	return Digest{algo: algo, checksum: sum}, nil
}

func ParseDigest(digest string) (Digest, error) {
	d := Digest{}
	return d, d.UnmarshalText([]byte(digest))
}

func MustParseDigest(digest string) Digest {
	d, err := ParseDigest(digest)
	if err != nil {
		panic(err)
	}
	return d
}

// ValidSHA256 reports whether s is a plausible bare sha256: 64 characters of
// lowercase hex.
func ValidSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
