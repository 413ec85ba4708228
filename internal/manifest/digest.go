// Package manifest computes and parses manifest digests of implementation
// directory trees. A manifest lists every file, executable, symlink and
// directory of a tree in a canonical order; its hash identifies the tree.
package manifest

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Algorithm names a manifest format.
type Algorithm string

const (
	SHA256New Algorithm = "sha256new"
	SHA256    Algorithm = "sha256"
)

// DefaultAlgorithm is used when generating new manifests.
const DefaultAlgorithm = SHA256New

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

func (a Algorithm) separator() string {
	if a == SHA256New {
		return "_"
	}
	return "="
}

func (a Algorithm) encode(sum []byte) string {
	if a == SHA256New {
		return b32.EncodeToString(sum)
	}
	return hex.EncodeToString(sum)
}

func (a Algorithm) valid() bool {
	return a == SHA256New || a == SHA256
}

// Digest identifies an implementation tree, e.g. "sha256new_RPUJPV..." or "sha256=4f2a...".
type Digest struct {
	Algorithm Algorithm
	Value     string
}

// ParseDigest parses a digest id.
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	for _, alg := range []Algorithm{SHA256New, SHA256} {
		for _, sep := range []string{"_", "="} {
			prefix := string(alg) + sep
			if !strings.HasPrefix(s, prefix) {
				continue
			}
			d := Digest{Algorithm: alg, Value: s[len(prefix):]}
			if err := d.validateValue(); err != nil {
				return Digest{}, fmt.Errorf("digest %q: %w", s, err)
			}
			return d, nil
		}
	}
	return Digest{}, fmt.Errorf("digest %q: unknown algorithm", s)
}

// MustParseDigest is like ParseDigest but panics on malformed input.
func MustParseDigest(s string) Digest {
	d, err := ParseDigest(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Digest) validateValue() error {
	switch d.Algorithm {
	case SHA256New:
		raw, err := b32.DecodeString(d.Value)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("malformed base32 sha256 value")
		}
	case SHA256:
		raw, err := hex.DecodeString(d.Value)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("malformed hex sha256 value")
		}
	default:
		return fmt.Errorf("unknown algorithm %q", d.Algorithm)
	}
	return nil
}

// IsZero reports whether d is unset.
func (d Digest) IsZero() bool {
	return d.Value == ""
}

// String returns the canonical id, which is also the store directory name.
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return string(d.Algorithm) + d.Algorithm.separator() + d.Value
}

// UnmarshalYAML parses a digest id scalar.
func (d *Digest) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseDigest(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = parsed
	return nil
}

// MarshalYAML writes the digest id.
func (d Digest) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
