// Package version implements implementation versions and version ranges.
//
// A version is a dotted list of numbers optionally followed by
// dash-separated parts. Each part may carry a modifier (pre, rc, post):
//
//	1.0-pre1 < 1.0-rc1 < 1.0 < 1.0-1 < 1.0-post1
package version

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type modifier int

const (
	modPre modifier = iota - 2
	modRC
	modNone
	modPost
)

var modifierNames = []struct {
	name string
	mod  modifier
}{
	{"pre", modPre},
	{"rc", modRC},
	{"post", modPost},
}

type part struct {
	mod  modifier
	list []int
}

// Version is an implementation version. The zero value is not valid.
type Version struct {
	raw   string
	first []int
	parts []part
}

// Parse parses a version string such as "2.3", "1.0-pre2" or "4.1-post1-3".
func Parse(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Version{}, fmt.Errorf("empty version")
	}

	pieces := strings.Split(s, "-")
	first, err := parseDotted(pieces[0])
	if err != nil || len(first) == 0 {
		return Version{}, fmt.Errorf("version %q must start with a dotted list of numbers", s)
	}

	v := Version{raw: s, first: first}
	for _, p := range pieces[1:] {
		pp, err := parsePart(p)
		if err != nil {
			return Version{}, fmt.Errorf("version %q: %w", s, err)
		}
		v.parts = append(v.parts, pp)
	}
	return v, nil
}

// MustParse is like Parse but panics on malformed input.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func parsePart(s string) (part, error) {
	p := part{mod: modNone}
	for _, m := range modifierNames {
		if strings.HasPrefix(s, m.name) {
			p.mod = m.mod
			s = s[len(m.name):]
			break
		}
	}
	list, err := parseDotted(s)
	if err != nil {
		return part{}, err
	}
	if p.mod == modNone && len(list) == 0 {
		return part{}, fmt.Errorf("empty version part")
	}
	p.list = list
	return p, nil
}

func parseDotted(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ".")
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid version component %q", f)
		}
		out[i] = n
	}
	return out, nil
}

// IsZero reports whether v is the zero value.
func (v Version) IsZero() bool {
	return len(v.first) == 0
}

// String returns the version as it was written.
func (v Version) String() string {
	return v.raw
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	if c := compareDotted(v.first, o.first); c != 0 {
		return c
	}
	n := len(v.parts)
	if len(o.parts) > n {
		n = len(o.parts)
	}
	for i := 0; i < n; i++ {
		a, b := part{mod: modNone}, part{mod: modNone}
		if i < len(v.parts) {
			a = v.parts[i]
		}
		if i < len(o.parts) {
			b = o.parts[i]
		}
		if a.mod != b.mod {
			if a.mod < b.mod {
				return -1
			}
			return 1
		}
		if c := compareDotted(a.list, b.list); c != 0 {
			return c
		}
	}
	return 0
}

// Equal reports whether v and o denote the same version.
func (v Version) Equal(o Version) bool {
	return v.Compare(o) == 0
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

// compareDotted compares element-wise; a longer list with an equal prefix is greater.
func compareDotted(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// UnmarshalYAML accepts unquoted numeric scalars such as 2.3 as well as strings.
func (v *Version) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: version must be a scalar", node.Line)
	}
	parsed, err := Parse(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*v = parsed
	return nil
}

// MarshalYAML writes the version as a string so 1.10 is not read back as 1.1.
func (v Version) MarshalYAML() (interface{}, error) {
	return v.raw, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.raw), nil
}
