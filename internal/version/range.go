package version

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type bound struct {
	v         Version
	inclusive bool
}

type rangePart struct {
	exact *Version
	not   *Version
	lo    *bound
	hi    *bound
}

// Range is a union of version intervals. The zero Range matches every version.
//
// Accepted syntax, parts separated by "|":
//
//	1.0..!2.0    1.0 inclusive to 2.0 exclusive (either side optional)
//	!1.5         anything except 1.5
//	1.2          exactly 1.2
//	[1.0,2.0)    interval notation, "]" makes the end inclusive
//	>= 1.0, < 2.0
type Range struct {
	parts []rangePart
}

// Any returns the range that matches every version.
func Any() Range {
	return Range{}
}

// Between returns the range notBefore..!before. Zero versions leave that side open.
func Between(notBefore, before Version) Range {
	p := rangePart{}
	if !notBefore.IsZero() {
		p.lo = &bound{v: notBefore, inclusive: true}
	}
	if !before.IsZero() {
		p.hi = &bound{v: before}
	}
	if p.lo == nil && p.hi == nil {
		return Range{}
	}
	return Range{parts: []rangePart{p}}
}

// ParseRange parses a version range expression.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, nil
	}
	var r Range
	for _, raw := range strings.Split(s, "|") {
		p, err := parseRangePart(strings.TrimSpace(raw))
		if err != nil {
			return Range{}, fmt.Errorf("version range %q: %w", s, err)
		}
		r.parts = append(r.parts, p)
	}
	return r, nil
}

// MustParseRange is like ParseRange but panics on malformed input.
func MustParseRange(s string) Range {
	r, err := ParseRange(s)
	if err != nil {
		panic(err)
	}
	return r
}

func parseRangePart(s string) (rangePart, error) {
	switch {
	case s == "":
		return rangePart{}, fmt.Errorf("empty range part")
	case strings.HasPrefix(s, "[") || strings.HasPrefix(s, "("):
		return parseInterval(s)
	case strings.Contains(s, ".."):
		return parseDotDot(s)
	case strings.HasPrefix(s, "!") && !strings.HasPrefix(s, "!="):
		v, err := Parse(s[1:])
		if err != nil {
			return rangePart{}, err
		}
		return rangePart{not: &v}, nil
	case strings.ContainsAny(s, "<>=,"):
		return parseComparators(s)
	}
	v, err := Parse(s)
	if err != nil {
		return rangePart{}, err
	}
	return rangePart{exact: &v}, nil
}

func parseDotDot(s string) (rangePart, error) {
	start, end, _ := strings.Cut(s, "..")
	var p rangePart
	if start = strings.TrimSpace(start); start != "" {
		v, err := Parse(start)
		if err != nil {
			return rangePart{}, err
		}
		p.lo = &bound{v: v, inclusive: true}
	}
	if end = strings.TrimSpace(end); end != "" {
		if !strings.HasPrefix(end, "!") {
			return rangePart{}, fmt.Errorf("range end %q must be exclusive (prefixed with '!')", end)
		}
		v, err := Parse(end[1:])
		if err != nil {
			return rangePart{}, err
		}
		p.hi = &bound{v: v}
	}
	return p, nil
}

func parseInterval(s string) (rangePart, error) {
	if len(s) < 3 {
		return rangePart{}, fmt.Errorf("malformed interval %q", s)
	}
	open, closing := s[0], s[len(s)-1]
	if closing != ')' && closing != ']' {
		return rangePart{}, fmt.Errorf("malformed interval %q", s)
	}
	start, end, ok := strings.Cut(s[1:len(s)-1], ",")
	if !ok {
		return rangePart{}, fmt.Errorf("interval %q needs two bounds", s)
	}
	var p rangePart
	if start = strings.TrimSpace(start); start != "" {
		v, err := Parse(start)
		if err != nil {
			return rangePart{}, err
		}
		p.lo = &bound{v: v, inclusive: open == '['}
	}
	if end = strings.TrimSpace(end); end != "" {
		v, err := Parse(end)
		if err != nil {
			return rangePart{}, err
		}
		p.hi = &bound{v: v, inclusive: closing == ']'}
	}
	return p, nil
}

// parseComparators handles the ">= 1.0, < 2.0" form.
func parseComparators(s string) (rangePart, error) {
	var p rangePart
	for _, c := range strings.Split(s, ",") {
		c = strings.TrimSpace(c)
		var op string
		for _, candidate := range []string{">=", "<=", "==", "!=", ">", "<", "="} {
			if strings.HasPrefix(c, candidate) {
				op = candidate
				break
			}
		}
		if op == "" {
			op = ">="
		}
		v, err := Parse(strings.TrimSpace(strings.TrimPrefix(c, op)))
		if err != nil {
			return rangePart{}, err
		}
		switch op {
		case ">=":
			p.lo = &bound{v: v, inclusive: true}
		case ">":
			p.lo = &bound{v: v}
		case "<=":
			p.hi = &bound{v: v, inclusive: true}
		case "<":
			p.hi = &bound{v: v}
		case "==", "=":
			p.exact = &v
		case "!=":
			p.not = &v
		}
	}
	return p, nil
}

// IsAny reports whether r matches every version.
func (r Range) IsAny() bool {
	return len(r.parts) == 0
}

// IsZero lets yaml omitempty drop unconstrained ranges.
func (r Range) IsZero() bool {
	return r.IsAny()
}

// Contains reports whether v lies in r.
func (r Range) Contains(v Version) bool {
	if len(r.parts) == 0 {
		return true
	}
	for _, p := range r.parts {
		if p.matches(v) {
			return true
		}
	}
	return false
}

func (p rangePart) matches(v Version) bool {
	if p.exact != nil && !v.Equal(*p.exact) {
		return false
	}
	if p.not != nil && v.Equal(*p.not) {
		return false
	}
	if p.lo != nil {
		c := v.Compare(p.lo.v)
		if c < 0 || (c == 0 && !p.lo.inclusive) {
			return false
		}
	}
	if p.hi != nil {
		c := v.Compare(p.hi.v)
		if c > 0 || (c == 0 && !p.hi.inclusive) {
			return false
		}
	}
	return true
}

// String renders r in the "A..!B|C" syntax where possible.
func (r Range) String() string {
	out := make([]string, 0, len(r.parts))
	for _, p := range r.parts {
		out = append(out, p.String())
	}
	return strings.Join(out, "|")
}

func (p rangePart) String() string {
	var terms []string
	if p.exact != nil {
		terms = append(terms, p.exact.String())
	}
	if p.not != nil {
		terms = append(terms, "!"+p.not.String())
	}
	if p.lo != nil || p.hi != nil {
		if (p.lo == nil || p.lo.inclusive) && (p.hi == nil || !p.hi.inclusive) {
			var b strings.Builder
			if p.lo != nil {
				b.WriteString(p.lo.v.String())
			}
			b.WriteString("..")
			if p.hi != nil {
				b.WriteString("!" + p.hi.v.String())
			}
			terms = append(terms, b.String())
		} else {
			open, closing := "[", ")"
			lo, hi := "", ""
			if p.lo != nil {
				lo = p.lo.v.String()
				if !p.lo.inclusive {
					open = "("
				}
			}
			if p.hi != nil {
				hi = p.hi.v.String()
				if p.hi.inclusive {
					closing = "]"
				}
			}
			terms = append(terms, open+lo+","+hi+closing)
		}
	}
	return strings.Join(terms, ", ")
}

// UnmarshalYAML parses a range from a scalar.
func (r *Range) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: version range must be a scalar", node.Line)
	}
	parsed, err := ParseRange(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*r = parsed
	return nil
}

// MarshalYAML writes the range in its string form.
func (r Range) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}
