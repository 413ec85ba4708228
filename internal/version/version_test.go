package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		a    string
		b    string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "2.0", -1},
		{"2.0", "1.0", 1},
		{"1.10", "1.9", 1},
		{"1.2.3", "1.2.4", -1},
		{"1.0", "1", 1},
		{"1.0-pre1", "1.0", -1},
		{"1.0-pre1", "1.0-rc1", -1},
		{"1.0-rc1", "1.0", -1},
		{"1.0", "1.0-1", -1},
		{"1.0-1", "1.0-post1", -1},
		{"1.0-post1", "1.1-pre1", -1},
		{"2.3", "2.0", 1},
		{"1.0-pre2", "1.0-pre10", -1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			a := MustParse(tt.a)
			b := MustParse(tt.b)
			assert.Equal(t, tt.want, a.Compare(b), "Compare(%q, %q)", tt.a, tt.b)
			assert.Equal(t, -tt.want, b.Compare(a), "Compare(%q, %q)", tt.b, tt.a)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "abc", "-1", "1.a", "1..2", "1.0-", "1.0-foo"} {
		t.Run(s, func(t *testing.T) {
			_, err := Parse(s)
			assert.Error(t, err)
		})
	}
}

func TestRange_Contains(t *testing.T) {
	tests := []struct {
		rng  string
		have string
		ok   bool
	}{
		{"", "1.0", true},
		{"1.0..!2.0", "1.0", true},
		{"1.0..!2.0", "1.9.9", true},
		{"1.0..!2.0", "2.0", false},
		{"1.0..!2.0", "2.0-pre1", true},
		{"1.0..", "99", true},
		{"..!1.0", "0.9", true},
		{"..!1.0", "1.0", false},
		{"!1.5", "1.5", false},
		{"!1.5", "1.6", true},
		{"1.2", "1.2", true},
		{"1.2", "1.2.0", false},
		{"[1.0,2.0)", "1.2", true},
		{"[1.0,2.0)", "2.0", false},
		{"[1.0,2.0]", "2.0", true},
		{"(1.0,2.0)", "1.0", false},
		{">= 1.0, < 2.0", "1.5", true},
		{">= 1.0, < 2.0", "2.0", false},
		{">= 2.0", "1.9", false},
		{"!= 1.0", "1.0", false},
		{"1.0..!1.5 | 2.0..", "1.7", false},
		{"1.0..!1.5 | 2.0..", "2.1", true},
	}

	for _, tt := range tests {
		t.Run(tt.rng+"_"+tt.have, func(t *testing.T) {
			r, err := ParseRange(tt.rng)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, r.Contains(MustParse(tt.have)))
		})
	}
}

func TestParseRange_Invalid(t *testing.T) {
	for _, s := range []string{"1.0..2.0", "[1.0)", "1.0..!x", "|"} {
		t.Run(s, func(t *testing.T) {
			_, err := ParseRange(s)
			assert.Error(t, err)
		})
	}
}

func TestBetween(t *testing.T) {
	r := Between(MustParse("2.0"), Version{})
	assert.False(t, r.Contains(MustParse("1.5")))
	assert.True(t, r.Contains(MustParse("2.0")))
	assert.Equal(t, "2.0..", r.String())

	assert.True(t, Between(Version{}, Version{}).IsAny())
}

func TestRange_StringRoundTrip(t *testing.T) {
	for _, s := range []string{"1.0..!2.0", "!1.5", "1.2", "2.0..", "..!3", "[1.0,2.0]", "1.0..!1.5|2.0.."} {
		t.Run(s, func(t *testing.T) {
			r := MustParseRange(s)
			again, err := ParseRange(r.String())
			require.NoError(t, err)
			assert.Equal(t, r.String(), again.String())
		})
	}
}

func TestYAML(t *testing.T) {
	var doc struct {
		Version  Version `yaml:"version"`
		Versions Range   `yaml:"versions,omitempty"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("version: 1.10\nversions: 1.0..!2.0\n"), &doc))
	assert.Equal(t, "1.10", doc.Version.String())
	assert.True(t, doc.Versions.Contains(MustParse("1.5")))

	out, err := yaml.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(out), `version: "1.10"`)
	assert.Contains(t, string(out), "versions: 1.0..!2.0")
}
