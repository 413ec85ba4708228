package feed

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frederic-klein/yarun/internal/version"
)

var (
	hexA = strings.Repeat("a", 64)
	hexB = strings.Repeat("b", 64)
)

const toolFeed = `
uri: https://example.com/tool
name: tool
summary: a tool
implementations:
  - version: "2.3"
    arch: linux-amd64
    stability: stable
    digest: sha256=` + "%A%" + `
    dependencies:
      - interface: https://example.com/core
        versions: "1.2.."
        bindings:
          - name: CORE_HOME
            insert: .
            mode: replace
      - interface: https://example.com/docs
        importance: recommended
    bindings:
      - name: PATH
        insert: bin
    commands:
      - path: bin/tool
        args: ["--quiet"]
      - name: test
        path: bin/tool-test
    archives:
      - url: https://example.com/tool-2.3.tar.gz
        size: 1024
        digest: sha256:` + "%B%" + `
  - version: "2.4-pre1"
    local-path: /src/tool
    commands:
      - runner:
          interface: https://example.com/python
        path: main.py
`

func feedDoc(doc string) string {
	return strings.NewReplacer("%A%", hexA, "%B%", hexB).Replace(doc)
}

func TestParse(t *testing.T) {
	// Act
	f, err := ParseBytes([]byte(feedDoc(toolFeed)))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/tool", f.URI)
	require.Len(t, f.Implementations, 2)

	impl := f.Implementations[0]
	assert.Equal(t, "sha256="+hexA, impl.ID, "id defaults to digest")
	assert.True(t, impl.Version.Equal(version.MustParse("2.3")))
	assert.Equal(t, Stable, impl.Stability)
	require.Len(t, impl.Dependencies, 2)
	assert.Equal(t, Essential, impl.Dependencies[0].Importance)
	assert.True(t, impl.Dependencies[0].Versions.Contains(version.MustParse("1.2")))
	assert.False(t, impl.Dependencies[0].Versions.Contains(version.MustParse("1.1")))
	assert.Equal(t, Replace, impl.Dependencies[0].Bindings[0].Mode)
	assert.Equal(t, Recommended, impl.Dependencies[1].Importance)
	assert.Equal(t, Prepend, impl.Bindings[0].Mode, "mode defaults to prepend")

	run, ok := impl.Command("")
	require.True(t, ok)
	assert.Equal(t, "bin/tool", run.Path)
	_, ok = impl.Command("test")
	assert.True(t, ok)
	assert.Equal(t, int64(1024), impl.Archives[0].Size)

	dev := f.Implementations[1]
	assert.Equal(t, "local:/src/tool", dev.ID)
	assert.Equal(t, Testing, dev.Stability, "stability defaults to testing")
	cmd, ok := dev.Command(DefaultCommand)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/python", cmd.Runner.Interface)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing uri",
			doc:  "name: x\n",
			want: "no uri",
		},
		{
			name: "unknown field",
			doc:  "uri: u\nhomepage: x\n",
			want: "homepage",
		},
		{
			name: "no digest or local path",
			doc:  "uri: u\nimplementations:\n  - version: \"1\"\n",
			want: "neither a digest nor a local-path",
		},
		{
			name: "bad stability",
			doc:  "uri: u\nimplementations:\n  - version: \"1\"\n    local-path: /x\n    stability: great\n",
			want: "unknown stability",
		},
		{
			name: "bad importance",
			doc:  "uri: u\nimplementations:\n  - version: \"1\"\n    local-path: /x\n    dependencies:\n      - interface: v\n        importance: maybe\n",
			want: "unknown importance",
		},
		{
			name: "insert and value",
			doc:  "uri: u\nimplementations:\n  - version: \"1\"\n    local-path: /x\n    bindings:\n      - name: A\n        insert: x\n        value: y\n",
			want: "both insert and value",
		},
		{
			name: "duplicate id",
			doc:  "uri: u\nimplementations:\n  - version: \"1\"\n    local-path: /x\n  - version: \"2\"\n    local-path: /x\n",
			want: "duplicate implementation id",
		},
		{
			name: "command without path",
			doc:  "uri: u\nimplementations:\n  - version: \"1\"\n    local-path: /x\n    commands:\n      - name: run\n",
			want: "neither a path nor a runner",
		},
		{
			name: "bad archive digest",
			doc:  "uri: u\nimplementations:\n  - version: \"1\"\n    local-path: /x\n    archives:\n      - url: http://x\n        digest: sha256:zz\n",
			want: "archive http://x",
		},
		{
			name: "bad version",
			doc:  "uri: u\nimplementations:\n  - version: \"1..2\"\n    local-path: /x\n",
			want: "version",
		},
		{
			name: "empty",
			doc:  "",
			want: "empty document",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBytes([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestArch_RunsOn(t *testing.T) {
	tests := []struct {
		arch   Arch
		target Arch
		want   bool
	}{
		{"", "linux-amd64", true},
		{"linux-amd64", "linux-amd64", true},
		{"linux-386", "linux-amd64", true},
		{"linux-amd64", "linux-386", false},
		{"darwin-arm64", "linux-arm64", false},
		{"*-src", "linux-amd64", true},
		{"linux-*", "linux-arm64", true},
		{"windows-*", "linux-arm64", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.arch)+"/"+string(tt.target), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.arch.RunsOn(tt.target))
		})
	}

	assert.True(t, Arch("linux-amd64").IsNative("linux-amd64"))
	assert.False(t, Arch("linux-*").IsNative("linux-amd64"))
	assert.False(t, Arch("linux-386").IsNative("linux-amd64"))
}

func TestRequirement(t *testing.T) {
	r := Requirement{Interface: "https://example.com/tool"}
	require.NoError(t, r.Validate())
	assert.Equal(t, DefaultCommand, r.CommandName())
	assert.Equal(t, HostArch(), r.TargetArch())
	assert.Empty(t, r.Ranges())

	r.NotBefore = version.MustParse("2")
	r.Before = version.MustParse("1")
	assert.Error(t, r.Validate())

	assert.Error(t, Requirement{}.Validate())
}
