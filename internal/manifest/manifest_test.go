package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Unix(1700000000, 0)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		mode := os.FileMode(0o644)
		if strings.HasPrefix(filepath.Base(name), "run") {
			mode = 0o755
		}
		require.NoError(t, os.WriteFile(p, []byte(content), mode))
		require.NoError(t, os.Chtimes(p, fixedTime, fixedTime))
	}
}

func TestGenerate_Layout(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"b.txt":       "bee",
		"a.txt":       "a",
		"bin/run":     "#!/bin/sh\n",
		"lib/x/y.dat": "y",
	})
	require.NoError(t, os.Symlink("a.txt", filepath.Join(root, "link")))

	m, err := Generate(root, SHA256New)
	require.NoError(t, err)

	var kinds []string
	for _, n := range m.Nodes {
		kinds = append(kinds, string(n.Kind)+" "+n.Name)
	}
	assert.Equal(t, []string{
		"F a.txt",
		"F b.txt",
		"S link",
		"D /bin",
		"X run",
		"D /lib",
		"D /lib/x",
		"F y.dat",
	}, kinds)

	assert.Equal(t, "F ca978112ca1bbdcafac231b39a23dc4da786eff8147c4e72b9807785afee48bb 1700000000 1 a.txt", m.Nodes[0].String())
	assert.Equal(t, int64(1+3+5+10+1), m.TotalSize())
}

func TestGenerate_DigestStable(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	files := map[string]string{"x": "1", "d/y": "2"}
	writeTree(t, a, files)
	writeTree(t, b, files)

	ma, err := Generate(a, SHA256New)
	require.NoError(t, err)
	mb, err := Generate(b, SHA256New)
	require.NoError(t, err)
	assert.Equal(t, ma.Digest(), mb.Digest())
	assert.True(t, strings.HasPrefix(ma.Digest().String(), "sha256new_"))

	// The stored manifest file does not influence the digest.
	require.NoError(t, ma.Save(filepath.Join(a, FileName)))
	again, err := Generate(a, SHA256New)
	require.NoError(t, err)
	assert.Equal(t, ma.Digest(), again.Digest())

	require.NoError(t, os.WriteFile(filepath.Join(b, "x"), []byte("changed"), 0o644))
	require.NoError(t, os.Chtimes(filepath.Join(b, "x"), fixedTime, fixedTime))
	changed, err := Generate(b, SHA256New)
	require.NoError(t, err)
	assert.NotEqual(t, ma.Digest(), changed.Digest())
	assert.Contains(t, Diff(ma, changed), `"x"`)
}

func TestSaveLoad(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a": "a", "bin/run": "r"})
	require.NoError(t, os.Symlink("bin/run", filepath.Join(root, "l")))

	m, err := Generate(root, SHA256)
	require.NoError(t, err)
	p := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, m.Save(p))

	loaded, err := Load(p, SHA256)
	require.NoError(t, err)
	assert.Equal(t, m.Nodes, loaded.Nodes)
	assert.Equal(t, m.Digest(), loaded.Digest())
	assert.Empty(t, Diff(m, loaded))
}

func TestParseDigest(t *testing.T) {
	m := &Manifest{Algorithm: SHA256New}
	d := m.Digest()

	parsed, err := ParseDigest(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	hexDigest := (&Manifest{Algorithm: SHA256}).Digest()
	assert.Equal(t, "sha256=e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", hexDigest.String())
	parsed, err = ParseDigest(hexDigest.String())
	require.NoError(t, err)
	assert.Equal(t, hexDigest, parsed)

	for _, bad := range []string{"", "md5=abc", "sha256=zz", "sha256new_abc"} {
		_, err := ParseDigest(bad)
		assert.Error(t, err, bad)
	}
}
