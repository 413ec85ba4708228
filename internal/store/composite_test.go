package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frederic-klein/yarun/internal/manifest"
)

func TestComposite(t *testing.T) {
	// Arrange
	shared := newStore(t)
	src := t.TempDir()
	d := writeTree(t, src)
	_, err := shared.AddDirectory(context.Background(), d, src)
	require.NoError(t, err)

	root := filepath.Join(t.TempDir(), "user")
	c, err := Open(root, []string{shared.Root(), filepath.Join(t.TempDir(), "unmounted")}, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, c.Shared(), 1)

	// Act
	entry, err := c.Lookup(d)

	// Assert
	require.NoError(t, err)
	assert.True(t, c.Contains(d))
	assert.Equal(t, shared.Path(d), entry.Path)
	assert.Equal(t, shared.Path(d), c.Path(d))
	assert.NoError(t, c.Verify(d))
	assert.NoDirExists(t, filepath.Join(root, d.String()), "shared entries are not copied")

	entries, err := c.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, d, entries[0].Digest)
}

func TestComposite_WritesToPrimary(t *testing.T) {
	shared := newStore(t)
	sharedSrc := t.TempDir()
	d := writeTree(t, sharedSrc)
	_, err := shared.AddDirectory(context.Background(), d, sharedSrc)
	require.NoError(t, err)
	c := NewComposite(newStore(t), shared)

	staging, err := c.StagingDir()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(staging, "only-here"), []byte("x"), 0o644))
	m, err := manifest.Generate(staging, manifest.DefaultAlgorithm)
	require.NoError(t, err)
	entry, err := c.Add(context.Background(), m.Digest(), staging)

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Root(), m.Digest().String()), entry.Path)
	assert.False(t, shared.Contains(m.Digest()))

	entries, err := c.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// The writable store wins once it holds a copy too.
	_, err = c.AddDirectory(context.Background(), d, sharedSrc)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Root(), d.String()), c.Path(d))
	entries, err = c.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestComposite_Missing(t *testing.T) {
	c := NewComposite(newStore(t))
	d := manifest.MustParseDigest("sha256=" + "00000000000000000000000000000000000000000000000000000000000000aa")

	assert.False(t, c.Contains(d))
	assert.Equal(t, filepath.Join(c.Root(), d.String()), c.Path(d))
	_, err := c.Lookup(d)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, c.Verify(d), ErrNotFound)
}
