// Package store is the local content-addressed cache of implementation
// trees. Each entry lives in a directory named after its manifest digest and
// only appears there, via rename, after its content has been verified.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/frederic-klein/yarun/internal/manifest"
)

const stagingPrefix = ".staging-"

var (
	ErrNotFound = errors.New("implementation not in store")
)

// VerificationError is returned by Add when the staged tree does not hash to
// the expected digest. The staged tree is discarded.
type VerificationError struct {
	Expected manifest.Digest
	Actual   manifest.Digest
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("manifest digest mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// CorruptionError reports a store entry whose content no longer matches its
// digest. Entries are never repaired automatically.
type CorruptionError struct {
	Digest manifest.Digest
	Path   string
	Detail string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("store entry %s is corrupted: %s", e.Digest, e.Detail)
}

// Entry is a published implementation.
type Entry struct {
	Digest manifest.Digest
	Path   string
	Size   int64
}

// Store manages a store directory.
type Store struct {
	root string
	log  zerolog.Logger
}

// New opens the store at root, creating the directory if needed.
func New(root string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &Store{root: root, log: log}, nil
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the directory an entry with digest d lives in, whether or not
// it exists.
func (s *Store) Path(d manifest.Digest) string {
	return filepath.Join(s.root, d.String())
}

// Contains reports whether an entry for d has been published.
func (s *Store) Contains(d manifest.Digest) bool {
	if d.IsZero() {
		return false
	}
	info, err := os.Stat(s.Path(d))
	return err == nil && info.IsDir()
}

// Lookup returns the entry for d.
func (s *Store) Lookup(d manifest.Digest) (Entry, error) {
	if !s.Contains(d) {
		return Entry{}, fmt.Errorf("%s: %w", d, ErrNotFound)
	}
	e := Entry{Digest: d, Path: s.Path(d)}
	if m, err := manifest.Load(filepath.Join(e.Path, manifest.FileName), d.Algorithm); err == nil {
		e.Size = m.TotalSize()
	}
	return e, nil
}

// StagingDir creates a private directory inside the store to unpack into.
// Being on the same filesystem lets Add publish it with a rename.
func (s *Store) StagingDir() (string, error) {
	dir, err := os.MkdirTemp(s.root, stagingPrefix)
	if err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	return dir, nil
}

// Add verifies that the tree in staging hashes to expected and publishes it.
// staging is consumed in every case. If another writer published the same
// digest first, Add succeeds without changing the existing entry.
func (s *Store) Add(ctx context.Context, expected manifest.Digest, staging string) (Entry, error) {
	defer os.RemoveAll(staging)

	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if s.Contains(expected) {
		s.log.Debug().Stringer("digest", expected).Msg("already in store")
		return s.Lookup(expected)
	}

	m, err := manifest.Generate(staging, expected.Algorithm)
	if err != nil {
		return Entry{}, fmt.Errorf("generating manifest: %w", err)
	}
	if actual := m.Digest(); actual != expected {
		return Entry{}, &VerificationError{Expected: expected, Actual: actual}
	}
	if err := m.Save(filepath.Join(staging, manifest.FileName)); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	target := s.Path(expected)
	if err := os.Rename(staging, target); err != nil {
		if s.Contains(expected) {
			s.log.Debug().Stringer("digest", expected).Msg("lost publish race")
			return s.Lookup(expected)
		}
		return Entry{}, fmt.Errorf("publishing %s: %w", expected, err)
	}

	s.log.Info().Stringer("digest", expected).Int64("size", m.TotalSize()).Msg("added to store")
	return Entry{Digest: expected, Path: target, Size: m.TotalSize()}, nil
}

// AddDirectory copies the tree at src into the store under expected.
func (s *Store) AddDirectory(ctx context.Context, expected manifest.Digest, src string) (Entry, error) {
	if s.Contains(expected) {
		return s.Lookup(expected)
	}
	staging, err := s.StagingDir()
	if err != nil {
		return Entry{}, err
	}
	if err := copyTree(ctx, src, staging); err != nil {
		os.RemoveAll(staging)
		return Entry{}, fmt.Errorf("copying %s: %w", src, err)
	}
	return s.Add(ctx, expected, staging)
}

// Verify checks that the entry for d still matches both its recorded
// manifest and its digest.
func (s *Store) Verify(d manifest.Digest) error {
	dir := s.Path(d)
	if !s.Contains(d) {
		return fmt.Errorf("%s: %w", d, ErrNotFound)
	}

	recorded, err := manifest.Load(filepath.Join(dir, manifest.FileName), d.Algorithm)
	if err != nil {
		return &CorruptionError{Digest: d, Path: dir, Detail: err.Error()}
	}
	if got := recorded.Digest(); got != d {
		return &CorruptionError{Digest: d, Path: dir, Detail: "recorded manifest hashes to " + got.String()}
	}

	actual, err := manifest.Generate(dir, d.Algorithm)
	if err != nil {
		return &CorruptionError{Digest: d, Path: dir, Detail: err.Error()}
	}
	if diff := manifest.Diff(recorded, actual); diff != "" {
		return &CorruptionError{Digest: d, Path: dir, Detail: diff}
	}
	return nil
}

// List returns all published entries sorted by digest.
func (s *Store) List() ([]Entry, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading store: %w", err)
	}
	var out []Entry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		d, err := manifest.ParseDigest(e.Name())
		if err != nil {
			continue
		}
		entry, err := s.Lookup(d)
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Digest.String() < out[j].Digest.String() })
	return out, nil
}

// ListStaging returns leftover staging directories.
func (s *Store) ListStaging() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading store: %w", err)
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), stagingPrefix) {
			out = append(out, filepath.Join(s.root, e.Name()))
		}
	}
	return out, nil
}

// PurgeStaging removes staging directories left by interrupted fetches. It
// must not run while another process is fetching into the same store.
func (s *Store) PurgeStaging() (int, error) {
	dirs, err := s.ListStaging()
	if err != nil {
		return 0, err
	}
	for _, d := range dirs {
		if err := os.RemoveAll(d); err != nil {
			return 0, fmt.Errorf("removing %s: %w", d, err)
		}
		s.log.Debug().Str("dir", d).Msg("removed staging directory")
	}
	return len(dirs), nil
}
