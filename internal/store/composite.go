package store

import (
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"

	"github.com/frederic-klein/yarun/internal/manifest"
)

// Composite looks implementations up in a writable store and then in any
// number of shared stores, which are only read. New entries always go to the
// writable store.
type Composite struct {
	*Store
	shared []*Store
}

// NewComposite combines primary with shared stores, searched in order.
func NewComposite(primary *Store, shared ...*Store) *Composite {
	return &Composite{Store: primary, shared: shared}
}

// Open opens the writable store at root, creating it if needed, and the
// shared stores in sharedDirs. Shared directories that do not exist are
// skipped.
func Open(root string, sharedDirs []string, log zerolog.Logger) (*Composite, error) {
	primary, err := New(root, log)
	if err != nil {
		return nil, err
	}
	var shared []*Store
	for _, dir := range sharedDirs {
		if dir == root {
			continue
		}
		info, err := os.Stat(dir)
		switch {
		case err == nil && info.IsDir():
			shared = append(shared, &Store{root: dir, log: log})
		case err == nil || os.IsNotExist(err):
			log.Debug().Str("dir", dir).Msg("shared store not available")
		default:
			return nil, fmt.Errorf("opening shared store %s: %w", dir, err)
		}
	}
	return NewComposite(primary, shared...), nil
}

// Shared returns the read-only stores.
func (c *Composite) Shared() []*Store {
	return c.shared
}

func (c *Composite) owner(d manifest.Digest) *Store {
	if c.Store.Contains(d) {
		return c.Store
	}
	for _, s := range c.shared {
		if s.Contains(d) {
			return s
		}
	}
	return nil
}

// Contains reports whether any of the stores holds d.
func (c *Composite) Contains(d manifest.Digest) bool {
	return c.owner(d) != nil
}

// Path returns where d lives, or where it would be published in the
// writable store.
func (c *Composite) Path(d manifest.Digest) string {
	if s := c.owner(d); s != nil {
		return s.Path(d)
	}
	return c.Store.Path(d)
}

// Lookup returns the entry for d from the first store holding it.
func (c *Composite) Lookup(d manifest.Digest) (Entry, error) {
	if s := c.owner(d); s != nil {
		return s.Lookup(d)
	}
	return Entry{}, fmt.Errorf("%s: %w", d, ErrNotFound)
}

// Verify checks the copy of d that lookups would use.
func (c *Composite) Verify(d manifest.Digest) error {
	if s := c.owner(d); s != nil {
		return s.Verify(d)
	}
	return fmt.Errorf("%s: %w", d, ErrNotFound)
}

// List returns the entries of all stores sorted by digest. An entry present
// in several stores is listed once, from the store lookups would use.
func (c *Composite) List() ([]Entry, error) {
	seen := make(map[manifest.Digest]bool)
	var out []Entry
	for _, s := range append([]*Store{c.Store}, c.shared...) {
		entries, err := s.List()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if seen[e.Digest] {
				continue
			}
			seen[e.Digest] = true
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Digest.String() < out[j].Digest.String() })
	return out, nil
}
