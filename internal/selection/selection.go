// Package selection holds the result of a solve: one implementation per
// required interface, and the diff of that result against the store.
package selection

import (
	"os"

	"github.com/frederic-klein/yarun/internal/feed"
	"github.com/frederic-klein/yarun/internal/manifest"
)

// Selected is the implementation chosen for one interface.
type Selected struct {
	Interface      string               `yaml:"interface"`
	Implementation *feed.Implementation `yaml:"implementation"`
	// Dependencies are the dependencies kept by the solver; recommended
	// dependencies it dropped are not listed.
	Dependencies []feed.Dependency `yaml:"dependencies,omitempty"`
	// Essential is set when the root reaches this interface through
	// essential dependencies only.
	Essential bool `yaml:"essential"`
}

// Dropped records a recommended dependency the solver could not satisfy.
type Dropped struct {
	From      string `yaml:"from"`
	Interface string `yaml:"interface"`
	Reason    string `yaml:"reason"`
}

// Selection is a complete, consistent choice of implementations. The root
// interface comes first, followed by dependencies in discovery order.
type Selection struct {
	Interface string      `yaml:"interface"`
	Command   string      `yaml:"command"`
	Arch      feed.Arch   `yaml:"arch,omitempty"`
	Selected  []*Selected `yaml:"selected"`
	Dropped   []Dropped   `yaml:"dropped,omitempty"`
}

// Root returns the selection for the requested interface.
func (s *Selection) Root() *Selected {
	if len(s.Selected) == 0 {
		return nil
	}
	return s.Selected[0]
}

// Get returns the selection for iface, or nil.
func (s *Selection) Get(iface string) *Selected {
	for _, sel := range s.Selected {
		if sel.Interface == iface {
			return sel
		}
	}
	return nil
}

// Cache is the read side of the store needed to locate implementations.
type Cache interface {
	Contains(d manifest.Digest) bool
	Path(d manifest.Digest) string
}

// Path returns the directory holding the implementation and whether it is present.
func (s *Selected) Path(c Cache) (string, bool) {
	impl := s.Implementation
	if impl.LocalPath != "" {
		info, err := os.Stat(impl.LocalPath)
		return impl.LocalPath, err == nil && info.IsDir()
	}
	return c.Path(impl.Digest), c.Contains(impl.Digest)
}

// GetUncachedImplementations returns the selected implementations that are
// not yet available locally, in selection order. It does no network access.
func GetUncachedImplementations(s *Selection, c Cache) []*Selected {
	var out []*Selected
	for _, sel := range s.Selected {
		if _, ok := sel.Path(c); !ok {
			out = append(out, sel)
		}
	}
	return out
}
