package feed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse reads a YAML feed document, fills in defaults and validates it.
func Parse(r io.Reader) (*Feed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f Feed
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing feed: empty document")
		}
		return nil, fmt.Errorf("parsing feed: %w", err)
	}
	if err := f.normalize(); err != nil {
		return nil, err
	}
	return &f, nil
}

// ParseBytes is Parse over an in-memory document.
func ParseBytes(data []byte) (*Feed, error) {
	return Parse(bytes.NewReader(data))
}

// ParseFile reads a feed document from disk.
func ParseFile(path string) (*Feed, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening feed: %w", err)
	}
	defer file.Close()

	f, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func (f *Feed) normalize() error {
	if strings.TrimSpace(f.URI) == "" {
		return fmt.Errorf("feed has no uri")
	}
	seen := make(map[string]bool)
	for i, impl := range f.Implementations {
		if impl == nil {
			return fmt.Errorf("feed %s: implementation %d is empty", f.URI, i)
		}
		if err := impl.normalize(); err != nil {
			return fmt.Errorf("feed %s: implementation %d: %w", f.URI, i, err)
		}
		if seen[impl.ID] {
			return fmt.Errorf("feed %s: duplicate implementation id %s", f.URI, impl.ID)
		}
		seen[impl.ID] = true
	}
	return nil
}

func (impl *Implementation) normalize() error {
	if impl.Version.IsZero() {
		return fmt.Errorf("missing version")
	}
	if _, err := ParseArch(string(impl.Arch)); err != nil {
		return err
	}
	if impl.Digest.IsZero() && impl.LocalPath == "" {
		return fmt.Errorf("version %s has neither a digest nor a local-path", impl.Version)
	}
	if impl.ID == "" {
		if impl.LocalPath != "" {
			impl.ID = "local:" + impl.LocalPath
		} else {
			impl.ID = impl.Digest.String()
		}
	}
	switch impl.Stability {
	case "":
		impl.Stability = Testing
	case Stable, Testing, Developer, Buggy, Insecure:
	default:
		return fmt.Errorf("%s: unknown stability %q", impl.ID, impl.Stability)
	}

	for i := range impl.Dependencies {
		d := &impl.Dependencies[i]
		if strings.TrimSpace(d.Interface) == "" {
			return fmt.Errorf("%s: dependency %d has no interface", impl.ID, i)
		}
		switch d.Importance {
		case "":
			d.Importance = Essential
		case Essential, Recommended, Restricts:
		default:
			return fmt.Errorf("%s: dependency on %s has unknown importance %q", impl.ID, d.Interface, d.Importance)
		}
		if err := normalizeBindings(d.Bindings); err != nil {
			return fmt.Errorf("%s: dependency on %s: %w", impl.ID, d.Interface, err)
		}
	}
	if err := normalizeBindings(impl.Bindings); err != nil {
		return fmt.Errorf("%s: %w", impl.ID, err)
	}

	names := make(map[string]bool)
	for i := range impl.Commands {
		c := &impl.Commands[i]
		if c.Name == "" {
			c.Name = DefaultCommand
		}
		if names[c.Name] {
			return fmt.Errorf("%s: duplicate command %q", impl.ID, c.Name)
		}
		names[c.Name] = true
		if c.Path == "" && c.Runner == nil {
			return fmt.Errorf("%s: command %q has neither a path nor a runner", impl.ID, c.Name)
		}
		if c.Runner != nil && strings.TrimSpace(c.Runner.Interface) == "" {
			return fmt.Errorf("%s: command %q has a runner without interface", impl.ID, c.Name)
		}
	}

	for i, a := range impl.Archives {
		if a.URL == "" {
			return fmt.Errorf("%s: archive %d has no url", impl.ID, i)
		}
		if a.Digest != "" {
			if err := a.Digest.Validate(); err != nil {
				return fmt.Errorf("%s: archive %s: %w", impl.ID, a.URL, err)
			}
		}
		if a.Size < 0 {
			return fmt.Errorf("%s: archive %s has a negative size", impl.ID, a.URL)
		}
	}
	return nil
}

func normalizeBindings(bindings []Binding) error {
	for i := range bindings {
		b := &bindings[i]
		if strings.TrimSpace(b.Name) == "" {
			return fmt.Errorf("binding %d has no name", i)
		}
		if b.Value != nil && b.Insert != "" {
			return fmt.Errorf("binding %s sets both insert and value", b.Name)
		}
		switch b.Mode {
		case "":
			b.Mode = Prepend
		case Prepend, Append, Replace:
		default:
			return fmt.Errorf("binding %s has unknown mode %q", b.Name, b.Mode)
		}
	}
	return nil
}
