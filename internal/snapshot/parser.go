package snapshot

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/frederic-klein/yarun/internal/selection"
)

// Parser reads selection documents.
type Parser struct {
	r io.Reader
}

// NewParser creates a new snapshot parser.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: r}
}

// Parse reads and validates one selection document.
func (p *Parser) Parse() (*selection.Selection, error) {
	dec := yaml.NewDecoder(p.r)
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing selections: empty document")
		}
		return nil, fmt.Errorf("parsing selections: %w", err)
	}
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported selections version %d", doc.Version)
	}
	s := doc.Selection
	if err := validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func validate(s *selection.Selection) error {
	if s.Interface == "" {
		return fmt.Errorf("selections have no interface")
	}
	if len(s.Selected) == 0 {
		return fmt.Errorf("selections for %s are empty", s.Interface)
	}
	if root := s.Root(); root.Interface != s.Interface {
		return fmt.Errorf("first selection is %s, expected %s", root.Interface, s.Interface)
	}

	seen := make(map[string]bool, len(s.Selected))
	for i, sel := range s.Selected {
		if sel == nil || sel.Interface == "" {
			return fmt.Errorf("selection %d has no interface", i)
		}
		if seen[sel.Interface] {
			return fmt.Errorf("%s is selected twice", sel.Interface)
		}
		seen[sel.Interface] = true

		impl := sel.Implementation
		if impl == nil {
			return fmt.Errorf("%s has no implementation", sel.Interface)
		}
		if impl.Digest.IsZero() && impl.LocalPath == "" {
			return fmt.Errorf("%s: implementation %s has neither digest nor local-path", sel.Interface, impl.ID)
		}
	}
	return nil
}

// LoadFile reads a selection document from disk.
func LoadFile(path string) (*selection.Selection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening selections: %w", err)
	}
	defer f.Close()

	s, err := NewParser(f).Parse()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
