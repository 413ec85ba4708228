// Package snapshot saves a Selection to a YAML document and loads it back,
// so a previously solved selection can be run again without solving.
package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/frederic-klein/yarun/internal/selection"
)

// FormatVersion is the document version written by Emitter.
const FormatVersion = 1

const header = "# yarun selections\n"

type document struct {
	Version             int `yaml:"version"`
	selection.Selection `yaml:",inline"`
}

// Emitter writes selection documents.
type Emitter struct {
	w io.Writer
}

// NewEmitter creates a new snapshot emitter.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Emit writes s. The output is deterministic for a given selection.
func (e *Emitter) Emit(s *selection.Selection) error {
	if _, err := fmt.Fprint(e.w, header); err != nil {
		return err
	}
	enc := yaml.NewEncoder(e.w)
	enc.SetIndent(2)
	if err := enc.Encode(document{Version: FormatVersion, Selection: *s}); err != nil {
		return fmt.Errorf("encoding selection: %w", err)
	}
	return enc.Close()
}

// SaveFile writes s to path, replacing any existing file atomically.
func SaveFile(path string, s *selection.Selection) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := NewEmitter(tmp).Emit(s); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
