// Package feed holds the in-memory model of published component metadata:
// feeds, their implementations, dependencies, bindings and download
// archives. Values are immutable once parsed and safe for concurrent reads.
package feed

import (
	"github.com/opencontainers/go-digest"

	"github.com/frederic-klein/yarun/internal/manifest"
	"github.com/frederic-klein/yarun/internal/version"
)

// Importance of a dependency.
type Importance string

const (
	Essential   Importance = "essential"
	Recommended Importance = "recommended"
	// Restricts only constrains the version if the interface is selected anyway.
	Restricts Importance = "restricts"
)

// Stability of an implementation as declared by its publisher.
type Stability string

const (
	Stable    Stability = "stable"
	Testing   Stability = "testing"
	Developer Stability = "developer"
	Buggy     Stability = "buggy"
	Insecure  Stability = "insecure"
)

// Selectable reports whether implementations of this stability may be chosen.
func (s Stability) Selectable() bool {
	return s != Buggy && s != Insecure
}

// BindingMode controls how an environment binding combines with an existing value.
type BindingMode string

const (
	Prepend BindingMode = "prepend"
	Append  BindingMode = "append"
	Replace BindingMode = "replace"
)

// DefaultCommand is the command run when a requirement names none.
const DefaultCommand = "run"

// Feed is the set of known implementations of one interface.
type Feed struct {
	URI             string            `yaml:"uri"`
	Name            string            `yaml:"name"`
	Summary         string            `yaml:"summary,omitempty"`
	Implementations []*Implementation `yaml:"implementations"`
}

// Implementation is one concrete version of an interface.
type Implementation struct {
	ID           string          `yaml:"id,omitempty"`
	Version      version.Version `yaml:"version"`
	Arch         Arch            `yaml:"arch,omitempty"`
	Stability    Stability       `yaml:"stability,omitempty"`
	Digest       manifest.Digest `yaml:"digest,omitempty"`
	LocalPath    string          `yaml:"local-path,omitempty"`
	Dependencies []Dependency    `yaml:"dependencies,omitempty"`
	Bindings     []Binding       `yaml:"bindings,omitempty"`
	Commands     []Command       `yaml:"commands,omitempty"`
	Archives     []Archive       `yaml:"archives,omitempty"`
}

// Command returns the named entry point.
func (impl *Implementation) Command(name string) (Command, bool) {
	if name == "" {
		name = DefaultCommand
	}
	for _, c := range impl.Commands {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}

// IsSource reports whether this implementation is source code that needs compiling.
func (impl *Implementation) IsSource() bool {
	return impl.Arch.IsSource()
}

// String identifies the implementation in messages.
func (impl *Implementation) String() string {
	return impl.ID + " (" + impl.Version.String() + ")"
}

// Dependency references another interface.
type Dependency struct {
	Interface  string        `yaml:"interface"`
	Versions   version.Range `yaml:"versions,omitempty"`
	Importance Importance    `yaml:"importance,omitempty"`
	Bindings   []Binding     `yaml:"bindings,omitempty"`
}

// IsEssential reports whether the dependency must be satisfied.
func (d Dependency) IsEssential() bool {
	return d.Importance == "" || d.Importance == Essential
}

// Binding exports an implementation location or a fixed value into the
// environment of the launched program.
type Binding struct {
	Name      string      `yaml:"name"`
	Insert    string      `yaml:"insert,omitempty"`
	Value     *string     `yaml:"value,omitempty"`
	Mode      BindingMode `yaml:"mode,omitempty"`
	Separator string      `yaml:"separator,omitempty"`
	Default   string      `yaml:"default,omitempty"`
}

// Command is an entry point inside an implementation.
type Command struct {
	Name       string   `yaml:"name"`
	Path       string   `yaml:"path,omitempty"`
	Args       []string `yaml:"args,omitempty"`
	WorkingDir string   `yaml:"working-dir,omitempty"`
	Runner     *Runner  `yaml:"runner,omitempty"`
}

// Runner is an interpreter the command is passed to, itself an interface.
type Runner struct {
	Interface string        `yaml:"interface"`
	Versions  version.Range `yaml:"versions,omitempty"`
	Command   string        `yaml:"command,omitempty"`
	Args      []string      `yaml:"args,omitempty"`
}

// Dependency returns the runner as an essential dependency.
func (r Runner) Dependency() Dependency {
	return Dependency{Interface: r.Interface, Versions: r.Versions, Importance: Essential}
}

// Archive is a downloadable artifact that unpacks into the implementation tree.
type Archive struct {
	URL     string        `yaml:"url"`
	Size    int64         `yaml:"size,omitempty"`
	Type    string        `yaml:"type,omitempty"`
	Digest  digest.Digest `yaml:"digest,omitempty"`
	Extract string        `yaml:"extract,omitempty"`
}
