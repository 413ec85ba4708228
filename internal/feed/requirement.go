package feed

import (
	"fmt"
	"strings"

	"github.com/frederic-klein/yarun/internal/version"
)

// Requirement is the root request of a resolution. It is never mutated by
// the solver; dependencies produce their own derived constraints.
type Requirement struct {
	Interface string
	Command   string
	Arch      Arch
	NotBefore version.Version
	Before    version.Version
	Versions  version.Range
	Source    bool
}

// Validate checks that the requirement names an interface and has consistent bounds.
func (r Requirement) Validate() error {
	if strings.TrimSpace(r.Interface) == "" {
		return fmt.Errorf("requirement has no interface")
	}
	if !r.NotBefore.IsZero() && !r.Before.IsZero() && !r.NotBefore.Less(r.Before) {
		return fmt.Errorf("requirement for %s: not-before %s is not below before %s", r.Interface, r.NotBefore, r.Before)
	}
	return nil
}

// CommandName returns the command to run, defaulting to "run".
func (r Requirement) CommandName() string {
	if r.Command == "" {
		return DefaultCommand
	}
	return r.Command
}

// TargetArch returns the architecture to select for, defaulting to the host.
func (r Requirement) TargetArch() Arch {
	if r.Arch == "" {
		return HostArch()
	}
	return r.Arch
}

// Ranges returns every version constraint the requirement imposes on the root interface.
func (r Requirement) Ranges() []version.Range {
	var out []version.Range
	if b := version.Between(r.NotBefore, r.Before); !b.IsAny() {
		out = append(out, b)
	}
	if !r.Versions.IsAny() {
		out = append(out, r.Versions)
	}
	return out
}

func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Interface)
	for _, rng := range r.Ranges() {
		b.WriteString(" [" + rng.String() + "]")
	}
	if r.Source {
		b.WriteString(" (source)")
	}
	return b.String()
}
