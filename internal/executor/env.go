package executor

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/frederic-klein/yarun/internal/feed"
)

// environment is an ordered set of variables.
type environment struct {
	keys   []string
	values map[string]string
}

func newEnvironment(base []string, isolate bool) *environment {
	if base == nil {
		base = os.Environ()
	}
	env := &environment{values: make(map[string]string)}
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		if isolate && !slices.Contains(isolatedEnv, k) {
			continue
		}
		env.set(k, v)
	}
	return env
}

func (env *environment) set(k, v string) {
	if _, ok := env.values[k]; !ok {
		env.keys = append(env.keys, k)
	}
	env.values[k] = v
}

// bind applies bindings for the implementation at dir.
func (env *environment) bind(bindings []feed.Binding, dir string) {
	for _, b := range bindings {
		value := filepath.Join(dir, filepath.FromSlash(b.Insert))
		if b.Value != nil {
			value = *b.Value
		}

		old, ok := env.values[b.Name]
		if !ok {
			old = b.Default
		}
		sep := b.Separator
		if sep == "" {
			sep = string(os.PathListSeparator)
		}

		switch {
		case b.Mode == feed.Replace || old == "":
		case b.Mode == feed.Append:
			value = old + sep + value
		default:
			value = value + sep + old
		}
		env.set(b.Name, value)
	}
}

func (env *environment) list() []string {
	out := make([]string, 0, len(env.keys))
	for _, k := range env.keys {
		out = append(out, k+"="+env.values[k])
	}
	return out
}
