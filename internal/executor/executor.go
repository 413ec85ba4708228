// Package executor builds the process environment for a selection and
// launches its root command.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/frederic-klein/yarun/internal/feed"
	"github.com/frederic-klein/yarun/internal/selection"
)

var (
	ErrEntryPointMissing     = errors.New("entry point missing")
	ErrNotExecutable         = errors.New("entry point not executable")
	ErrImplementationMissing = errors.New("implementation not available")
	ErrStart                 = errors.New("process could not be started")
)

// maxRunnerDepth bounds runner chains such as script -> interpreter -> loader.
const maxRunnerDepth = 8

// isolatedEnv lists the variables kept from the base environment when
// Options.Isolate is set.
var isolatedEnv = []string{"PATH", "HOME", "USER", "LOGNAME", "LANG", "LC_ALL", "TERM", "TMPDIR", "TZ", "SYSTEMROOT"}

// ExecutionError reports why a selection could not be launched.
type ExecutionError struct {
	Interface      string
	Implementation string
	Path           string
	Err            error
}

func (e *ExecutionError) Error() string {
	msg := "executing " + e.Interface
	if e.Implementation != "" {
		msg += " (" + e.Implementation + ")"
	}
	if e.Path != "" {
		msg += ": " + e.Path
	}
	return msg + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Options control how the root command is launched.
type Options struct {
	// Args are appended to the command line declared by the feed.
	Args []string
	// Env is the base environment; nil means the current process environment.
	Env []string
	// Isolate keeps only a small allow-list of the base environment.
	Isolate bool
	// Dir overrides the working directory declared by the command.
	Dir string
	// Detach starts the process in its own process group, not bound to ctx.
	Detach bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Plan is a fully resolved launch: argv, environment and working directory.
type Plan struct {
	Argv []string
	Env  []string
	Dir  string
}

// Getenv returns the value of name in the plan's environment.
func (p *Plan) Getenv(name string) (string, bool) {
	prefix := name + "="
	for _, kv := range p.Env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

// Executor launches selections whose implementations are all available.
type Executor struct {
	cache selection.Cache
	log   zerolog.Logger
}

// New creates an Executor that locates implementations through cache.
func New(cache selection.Cache, log zerolog.Logger) *Executor {
	return &Executor{cache: cache, log: log}
}

// Prepare resolves the launch plan for s without starting anything. Essential
// implementations and the runners of the command must be present; a missing
// optional implementation is left out together with its bindings.
func (e *Executor) Prepare(s *selection.Selection, opts Options) (*Plan, error) {
	root := s.Root()
	if root == nil {
		return nil, &ExecutionError{Interface: s.Interface, Err: ErrImplementationMissing}
	}

	paths := make(map[string]string, len(s.Selected))
	missing := make(map[string]string)
	for _, sel := range s.Selected {
		p, ok := sel.Path(e.cache)
		switch {
		case ok:
			paths[sel.Interface] = p
		case sel.Essential || sel == root:
			return nil, &ExecutionError{Interface: sel.Interface, Implementation: sel.Implementation.ID, Path: p, Err: ErrImplementationMissing}
		default:
			missing[sel.Interface] = p
			e.log.Warn().
				Str("interface", sel.Interface).
				Str("implementation", sel.Implementation.ID).
				Msg("optional implementation not available, skipping")
		}
	}

	env := newEnvironment(opts.Env, opts.Isolate)
	for _, sel := range s.Selected {
		if _, ok := paths[sel.Interface]; !ok {
			continue
		}
		env.bind(sel.Implementation.Bindings, paths[sel.Interface])
		for _, dep := range sel.Dependencies {
			if _, ok := paths[dep.Interface]; !ok {
				continue
			}
			env.bind(dep.Bindings, paths[dep.Interface])
		}
	}

	name := s.Command
	if name == "" {
		name = feed.DefaultCommand
	}
	argv, err := e.commandLine(s, root, name, paths, missing, 0)
	if err != nil {
		return nil, err
	}
	argv = append(argv, opts.Args...)

	dir := opts.Dir
	if dir == "" {
		if cmd, _ := root.Implementation.Command(name); cmd.WorkingDir != "" {
			dir = filepath.Join(paths[root.Interface], filepath.FromSlash(cmd.WorkingDir))
		}
	}
	return &Plan{Argv: argv, Env: env.list(), Dir: dir}, nil
}

// commandLine expands command name of sel, prefixing it with its runner's
// command line if it has one.
func (e *Executor) commandLine(s *selection.Selection, sel *selection.Selected, name string, paths, missing map[string]string, depth int) ([]string, error) {
	fail := func(p string, err error) error {
		return &ExecutionError{Interface: sel.Interface, Implementation: sel.Implementation.ID, Path: p, Err: err}
	}
	if depth > maxRunnerDepth {
		return nil, fail("", fmt.Errorf("runner chain deeper than %d", maxRunnerDepth))
	}
	if _, ok := paths[sel.Interface]; !ok {
		return nil, fail(missing[sel.Interface], ErrImplementationMissing)
	}

	cmd, ok := sel.Implementation.Command(name)
	if !ok {
		return nil, fail("", fmt.Errorf("command %q: %w", name, ErrEntryPointMissing))
	}
	if cmd.Path == "" && cmd.Runner == nil {
		return nil, fail("", fmt.Errorf("command %q has no path: %w", name, ErrEntryPointMissing))
	}

	var argv []string
	if cmd.Path != "" {
		p := filepath.Join(paths[sel.Interface], filepath.FromSlash(cmd.Path))
		info, err := os.Stat(p)
		switch {
		case err != nil:
			return nil, fail(p, ErrEntryPointMissing)
		case !info.Mode().IsRegular():
			return nil, fail(p, ErrNotExecutable)
		case cmd.Runner == nil && !isExecutable(info):
			return nil, fail(p, ErrNotExecutable)
		}
		argv = append(argv, p)
	}
	argv = append(argv, cmd.Args...)

	if r := cmd.Runner; r != nil {
		runner := s.Get(r.Interface)
		if runner == nil {
			return nil, fail("", fmt.Errorf("runner %s: %w", r.Interface, ErrImplementationMissing))
		}
		rname := r.Command
		if rname == "" {
			rname = feed.DefaultCommand
		}
		prefix, err := e.commandLine(s, runner, rname, paths, missing, depth+1)
		if err != nil {
			return nil, err
		}
		prefix = append(prefix, r.Args...)
		argv = append(prefix, argv...)
	}
	return argv, nil
}

// Start launches the root command of s. Unless opts.Detach is set, canceling
// ctx kills the process.
func (e *Executor) Start(ctx context.Context, s *selection.Selection, opts Options) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plan, err := e.Prepare(s, opts)
	if err != nil {
		return nil, err
	}

	var cmd *exec.Cmd
	if opts.Detach {
		cmd = exec.Command(plan.Argv[0], plan.Argv[1:]...)
		detach(cmd)
	} else {
		cmd = exec.CommandContext(ctx, plan.Argv[0], plan.Argv[1:]...)
	}
	cmd.Env = plan.Env
	cmd.Dir = plan.Dir
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	root := s.Root()
	if err := cmd.Start(); err != nil {
		return nil, &ExecutionError{
			Interface:      root.Interface,
			Implementation: root.Implementation.ID,
			Path:           plan.Argv[0],
			Err:            fmt.Errorf("%w: %w", ErrStart, err),
		}
	}
	e.log.Info().
		Str("interface", root.Interface).
		Str("implementation", root.Implementation.ID).
		Int("pid", cmd.Process.Pid).
		Msg("process started")
	return &Process{Plan: *plan, cmd: cmd, ctx: ctx, detached: opts.Detach}, nil
}

// Process is a launched program.
type Process struct {
	Plan
	cmd      *exec.Cmd
	ctx      context.Context
	detached bool
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Wait waits for the process to exit and returns its exit code. A non-zero
// exit is not an error; a process killed because ctx was canceled reports
// ctx.Err().
func (p *Process) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, err
	}
	if !p.detached && p.ctx.Err() != nil {
		return exitErr.ExitCode(), p.ctx.Err()
	}
	return exitErr.ExitCode(), nil
}

// Release detaches from the process; it keeps running.
func (p *Process) Release() error {
	return p.cmd.Process.Release()
}
