// Package solver chooses one implementation per required interface so that
// every essential dependency of every chosen implementation is satisfied.
//
// The search is a depth-first backtracking search over an explicit decision
// stack. Pending dependencies are processed breadth-first; each interface
// that has to be chosen opens a decision point whose candidates are tried in
// preference order. Undoing a decision restores the state recorded when it
// was opened, so no recursion is involved.
package solver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/frederic-klein/yarun/internal/feed"
	"github.com/frederic-klein/yarun/internal/selection"
	"github.com/frederic-klein/yarun/internal/version"
)

// InfeasibleError is returned when no consistent selection exists.
type InfeasibleError struct {
	// Interface could not be satisfied.
	Interface string
	// Chain lists the interfaces that led to it, root first.
	Chain []string
	// Constraints collected for Interface at the time of the conflict.
	Constraints []string
	Reason      string
}

func (e *InfeasibleError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cannot select %s", e.Interface)
	if len(e.Chain) > 1 {
		fmt.Fprintf(&b, " (required by %s)", strings.Join(e.Chain[:len(e.Chain)-1], " -> "))
	}
	b.WriteString(": " + e.Reason)
	if len(e.Constraints) > 0 {
		b.WriteString("; constraints: " + strings.Join(e.Constraints, ", "))
	}
	return b.String()
}

// Solver resolves requirements against the feeds of a Provider. A Solver
// holds no per-request state and may be used concurrently.
type Solver struct {
	provider feed.Provider
	log      zerolog.Logger
}

// New creates a solver.
func New(provider feed.Provider, log zerolog.Logger) *Solver {
	return &Solver{provider: provider, log: log}
}

// Solve computes a selection for req. It returns an *InfeasibleError when the
// requirement cannot be met and ctx.Err() when canceled.
func (s *Solver) Solve(ctx context.Context, req feed.Requirement) (*selection.Selection, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	srch := newSearch(s, req)
	sel, err := srch.run(ctx)
	if err != nil {
		return nil, err
	}
	s.log.Debug().
		Str("interface", req.Interface).
		Int("selected", len(sel.Selected)).
		Int("dropped", len(sel.Dropped)).
		Int("backtracks", srch.backtracks).
		Msg("solved")
	return sel, nil
}

// Solve is a convenience wrapper around New(p, zerolog.Nop()).Solve.
func Solve(ctx context.Context, req feed.Requirement, p feed.Provider) (*selection.Selection, error) {
	return New(p, zerolog.Nop()).Solve(ctx, req)
}

type pending struct {
	from    string // requesting interface, "" for the root requirement
	dep     feed.Dependency
	command string // command the chosen implementation must provide
}

type constraint struct {
	iface    string
	from     string
	versions version.Range
}

type commandReq struct {
	iface   string
	command string
}

type choice struct {
	impl *feed.Implementation
	from string
}

type snapshot struct {
	order    int
	trail    int
	commands int
	dropped  int
	queue    []pending
}

type frame struct {
	p          pending
	candidates []*feed.Implementation
	next       int
	snap       snapshot
}

type feedResult struct {
	feed *feed.Feed
	err  error
}

type search struct {
	s      *Solver
	req    feed.Requirement
	target feed.Arch

	feeds map[string]feedResult

	selected map[string]*choice
	order    []string
	trail    []constraint
	commands []commandReq
	dropped  []selection.Dropped
	queue    []pending
	stack    []*frame

	conflict   *InfeasibleError
	backtracks int
}

func newSearch(s *Solver, req feed.Requirement) *search {
	return &search{
		s:        s,
		req:      req,
		target:   req.TargetArch(),
		feeds:    make(map[string]feedResult),
		selected: make(map[string]*choice),
	}
}

func (s *search) run(ctx context.Context) (*selection.Selection, error) {
	for _, r := range s.req.Ranges() {
		s.trail = append(s.trail, constraint{iface: s.req.Interface, versions: r})
	}
	s.queue = append(s.queue, pending{
		dep:     feed.Dependency{Interface: s.req.Interface, Importance: feed.Essential},
		command: s.req.CommandName(),
	})

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(s.queue) == 0 {
			return s.result(), nil
		}
		p := s.queue[0]
		s.queue = s.queue[1:]

		ok, err := s.process(ctx, p)
		if err != nil {
			return nil, err
		}
		if !ok && !s.backtrack() {
			return nil, s.conflict
		}
	}
}

// process handles one pending dependency. It returns false on a conflict
// that requires backtracking.
func (s *search) process(ctx context.Context, p pending) (bool, error) {
	iface := p.dep.Interface

	if p.dep.Importance == feed.Restricts {
		if c, ok := s.selected[iface]; ok && !p.dep.Versions.Contains(c.impl.Version) {
			s.fail(p, fmt.Sprintf("%s restricts it to %s but %s is selected", s.requester(p), p.dep.Versions, c.impl.Version))
			return false, nil
		}
		s.addConstraint(p)
		return true, nil
	}

	if c, ok := s.selected[iface]; ok {
		if !p.dep.Versions.Contains(c.impl.Version) {
			return s.unsatisfied(p, fmt.Sprintf("%s requires %s but %s is selected", s.requester(p), p.dep.Versions, c.impl.Version)), nil
		}
		if p.command != "" {
			if _, ok := c.impl.Command(p.command); !ok {
				return s.unsatisfied(p, fmt.Sprintf("selected %s has no command %q", c.impl, p.command)), nil
			}
		}
		s.addConstraint(p)
		s.requireCommand(iface, c.impl, p.command)
		return true, nil
	}

	candidates, reason, err := s.candidates(ctx, p)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		return s.unsatisfied(p, reason), nil
	}

	s.addConstraint(p)
	f := &frame{p: p, candidates: candidates, snap: s.snapshot()}
	s.stack = append(s.stack, f)
	s.apply(f)
	return true, nil
}

// unsatisfied records a dependency that cannot be met. Recommended
// dependencies are dropped; anything else is a conflict.
func (s *search) unsatisfied(p pending, reason string) bool {
	if p.dep.IsEssential() {
		s.fail(p, reason)
		return false
	}
	s.s.log.Debug().Str("from", p.from).Str("interface", p.dep.Interface).Str("reason", reason).Msg("dropping recommended dependency")
	s.dropped = append(s.dropped, selection.Dropped{From: p.from, Interface: p.dep.Interface, Reason: reason})
	return true
}

func (s *search) apply(f *frame) {
	impl := f.candidates[f.next]
	iface := f.p.dep.Interface
	s.s.log.Debug().Str("interface", iface).Stringer("version", impl.Version).Msg("trying")

	s.selected[iface] = &choice{impl: impl, from: f.p.from}
	s.order = append(s.order, iface)
	for _, d := range impl.Dependencies {
		s.queue = append(s.queue, pending{from: iface, dep: d})
	}
	s.requireCommand(iface, impl, f.p.command)
}

// requireCommand notes that impl must provide command and queues the
// command's runner as an essential dependency.
func (s *search) requireCommand(iface string, impl *feed.Implementation, command string) {
	if command == "" {
		return
	}
	for _, c := range s.commands {
		if c.iface == iface && c.command == command {
			return
		}
	}
	s.commands = append(s.commands, commandReq{iface: iface, command: command})

	cmd, ok := impl.Command(command)
	if !ok || cmd.Runner == nil {
		return
	}
	runnerCommand := cmd.Runner.Command
	if runnerCommand == "" {
		runnerCommand = feed.DefaultCommand
	}
	s.queue = append(s.queue, pending{from: iface, dep: cmd.Runner.Dependency(), command: runnerCommand})
}

func (s *search) backtrack() bool {
	for len(s.stack) > 0 {
		top := s.stack[len(s.stack)-1]
		top.next++
		if top.next < len(top.candidates) {
			s.backtracks++
			s.restore(top.snap)
			s.apply(top)
			return true
		}
		s.stack = s.stack[:len(s.stack)-1]
	}
	return false
}

func (s *search) snapshot() snapshot {
	return snapshot{
		order:    len(s.order),
		trail:    len(s.trail),
		commands: len(s.commands),
		dropped:  len(s.dropped),
		queue:    append([]pending(nil), s.queue...),
	}
}

func (s *search) restore(snap snapshot) {
	for _, iface := range s.order[snap.order:] {
		delete(s.selected, iface)
	}
	s.order = s.order[:snap.order]
	s.trail = s.trail[:snap.trail]
	s.commands = s.commands[:snap.commands]
	s.dropped = s.dropped[:snap.dropped]
	s.queue = append([]pending(nil), snap.queue...)
}

func (s *search) addConstraint(p pending) {
	if p.dep.Versions.IsAny() {
		return
	}
	s.trail = append(s.trail, constraint{iface: p.dep.Interface, from: p.from, versions: p.dep.Versions})
}

func (s *search) ranges(iface string) []version.Range {
	var out []version.Range
	for _, c := range s.trail {
		if c.iface == iface {
			out = append(out, c.versions)
		}
	}
	return out
}

// fail records the first conflict of the search for reporting.
func (s *search) fail(p pending, reason string) {
	if s.conflict != nil {
		return
	}
	iface := p.dep.Interface
	var constraints []string
	for _, c := range s.trail {
		if c.iface != iface {
			continue
		}
		constraints = append(constraints, fmt.Sprintf("%s requires %s", s.requester(pending{from: c.from}), c.versions))
	}
	if !p.dep.Versions.IsAny() {
		constraints = append(constraints, fmt.Sprintf("%s requires %s", s.requester(p), p.dep.Versions))
	}
	s.conflict = &InfeasibleError{
		Interface:   iface,
		Chain:       s.chain(p.from, iface),
		Constraints: constraints,
		Reason:      reason,
	}
}

func (s *search) requester(p pending) string {
	if p.from == "" {
		return "requirement"
	}
	return p.from
}

// chain walks the parents of from back to the root.
func (s *search) chain(from, iface string) []string {
	out := []string{iface}
	for cur := from; cur != "" && len(out) <= len(s.order)+1; {
		out = append(out, cur)
		c, ok := s.selected[cur]
		if !ok {
			break
		}
		cur = c.from
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (s *search) getFeed(ctx context.Context, iface string) (*feed.Feed, error) {
	if r, ok := s.feeds[iface]; ok {
		return r.feed, r.err
	}
	f, err := s.s.provider.GetFeed(ctx, iface)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.feeds[iface] = feedResult{feed: f, err: err}
	return f, err
}

// candidates returns the usable implementations for p in preference order,
// or a reason why there are none.
func (s *search) candidates(ctx context.Context, p pending) ([]*feed.Implementation, string, error) {
	iface := p.dep.Interface
	f, err := s.getFeed(ctx, iface)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, "", ctx.Err()
	case errors.Is(err, feed.ErrNotFound):
		return nil, "no feed available", nil
	case p.dep.IsEssential():
		return nil, "", fmt.Errorf("getting feed for %s: %w", iface, err)
	default:
		return nil, err.Error(), nil
	}
	if len(f.Implementations) == 0 {
		return nil, "feed has no implementations", nil
	}

	ranges := append(s.ranges(iface), p.dep.Versions)
	isRoot := iface == s.req.Interface
	var rejected rejections
	var out []*feed.Implementation
	for _, impl := range f.Implementations {
		switch {
		case !impl.Stability.Selectable():
			rejected.add("stability " + string(impl.Stability))
		case !impl.Arch.RunsOn(s.target):
			rejected.add("architecture")
		case isRoot && s.req.Source && !impl.IsSource():
			rejected.add("not source")
		case !containedInAll(ranges, impl.Version):
			rejected.add("version constraints")
		case p.command != "" && !hasCommand(impl, p.command):
			rejected.add("no command " + p.command)
		case s.conflictsWithSelection(impl):
			rejected.add("conflicts with current selection")
		default:
			out = append(out, impl)
		}
	}

	target := s.target
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if na, nb := a.Arch.IsNative(target), b.Arch.IsNative(target); na != nb {
			return na
		}
		if c := a.Version.Compare(b.Version); c != 0 {
			return c > 0
		}
		return !a.IsSource() && b.IsSource()
	})
	return out, rejected.String(), nil
}

// conflictsWithSelection reports whether impl has an essential or
// restricting dependency that excludes an already selected implementation.
func (s *search) conflictsWithSelection(impl *feed.Implementation) bool {
	for _, d := range impl.Dependencies {
		if d.Importance == feed.Recommended {
			continue
		}
		if c, ok := s.selected[d.Interface]; ok && !d.Versions.Contains(c.impl.Version) {
			return true
		}
	}
	return false
}

func containedInAll(ranges []version.Range, v version.Version) bool {
	for _, r := range ranges {
		if !r.Contains(v) {
			return false
		}
	}
	return true
}

func hasCommand(impl *feed.Implementation, name string) bool {
	_, ok := impl.Command(name)
	return ok
}

// rejections counts why implementations were filtered out, in first-seen order.
type rejections struct {
	reasons []string
	counts  map[string]int
}

func (r *rejections) add(reason string) {
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	if r.counts[reason] == 0 {
		r.reasons = append(r.reasons, reason)
	}
	r.counts[reason]++
}

func (r rejections) String() string {
	parts := make([]string, len(r.reasons))
	for i, reason := range r.reasons {
		parts[i] = fmt.Sprintf("%s (%d)", reason, r.counts[reason])
	}
	return "no usable implementation, rejected by " + strings.Join(parts, ", ")
}

// result builds the selection from the current state.
func (s *search) result() *selection.Selection {
	sel := &selection.Selection{
		Interface: s.req.Interface,
		Command:   s.req.CommandName(),
		Arch:      s.target,
	}

	kept := make(map[[2]string]bool)
	byIface := make(map[string]*selection.Selected, len(s.order))
	for _, iface := range s.order {
		c := s.selected[iface]
		out := &selection.Selected{Interface: iface, Implementation: c.impl}
		for _, d := range s.dependenciesOf(iface, c.impl) {
			target, ok := s.selected[d.Interface]
			if !ok || !d.Versions.Contains(target.impl.Version) {
				continue
			}
			out.Dependencies = append(out.Dependencies, d)
			kept[[2]string{iface, d.Interface}] = true
		}
		sel.Selected = append(sel.Selected, out)
		byIface[iface] = out
	}

	// Essential: reachable from the root over essential edges.
	queue := []string{s.req.Interface}
	byIface[s.req.Interface].Essential = true
	for len(queue) > 0 {
		cur := byIface[queue[0]]
		queue = queue[1:]
		for _, d := range cur.Dependencies {
			next := byIface[d.Interface]
			if d.IsEssential() && !next.Essential {
				next.Essential = true
				queue = append(queue, d.Interface)
			}
		}
	}

	seen := make(map[[2]string]bool)
	for _, d := range s.dropped {
		key := [2]string{d.From, d.Interface}
		if kept[key] || seen[key] {
			continue
		}
		seen[key] = true
		sel.Dropped = append(sel.Dropped, d)
	}
	return sel
}

// dependenciesOf returns impl's declared dependencies followed by the
// runners of the commands required from it.
func (s *search) dependenciesOf(iface string, impl *feed.Implementation) []feed.Dependency {
	deps := append([]feed.Dependency(nil), impl.Dependencies...)
	for _, c := range s.commands {
		if c.iface != iface {
			continue
		}
		if cmd, ok := impl.Command(c.command); ok && cmd.Runner != nil {
			deps = append(deps, cmd.Runner.Dependency())
		}
	}
	return deps
}
