// Package launcher assembles the pipeline once at process start and runs a
// requirement through it: solve, diff against the store, fetch, execute.
package launcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/frederic-klein/yarun/internal/config"
	"github.com/frederic-klein/yarun/internal/executor"
	"github.com/frederic-klein/yarun/internal/feed"
	"github.com/frederic-klein/yarun/internal/fetcher"
	"github.com/frederic-klein/yarun/internal/observability"
	"github.com/frederic-klein/yarun/internal/progress"
	"github.com/frederic-klein/yarun/internal/selection"
	"github.com/frederic-klein/yarun/internal/solver"
	"github.com/frederic-klein/yarun/internal/store"
	"github.com/frederic-klein/yarun/internal/transport"
)

// Option customizes the assembled pipeline.
type Option func(*options)

type options struct {
	transport transport.Transport
	provider  feed.Provider
	metrics   *observability.Metrics
	progress  progress.Handler
}

// WithTransport replaces the default http/https/file transport.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithProvider consults p before the configured feed directories and remote feeds.
func WithProvider(p feed.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithMetrics records pipeline metrics into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithProgress reports pipeline events to h.
func WithProgress(h progress.Handler) Option {
	return func(o *options) { o.progress = h }
}

// Launcher owns one instance of every pipeline component.
type Launcher struct {
	store    *store.Composite
	solver   *solver.Solver
	fetcher  *fetcher.Fetcher
	executor *executor.Executor
	metrics  *observability.Metrics
	progress progress.Handler
	log      zerolog.Logger
	isolate  bool
}

// New builds the pipeline described by cfg.
func New(cfg config.Config, log zerolog.Logger, opts ...Option) (*Launcher, error) {
	o := options{progress: progress.Nop}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(cfg.StoreDir, cfg.SharedStoreDirs, log)
	if err != nil {
		return nil, err
	}

	t := o.transport
	if t == nil {
		t = transport.NewMux(transport.NewHTTP(cfg.HTTPTimeout))
	}

	providers := feed.ChainProvider{}
	if o.provider != nil {
		providers = append(providers, o.provider)
	}
	providers = append(providers,
		feed.NewDirProvider(log, cfg.FeedDirs...),
		feed.NewRemoteProvider(t, cfg.FeedCacheDir, cfg.FeedTTL, log),
	)

	fcfg := fetcher.Config{
		Workers:     cfg.Workers,
		MaxAttempts: cfg.MaxAttempts,
		Backoff: fetcher.BackoffConfig{
			InitialDelay: cfg.BackoffInitial,
			Multiplier:   cfg.BackoffMultiplier,
			MaxDelay:     cfg.BackoffMax,
			Jitter:       true,
		},
	}

	return &Launcher{
		store:  st,
		solver: solver.New(providers, log),
		fetcher: fetcher.New(st, t, fcfg,
			fetcher.WithLogger(log),
			fetcher.WithMetrics(o.metrics),
			fetcher.WithProgress(o.progress),
		),
		executor: executor.New(st, log),
		metrics:  o.metrics,
		progress: o.progress,
		log:      log,
		isolate:  cfg.IsolateEnv,
	}, nil
}

// Store returns the implementation store together with the shared stores it
// reads from.
func (l *Launcher) Store() *store.Composite {
	return l.store
}

// Select solves req.
func (l *Launcher) Select(ctx context.Context, req feed.Requirement) (*selection.Selection, error) {
	l.progress.Handle(progress.Event{Kind: progress.SolveStarted, Interface: req.Interface})
	start := time.Now()
	sel, err := l.solver.Solve(ctx, req)
	var infeasible *solver.InfeasibleError
	if err == nil || errors.As(err, &infeasible) {
		l.metrics.RecordSolve(time.Since(start), err == nil)
	}
	l.progress.Handle(progress.Event{Kind: progress.SolveFinished, Interface: req.Interface, Err: err})
	if err != nil {
		return nil, err
	}
	for _, d := range sel.Dropped {
		l.log.Warn().Str("interface", d.Interface).Str("from", d.From).Str("reason", d.Reason).Msg("optional dependency dropped")
	}
	return sel, nil
}

// Download fetches the implementations of sel that are not available locally.
// It does no network access when everything is already present.
func (l *Launcher) Download(ctx context.Context, sel *selection.Selection) (*fetcher.Result, error) {
	missing := selection.GetUncachedImplementations(sel, l.store)
	if len(missing) == 0 {
		l.log.Debug().Str("interface", sel.Interface).Msg("all implementations present")
		return &fetcher.Result{}, nil
	}
	l.log.Info().Str("interface", sel.Interface).Int("missing", len(missing)).Msg("fetching implementations")
	return l.fetcher.Fetch(ctx, missing)
}

// Start downloads whatever sel still lacks and launches its root command.
// Optional implementations that could not be fetched are left out of the
// launch.
func (l *Launcher) Start(ctx context.Context, sel *selection.Selection, opts executor.Options) (*executor.Process, error) {
	res, err := l.Download(ctx, sel)
	if err != nil {
		return nil, err
	}
	for _, o := range res.Failed() {
		l.log.Warn().Err(o.Err).Str("interface", o.Interface).Msg("launching without optional implementation")
	}
	if l.isolate {
		opts.Isolate = true
	}
	p, err := l.executor.Start(ctx, sel, opts)
	if err != nil {
		return nil, err
	}
	root := sel.Root()
	l.progress.Handle(progress.Event{Kind: progress.ExecStarted, Interface: root.Interface, Implementation: root.Implementation.ID})
	return p, nil
}

// Run solves req, fetches what is missing and launches the program.
func (l *Launcher) Run(ctx context.Context, req feed.Requirement, opts executor.Options) (*executor.Process, error) {
	sel, err := l.Select(ctx, req)
	if err != nil {
		return nil, err
	}
	return l.Start(ctx, sel, opts)
}

// Plan resolves the launch of sel without starting it. All implementations
// must already be present.
func (l *Launcher) Plan(sel *selection.Selection, opts executor.Options) (*executor.Plan, error) {
	if l.isolate {
		opts.Isolate = true
	}
	return l.executor.Prepare(sel, opts)
}
