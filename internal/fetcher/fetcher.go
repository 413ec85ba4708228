// Package fetcher downloads, verifies and unpacks missing implementations
// and publishes them into the store.
package fetcher

import (
	"context"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/frederic-klein/yarun/internal/archive"
	"github.com/frederic-klein/yarun/internal/feed"
	"github.com/frederic-klein/yarun/internal/manifest"
	"github.com/frederic-klein/yarun/internal/observability"
	"github.com/frederic-klein/yarun/internal/progress"
	"github.com/frederic-klein/yarun/internal/selection"
	"github.com/frederic-klein/yarun/internal/store"
	"github.com/frederic-klein/yarun/internal/transport"
)

var (
	ErrNoArchive    = errors.New("no supported archive")
	ErrLocalMissing = errors.New("local implementation directory missing")
)

// VerificationError reports downloaded bytes that do not match the archive
// size or digest declared in the feed.
type VerificationError struct {
	URL      string
	Expected string
	Actual   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verifying %s: expected %s, got %s", e.URL, e.Expected, e.Actual)
}

// Store is the part of the store the fetcher writes to.
type Store interface {
	Contains(d manifest.Digest) bool
	Lookup(d manifest.Digest) (store.Entry, error)
	StagingDir() (string, error)
	Add(ctx context.Context, expected manifest.Digest, staging string) (store.Entry, error)
}

// Config controls concurrency and retries.
type Config struct {
	Workers     int
	MaxAttempts int
	Backoff     BackoffConfig
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		MaxAttempts: 3,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     10 * time.Second,
			Jitter:       true,
		},
	}
}

// Status of one implementation after Fetch.
type Status string

const (
	StatusFetched  Status = "fetched"
	StatusPresent  Status = "present"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Outcome is the per-implementation result of Fetch.
type Outcome struct {
	Interface      string
	Implementation *feed.Implementation
	Essential      bool
	Status         Status
	Path           string
	Err            error
}

// Result lists one outcome per requested implementation, in request order.
type Result struct {
	Outcomes []Outcome
}

// Failed returns the outcomes that did not succeed.
func (r *Result) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(f *Fetcher) { f.log = log }
}

// WithMetrics records downloads and publishes.
func WithMetrics(m *observability.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithProgress sets the progress handler.
func WithProgress(h progress.Handler) Option {
	return func(f *Fetcher) { f.progress = h }
}

// Fetcher fetches implementations into a store. It is safe for concurrent
// use; concurrent requests for one digest share a single download.
type Fetcher struct {
	store     Store
	transport transport.Transport
	cfg       Config
	log       zerolog.Logger
	metrics   *observability.Metrics
	progress  progress.Handler

	group singleflight.Group
	rngMu sync.Mutex
	rng   *rand.Rand
	sleep func(context.Context, time.Duration) error
}

// New creates a Fetcher.
func New(st Store, t transport.Transport, cfg Config, opts ...Option) *Fetcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	f := &Fetcher{
		store:     st,
		transport: t,
		cfg:       cfg,
		log:       zerolog.Nop(),
		progress:  progress.Nop,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch makes every given implementation available. Independent
// implementations are fetched concurrently. A failure of an essential
// implementation cancels the remaining work and is returned; failures of
// other implementations are only reported in the Result. If ctx is canceled
// Fetch returns ctx.Err() and leaves no partial entries in the store.
func (f *Fetcher) Fetch(ctx context.Context, impls []*selection.Selected) (*Result, error) {
	start := time.Now()
	defer func() { f.metrics.RecordFetch(time.Since(start)) }()

	res := &Result{Outcomes: make([]Outcome, len(impls))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Workers)

	for i, sel := range impls {
		sel := sel
		res.Outcomes[i] = Outcome{
			Interface:      sel.Interface,
			Implementation: sel.Implementation,
			Essential:      sel.Essential,
			Status:         StatusCanceled,
		}
		out := &res.Outcomes[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				out.Err = err
				return nil
			}
			status, path, err := f.fetchOne(gctx, sel)
			switch {
			case err == nil:
				out.Status, out.Path = status, path
				return nil
			case gctx.Err() != nil && errors.Is(err, gctx.Err()):
				out.Err = err
				return nil
			}
			out.Status, out.Err = StatusFailed, err
			f.progress.Handle(progress.Event{
				Kind:           progress.FetchFailed,
				Interface:      sel.Interface,
				Implementation: sel.Implementation.ID,
				Err:            err,
			})
			if sel.Essential {
				return fmt.Errorf("fetching %s (%s): %w", sel.Interface, sel.Implementation, err)
			}
			f.log.Warn().Err(err).Str("interface", sel.Interface).Msg("optional implementation unavailable")
			return nil
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, err
}

func (f *Fetcher) fetchOne(ctx context.Context, sel *selection.Selected) (Status, string, error) {
	impl := sel.Implementation
	if impl.LocalPath != "" {
		if info, err := os.Stat(impl.LocalPath); err == nil && info.IsDir() {
			return StatusPresent, impl.LocalPath, nil
		}
		return "", "", fmt.Errorf("%s: %w", impl.LocalPath, ErrLocalMissing)
	}
	for {
		if f.store.Contains(impl.Digest) {
			e, err := f.store.Lookup(impl.Digest)
			return StatusPresent, e.Path, err
		}

		// The shared download runs under the context of whichever caller
		// started it. If that caller gave up, start over with our own.
		v, err, shared := f.group.Do(impl.Digest.String(), func() (interface{}, error) {
			return f.download(ctx, sel)
		})
		if err != nil {
			if shared && ctx.Err() == nil && isContextError(err) {
				f.log.Debug().Str("interface", sel.Interface).Msg("shared download canceled by another caller, retrying")
				continue
			}
			return "", "", err
		}
		return StatusFetched, v.(store.Entry).Path, nil
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// download fetches one implementation, retrying transient network failures.
func (f *Fetcher) download(ctx context.Context, sel *selection.Selected) (store.Entry, error) {
	impl := sel.Implementation
	a, err := chooseArchive(impl.Archives)
	if err != nil {
		return store.Entry{}, fmt.Errorf("%s: %w", impl, err)
	}

	f.progress.Handle(progress.Event{Kind: progress.FetchStarted, Interface: sel.Interface, Implementation: impl.ID, URL: a.URL, Total: a.Size})

	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			f.metrics.RecordRetry()
			f.progress.Handle(progress.Event{Kind: progress.FetchRetrying, Interface: sel.Interface, Implementation: impl.ID, URL: a.URL, Err: lastErr})
			if err := f.sleep(ctx, f.backoff(attempt-1)); err != nil {
				return store.Entry{}, err
			}
		}

		entry, err := f.attempt(ctx, sel, a)
		if err == nil {
			f.progress.Handle(progress.Event{Kind: progress.FetchFinished, Interface: sel.Interface, Implementation: impl.ID, URL: a.URL})
			return entry, nil
		}
		if ctx.Err() != nil {
			return store.Entry{}, ctx.Err()
		}
		if !transport.IsRetryable(err) {
			return store.Entry{}, err
		}
		f.log.Debug().Err(err).Int("attempt", attempt).Str("url", a.URL).Msg("download failed")
		lastErr = err
	}
	return store.Entry{}, fmt.Errorf("giving up after %d attempts: %w", f.cfg.MaxAttempts, lastErr)
}

func (f *Fetcher) backoff(retry int) time.Duration {
	f.rngMu.Lock()
	defer f.rngMu.Unlock()
	return NextBackoffDelay(f.cfg.Backoff, retry, f.rng)
}

// attempt downloads a into a private directory in the store, checks it,
// unpacks it and publishes the result.
func (f *Fetcher) attempt(ctx context.Context, sel *selection.Selected, a feed.Archive) (store.Entry, error) {
	impl := sel.Implementation
	dlDir, err := f.store.StagingDir()
	if err != nil {
		return store.Entry{}, err
	}
	defer os.RemoveAll(dlDir)

	archivePath := filepath.Join(dlDir, "archive")
	if err := f.downloadTo(ctx, sel, a, archivePath); err != nil {
		return store.Entry{}, err
	}

	staging, err := f.store.StagingDir()
	if err != nil {
		return store.Entry{}, err
	}
	if err := archive.Unpack(ctx, archivePath, a.Type, a.Extract, staging); err != nil {
		os.RemoveAll(staging)
		if ctx.Err() != nil {
			return store.Entry{}, ctx.Err()
		}
		return store.Entry{}, fmt.Errorf("unpacking %s: %w", a.URL, err)
	}

	existing := f.store.Contains(impl.Digest)
	entry, err := f.store.Add(ctx, impl.Digest, staging)
	if err != nil {
		return store.Entry{}, fmt.Errorf("publishing %s: %w", impl, err)
	}
	f.metrics.RecordPublish(existing)
	return entry, nil
}

func (f *Fetcher) downloadTo(ctx context.Context, sel *selection.Selected, a feed.Archive, dest string) error {
	body, _, err := f.transport.Download(ctx, a.URL)
	if err != nil {
		f.metrics.RecordDownload(false, 0)
		return err
	}
	defer body.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating download file: %w", err)
	}
	defer out.Close()

	var digester digest.Digester
	var r io.Reader = &countingReader{
		r: body,
		report: func(n int64) {
			f.progress.Handle(progress.Event{
				Kind:           progress.DownloadProgress,
				Interface:      sel.Interface,
				Implementation: sel.Implementation.ID,
				URL:            a.URL,
				Bytes:          n,
				Total:          a.Size,
			})
		},
	}
	if a.Size > 0 {
		// one extra byte so an oversized body is still detected
		r = io.LimitReader(r, a.Size+1)
	}
	if a.Digest != "" {
		digester = a.Digest.Algorithm().Digester()
		r = io.TeeReader(r, digester.Hash())
	}

	n, err := io.Copy(out, r)
	if err != nil {
		f.metrics.RecordDownload(false, n)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &transport.Error{URL: a.URL, Retryable: true, Err: err}
	}
	f.metrics.RecordDownload(true, n)

	if a.Size > 0 && n != a.Size {
		return &VerificationError{URL: a.URL, Expected: fmt.Sprintf("%d bytes", a.Size), Actual: fmt.Sprintf("%d bytes", n)}
	}
	if digester != nil {
		if got := digester.Digest(); got != a.Digest {
			return &VerificationError{URL: a.URL, Expected: a.Digest.String(), Actual: got.String()}
		}
	}
	return out.Close()
}

// chooseArchive picks the archive to download: supported formats only,
// archives with a declared digest first, then the smallest.
func chooseArchive(archives []feed.Archive) (feed.Archive, error) {
	var usable []feed.Archive
	for _, a := range archives {
		if archive.Supported(a.Type) {
			usable = append(usable, a)
		}
	}
	if len(usable) == 0 {
		return feed.Archive{}, ErrNoArchive
	}
	sort.SliceStable(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		if (a.Digest != "") != (b.Digest != "") {
			return a.Digest != ""
		}
		return sizeKey(a) < sizeKey(b)
	})
	return usable[0], nil
}

// sizeKey sorts archives of unknown size last.
func sizeKey(a feed.Archive) int64 {
	if a.Size <= 0 {
		return 1<<63 - 1
	}
	return a.Size
}

const reportEvery = 256 << 10

type countingReader struct {
	r        io.Reader
	n        int64
	reported int64
	report   func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n-c.reported >= reportEvery || (err == io.EOF && c.n != c.reported) {
		c.reported = c.n
		c.report(c.n)
	}
	return n, err
}
