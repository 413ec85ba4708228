package fetcher

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frederic-klein/yarun/internal/archive"
	"github.com/frederic-klein/yarun/internal/feed"
	"github.com/frederic-klein/yarun/internal/manifest"
	"github.com/frederic-klein/yarun/internal/observability"
	"github.com/frederic-klein/yarun/internal/selection"
	"github.com/frederic-klein/yarun/internal/store"
	"github.com/frederic-klein/yarun/internal/transport"
)

var mtime = time.Date(2024, 1, 2, 3, 4, 6, 0, time.UTC)

// buildTarGz returns a gzipped tarball holding a tiny program and the
// manifest digest of its unpacked tree.
func buildTarGz(t *testing.T, body string) ([]byte, manifest.Digest) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	files := []struct {
		name string
		mode int64
		data string
	}{
		{"pkg/README", 0o644, "readme\n"},
		{"pkg/bin/tool", 0o755, body},
	}
	for _, f := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     f.name,
			Mode:     f.mode,
			Size:     int64(len(f.data)),
			ModTime:  mtime,
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(f.data))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	src := filepath.Join(t.TempDir(), "a.tgz")
	require.NoError(t, os.WriteFile(src, buf.Bytes(), 0o644))
	dest := t.TempDir()
	require.NoError(t, archive.Unpack(context.Background(), src, archive.TarGzip, "pkg", dest))
	m, err := manifest.Generate(dest, manifest.DefaultAlgorithm)
	require.NoError(t, err)
	return buf.Bytes(), m.Digest()
}

type server struct {
	*httptest.Server
	hits atomic.Int32
}

// serve answers every request with data, after failing the first `failures`
// requests with a 503.
func serve(t *testing.T, data []byte, failures int32) *server {
	t.Helper()
	s := &server{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.hits.Add(1)
		if n <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(s.Close)
	return s
}

func selected(iface, url string, d manifest.Digest, data []byte, essential bool) *selection.Selected {
	return &selection.Selected{
		Interface: iface,
		Essential: essential,
		Implementation: &feed.Implementation{
			ID:     d.String(),
			Digest: d,
			Archives: []feed.Archive{{
				URL:     url,
				Size:    int64(len(data)),
				Type:    archive.TarGzip,
				Digest:  digest.FromBytes(data),
				Extract: "pkg",
			}},
		},
	}
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "store"), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func fastConfig() Config {
	return Config{Workers: 4, MaxAttempts: 3}
}

func assertNoStaging(t *testing.T, s *store.Store) {
	t.Helper()
	staging, err := s.ListStaging()
	require.NoError(t, err)
	assert.Empty(t, staging)
}

func TestFetch(t *testing.T) {
	// Arrange
	data, d := buildTarGz(t, "#!/bin/sh\necho tool\n")
	srv := serve(t, data, 0)
	st := newStore(t)
	m := observability.NewMetrics()
	f := New(st, transport.NewHTTP(5*time.Second), fastConfig(), WithMetrics(m))
	sel := selected("https://example.com/tool", srv.URL+"/tool.tgz", d, data, true)

	// Act
	res, err := f.Fetch(context.Background(), []*selection.Selected{sel})

	// Assert
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, StatusFetched, res.Outcomes[0].Status)
	assert.Equal(t, st.Path(d), res.Outcomes[0].Path)
	assert.True(t, st.Contains(d))
	assert.NoError(t, st.Verify(d))
	assert.FileExists(t, filepath.Join(st.Path(d), "bin", "tool"))
	assertNoStaging(t, st)

	// A second fetch finds everything in the store and stays offline.
	res, err = f.Fetch(context.Background(), []*selection.Selected{sel})
	require.NoError(t, err)
	assert.Equal(t, StatusPresent, res.Outcomes[0].Status)
	assert.Equal(t, int32(1), srv.hits.Load())
}

func offline(t *testing.T) transport.Transport {
	return transport.Func(func(ctx context.Context, url string) (io.ReadCloser, int64, error) {
		t.Errorf("unexpected download of %s", url)
		return nil, 0, errors.New("offline")
	})
}

func TestFetch_LocalImplementation(t *testing.T) {
	st := newStore(t)
	dir := t.TempDir()
	f := New(st, offline(t), fastConfig())
	sels := []*selection.Selected{
		{Interface: "a", Essential: true, Implementation: &feed.Implementation{ID: "local", LocalPath: dir}},
		{Interface: "b", Implementation: &feed.Implementation{ID: "gone", LocalPath: filepath.Join(dir, "missing")}},
	}

	res, err := f.Fetch(context.Background(), sels)

	require.NoError(t, err, "the missing implementation is optional")
	assert.Equal(t, StatusPresent, res.Outcomes[0].Status)
	assert.Equal(t, dir, res.Outcomes[0].Path)
	assert.Equal(t, StatusFailed, res.Outcomes[1].Status)
	assert.ErrorIs(t, res.Outcomes[1].Err, ErrLocalMissing)
	assert.Len(t, res.Failed(), 1)
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	data, d := buildTarGz(t, "retry\n")
	srv := serve(t, data, 2)
	st := newStore(t)
	f := New(st, transport.NewHTTP(5*time.Second), fastConfig())

	res, err := f.Fetch(context.Background(), []*selection.Selected{
		selected("tool", srv.URL, d, data, true),
	})

	require.NoError(t, err)
	assert.Equal(t, StatusFetched, res.Outcomes[0].Status)
	assert.Equal(t, int32(3), srv.hits.Load())
	assertNoStaging(t, st)
}

func TestFetch_GivesUp(t *testing.T) {
	data, d := buildTarGz(t, "down\n")
	srv := serve(t, data, 100)
	st := newStore(t)
	f := New(st, transport.NewHTTP(5*time.Second), fastConfig())

	res, err := f.Fetch(context.Background(), []*selection.Selected{
		selected("tool", srv.URL, d, data, true),
	})

	require.Error(t, err)
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusServiceUnavailable, terr.StatusCode)
	assert.Equal(t, int32(3), srv.hits.Load())
	assert.Equal(t, StatusFailed, res.Outcomes[0].Status)
	assert.False(t, st.Contains(d))
	assertNoStaging(t, st)
}

func TestFetch_VerificationFailures(t *testing.T) {
	data, d := buildTarGz(t, "verify\n")
	other, wrongTree := buildTarGz(t, "other\n")

	tests := []struct {
		name  string
		edit  func(sel *selection.Selected)
		check func(t *testing.T, err error)
	}{
		{
			name: "archive digest",
			edit: func(sel *selection.Selected) { sel.Implementation.Archives[0].Digest = digest.FromBytes(other) },
			check: func(t *testing.T, err error) {
				var verr *VerificationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, digest.FromBytes(data).String(), verr.Actual)
			},
		},
		{
			name: "archive size",
			edit: func(sel *selection.Selected) { sel.Implementation.Archives[0].Size++ },
			check: func(t *testing.T, err error) {
				var verr *VerificationError
				require.ErrorAs(t, err, &verr)
			},
		},
		{
			name: "tree digest",
			edit: func(sel *selection.Selected) {
				sel.Implementation.Digest = wrongTree
			},
			check: func(t *testing.T, err error) {
				var verr *store.VerificationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, d, verr.Actual)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, data, 0)
			st := newStore(t)
			f := New(st, transport.NewHTTP(5*time.Second), fastConfig())
			sel := selected("tool", srv.URL, d, data, true)
			tt.edit(sel)

			_, err := f.Fetch(context.Background(), []*selection.Selected{sel})

			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, int32(1), srv.hits.Load(), "verification failures are not retried")
			entries, lerr := st.List()
			require.NoError(t, lerr)
			assert.Empty(t, entries)
			assertNoStaging(t, st)
		})
	}
}

func TestFetch_OptionalFailureIsReported(t *testing.T) {
	data, d := buildTarGz(t, "main\n")
	srv := serve(t, data, 0)
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	_, d2 := buildTarGz(t, "plugin\n")

	st := newStore(t)
	f := New(st, transport.NewHTTP(5*time.Second), fastConfig())

	res, err := f.Fetch(context.Background(), []*selection.Selected{
		selected("main", srv.URL, d, data, true),
		selected("plugin", missing.URL, d2, data, false),
	})

	require.NoError(t, err)
	assert.Equal(t, StatusFetched, res.Outcomes[0].Status)
	failed := res.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "plugin", failed[0].Interface)
	assert.False(t, transport.IsRetryable(failed[0].Err))
}

func TestFetch_EssentialFailureCancelsOthers(t *testing.T) {
	data, d := buildTarGz(t, "slow\n")
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()
	broken := httptest.NewServer(http.NotFoundHandler())
	defer broken.Close()
	_, d2 := buildTarGz(t, "broken\n")

	st := newStore(t)
	f := New(st, transport.NewHTTP(30*time.Second), fastConfig())

	done := make(chan struct{})
	var res *Result
	var err error
	go func() {
		defer close(done)
		res, err = f.Fetch(context.Background(), []*selection.Selected{
			selected("slow", slow.URL, d, data, true),
			selected("broken", broken.URL, d2, data, true),
		})
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("fetch did not stop after an essential failure")
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, StatusCanceled, res.Outcomes[0].Status)
	assert.Equal(t, StatusFailed, res.Outcomes[1].Status)
	assertNoStaging(t, st)
}

func TestFetch_Canceled(t *testing.T) {
	data, d := buildTarGz(t, "cancel\n")
	started := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data[:10])
		w.(http.Flusher).Flush()
		once.Do(func() { close(started) })
		<-r.Context().Done()
	}))
	defer srv.Close()

	st := newStore(t)
	f := New(st, transport.NewHTTP(30*time.Second), fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := f.Fetch(ctx, []*selection.Selected{selected("tool", srv.URL, d, data, true)})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCanceled, res.Outcomes[0].Status)
	assert.False(t, st.Contains(d))
	assertNoStaging(t, st)
}

func TestFetch_ConcurrentFetchersShareStore(t *testing.T) {
	data, d := buildTarGz(t, "shared\n")
	srv := serve(t, data, 0)
	st := newStore(t)

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := New(st, transport.NewHTTP(5*time.Second), fastConfig())
			_, errs[i] = f.Fetch(context.Background(), []*selection.Selected{selected("tool", srv.URL, d, data, true)})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	entries, err := st.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.NoError(t, st.Verify(d))
	assertNoStaging(t, st)
}

func TestFetch_SharedDownloadWithinFetcher(t *testing.T) {
	data, d := buildTarGz(t, "dup\n")
	var hits atomic.Int32
	release := make(chan struct{})
	tr := transport.Func(func(ctx context.Context, url string) (io.ReadCloser, int64, error) {
		hits.Add(1)
		<-release
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
	})
	st := newStore(t)
	f := New(st, tr, fastConfig())

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	res, err := f.Fetch(context.Background(), []*selection.Selected{
		selected("a", "mem://a", d, data, true),
		selected("b", "mem://b", d, data, true),
	})

	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, res.Outcomes[0].Path, res.Outcomes[1].Path)
}

func TestFetch_CancelAffectsOnlyItsCaller(t *testing.T) {
	// Arrange
	data, d := buildTarGz(t, "two callers\n")
	var hits atomic.Int32
	started := make(chan struct{})
	tr := transport.Func(func(ctx context.Context, url string) (io.ReadCloser, int64, error) {
		if hits.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, 0, ctx.Err()
		}
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
	})
	st := newStore(t)
	f := New(st, tr, fastConfig())
	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	// Act
	var errA, errB error
	var resB *Result
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errA = f.Fetch(ctxA, []*selection.Selected{selected("tool", "mem://tool", d, data, true)})
	}()
	<-started
	go func() {
		defer wg.Done()
		resB, errB = f.Fetch(context.Background(), []*selection.Selected{selected("tool", "mem://tool", d, data, true)})
	}()
	time.Sleep(50 * time.Millisecond)
	cancelA()
	wg.Wait()

	// Assert
	assert.ErrorIs(t, errA, context.Canceled)
	require.NoError(t, errB)
	assert.Equal(t, StatusFetched, resB.Outcomes[0].Status)
	assert.Equal(t, int32(2), hits.Load())
	assert.NoError(t, st.Verify(d))
	assertNoStaging(t, st)
}

type endless struct{ read atomic.Int64 }

func (e *endless) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	e.read.Add(int64(len(p)))
	return len(p), nil
}

func (e *endless) Close() error { return nil }

func TestFetch_OversizedBodyStopsEarly(t *testing.T) {
	data, d := buildTarGz(t, "small\n")
	body := &endless{}
	tr := transport.Func(func(ctx context.Context, url string) (io.ReadCloser, int64, error) {
		return body, -1, nil
	})
	st := newStore(t)
	f := New(st, tr, fastConfig())
	sel := selected("tool", "mem://tool", d, data, true)

	_, err := f.Fetch(context.Background(), []*selection.Selected{sel})

	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, fmt.Sprintf("%d bytes", len(data)+1), verr.Actual)
	assert.LessOrEqual(t, body.read.Load(), int64(len(data)+1))
	assertNoStaging(t, st)
}

func TestChooseArchive(t *testing.T) {
	sum := digest.FromString("x")
	tests := []struct {
		name     string
		archives []feed.Archive
		want     string
		err      error
	}{
		{"none", nil, "", ErrNoArchive},
		{"unsupported only", []feed.Archive{{URL: "a", Type: "application/x-rpm"}}, "", ErrNoArchive},
		{"smallest", []feed.Archive{{URL: "big", Size: 10}, {URL: "small", Size: 5}}, "small", nil},
		{"unknown size last", []feed.Archive{{URL: "unknown"}, {URL: "known", Size: 500}}, "known", nil},
		{"digest first", []feed.Archive{{URL: "small", Size: 1}, {URL: "signed", Size: 100, Digest: sum}}, "signed", nil},
		{"skips unsupported", []feed.Archive{{URL: "rpm", Size: 1, Type: "application/x-rpm"}, {URL: "zip", Size: 9, Type: archive.Zip}}, "zip", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := chooseArchive(tt.archives)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.URL)
		})
	}
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NextBackoffDelay(cfg, tt.attempt, nil), "attempt %d", tt.attempt)
	}

	cfg.Jitter = true
	assert.Equal(t, 50*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		got := NextBackoffDelay(cfg, 2, rng)
		assert.GreaterOrEqual(t, got, 100*time.Millisecond)
		assert.Less(t, got, 300*time.Millisecond)
	}
	assert.Zero(t, NextBackoffDelay(BackoffConfig{}, 3, nil))
}
