// Package transport downloads byte streams by URL. The Fetcher and the
// remote feed provider only see the Transport interface; HTTP and local
// file access are the default implementations.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Transport opens a byte stream for a URL. size is -1 when unknown.
type Transport interface {
	Download(ctx context.Context, rawURL string) (body io.ReadCloser, size int64, err error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, rawURL string) (io.ReadCloser, int64, error)

func (f Func) Download(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	return f(ctx, rawURL)
}

// Error is a network failure. Retryable errors are transient (connection
// resets, timeouts, 5xx); the rest will fail again with identical input.
type Error struct {
	URL        string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("downloading %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("downloading %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient network failure.
func IsRetryable(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Retryable
}

// Mux dispatches by URL scheme.
type Mux struct {
	schemes map[string]Transport
}

// NewMux returns a Mux serving http, https and file URLs.
func NewMux(h *HTTP) *Mux {
	return &Mux{schemes: map[string]Transport{
		"http":  h,
		"https": h,
		"file":  File{},
		"":      File{},
	}}
}

// Register adds or replaces the transport for a scheme.
func (m *Mux) Register(scheme string, t Transport) {
	m.schemes[strings.ToLower(scheme)] = t
}

// Download implements Transport.
func (m *Mux) Download(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, &Error{URL: rawURL, Err: err}
	}
	t, ok := m.schemes[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, 0, &Error{URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	return t.Download(ctx, rawURL)
}

// File reads file:// URLs and plain paths.
type File struct{}

// Download implements Transport.
func (File) Download(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	p := rawURL
	if strings.HasPrefix(rawURL, "file:") {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, 0, &Error{URL: rawURL, Err: err}
		}
		p = u.Path
	}
	f, err := os.Open(filepath.FromSlash(p))
	if err != nil {
		return nil, 0, &Error{URL: rawURL, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, &Error{URL: rawURL, Err: err}
	}
	return f, info.Size(), nil
}

// ToFile downloads rawURL into destPath, writing to a temp file first and
// renaming it into place so readers never see a partial file.
func ToFile(ctx context.Context, t Transport, rawURL, destPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, fmt.Errorf("creating directory: %w", err)
	}

	body, _, err := t.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	out, err := os.CreateTemp(filepath.Dir(destPath), filepath.Base(destPath)+".tmp*")
	if err != nil {
		return 0, fmt.Errorf("creating file: %w", err)
	}
	tmpPath := out.Name()

	n, err := io.Copy(out, body)
	out.Close()
	if err != nil {
		os.Remove(tmpPath)
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, &Error{URL: rawURL, Retryable: true, Err: err}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return n, fmt.Errorf("renaming file: %w", err)
	}
	return n, nil
}
