package feed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"

	"github.com/frederic-klein/yarun/internal/transport"
)

// DefaultFeedTTL is how long a downloaded feed is used before it is fetched again.
const DefaultFeedTTL = 24 * time.Hour

// RemoteProvider serves http(s) feed URIs, keeping a copy of each document in
// cacheDir. A cached copy younger than the TTL is used without network
// access; a stale copy is used when the refresh fails.
type RemoteProvider struct {
	transport transport.Transport
	cacheDir  string
	ttl       time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex
	loaded map[string]*Feed
}

// NewRemoteProvider creates a remote provider.
func NewRemoteProvider(t transport.Transport, cacheDir string, ttl time.Duration, log zerolog.Logger) *RemoteProvider {
	if ttl <= 0 {
		ttl = DefaultFeedTTL
	}
	return &RemoteProvider{
		transport: t,
		cacheDir:  cacheDir,
		ttl:       ttl,
		log:       log,
		now:       time.Now,
		loaded:    make(map[string]*Feed),
	}
}

// GetFeed implements Provider.
func (p *RemoteProvider) GetFeed(ctx context.Context, uri string) (*Feed, error) {
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.loaded[uri]; ok {
		return f, nil
	}

	f, err := p.load(ctx, uri)
	if err != nil {
		return nil, err
	}
	p.loaded[uri] = f
	return f, nil
}

// CachePath returns where the document for uri is cached.
func (p *RemoteProvider) CachePath(uri string) string {
	return filepath.Join(p.cacheDir, digest.FromString(uri).Encoded()+".yaml")
}

func (p *RemoteProvider) load(ctx context.Context, uri string) (*Feed, error) {
	cacheFile := p.CachePath(uri)

	if p.isCacheValid(cacheFile) {
		f, err := parseCached(cacheFile, uri)
		if err == nil {
			return f, nil
		}
		p.log.Warn().Err(err).Str("uri", uri).Msg("ignoring unreadable cached feed")
	}

	p.log.Debug().Str("uri", uri).Msg("downloading feed")
	if _, err := transport.ToFile(ctx, p.transport, uri, cacheFile); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var te *transport.Error
		if errors.As(err, &te) && te.StatusCode == 404 {
			return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
		}
		if f, cerr := parseCached(cacheFile, uri); cerr == nil {
			p.log.Warn().Err(err).Str("uri", uri).Msg("using stale cached feed")
			return f, nil
		}
		return nil, fmt.Errorf("fetching feed %s: %w", uri, err)
	}
	return parseCached(cacheFile, uri)
}

func (p *RemoteProvider) isCacheValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return p.now().Sub(info.ModTime()) < p.ttl
}

func parseCached(path, uri string) (*Feed, error) {
	f, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	if f.URI != uri {
		return nil, fmt.Errorf("feed downloaded from %s declares uri %s", uri, f.URI)
	}
	return f, nil
}
