package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by a Provider that has no feed for a URI.
var ErrNotFound = errors.New("feed not found")

// Provider supplies feeds by interface URI. Implementations must be safe for
// concurrent use.
type Provider interface {
	GetFeed(ctx context.Context, uri string) (*Feed, error)
}

// MemoryProvider serves feeds held in memory.
type MemoryProvider struct {
	mu    sync.RWMutex
	feeds map[string]*Feed
}

// NewMemoryProvider creates a provider holding the given feeds.
func NewMemoryProvider(feeds ...*Feed) *MemoryProvider {
	p := &MemoryProvider{feeds: make(map[string]*Feed)}
	for _, f := range feeds {
		p.Add(f)
	}
	return p
}

// Add registers or replaces a feed.
func (p *MemoryProvider) Add(f *Feed) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feeds[f.URI] = f
}

// GetFeed implements Provider.
func (p *MemoryProvider) GetFeed(ctx context.Context, uri string) (*Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.feeds[uri]
	if !ok {
		return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
	}
	return f, nil
}

// ChainProvider asks each provider in turn and returns the first feed found.
// Errors other than ErrNotFound stop the search.
type ChainProvider []Provider

// GetFeed implements Provider.
func (c ChainProvider) GetFeed(ctx context.Context, uri string) (*Feed, error) {
	for _, p := range c {
		f, err := p.GetFeed(ctx, uri)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
}
