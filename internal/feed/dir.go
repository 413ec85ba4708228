package feed

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// DirProvider serves feeds from YAML files in local directories. The
// directories are indexed by feed URI on first use. A URI that is itself the
// path of a feed file is also accepted.
type DirProvider struct {
	dirs []string
	log  zerolog.Logger

	once  sync.Once
	feeds map[string]*Feed
	err   error
}

// NewDirProvider creates a provider over the given directories. Earlier
// directories win when two files declare the same URI.
func NewDirProvider(log zerolog.Logger, dirs ...string) *DirProvider {
	return &DirProvider{dirs: dirs, log: log}
}

// GetFeed implements Provider.
func (p *DirProvider) GetFeed(ctx context.Context, uri string) (*Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.once.Do(func() { p.err = p.load() })
	if p.err != nil {
		return nil, p.err
	}
	if f, ok := p.feeds[uri]; ok {
		return f, nil
	}

	if path, ok := localFeedPath(uri); ok {
		f, err := ParseFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
}

func (p *DirProvider) load() error {
	p.feeds = make(map[string]*Feed)
	for _, dir := range p.dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			p.log.Debug().Str("dir", dir).Msg("feed directory does not exist")
			continue
		}
		if err != nil {
			return fmt.Errorf("reading feed directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !isFeedFile(e.Name()) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			f, err := ParseFile(path)
			if err != nil {
				p.log.Warn().Err(err).Str("file", path).Msg("skipping invalid feed")
				continue
			}
			if _, dup := p.feeds[f.URI]; dup {
				p.log.Debug().Str("uri", f.URI).Str("file", path).Msg("feed shadowed by earlier directory")
				continue
			}
			p.feeds[f.URI] = f
		}
	}
	p.log.Debug().Int("feeds", len(p.feeds)).Msg("indexed feed directories")
	return nil
}

func isFeedFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// localFeedPath maps absolute paths and file:// URIs to a file path.
func localFeedPath(uri string) (string, bool) {
	if p, ok := strings.CutPrefix(uri, "file://"); ok {
		return filepath.FromSlash(p), true
	}
	if filepath.IsAbs(uri) {
		if _, err := os.Stat(uri); err == nil {
			return uri, true
		}
	}
	return "", false
}
