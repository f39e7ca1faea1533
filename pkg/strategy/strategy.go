// Package strategy decides what API responses to cache, for how long,
// and invalidates cached entries by URL pattern when data mutates.
package strategy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/terra369/terase-offline/pkg/logging"
	"github.com/terra369/terase-offline/pkg/store"
)

var (
	// ErrCacheMiss indicates no fresh entry exists for the request.
	ErrCacheMiss = errors.New("cache miss")
)

// DefaultTTL applies when a cacheable response matches no pattern.
const DefaultTTL = 5 * time.Minute

// Entry is a cached response returned by Lookup.
type Entry struct {
	Payload     []byte
	ContentType string
	URL         string
	Method      string
	StoredAt    time.Time
	TTL         time.Duration
}

// IsStale reports whether the entry has outlived its TTL at the given time.
func (e *Entry) IsStale(now time.Time) bool {
	return now.Sub(e.StoredAt) > e.TTL
}

// Observer receives hit/miss notifications. It never influences control flow.
type Observer interface {
	TrackHit(cache string)
	TrackMiss(cache string)
}

// Strategy implements TTL and pattern based caching over one named cache.
type Strategy struct {
	store     store.Store
	cacheName string
	patterns  []Pattern
	observer  Observer
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Strategy.
type Option func(*Strategy)

// WithObserver attaches a hit/miss observer.
func WithObserver(o Observer) Option {
	return func(s *Strategy) { s.observer = o }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Strategy) { s.now = now }
}

// New creates a caching strategy over the named cache.
// Patterns are evaluated in the given order; the first match wins.
func New(st store.Store, cacheName string, patterns []Pattern, opts ...Option) *Strategy {
	s := &Strategy{
		store:     st,
		cacheName: cacheName,
		patterns:  patterns,
		logger:    logging.NewLogger("cache-strategy"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CacheName returns the underlying cache name.
func (s *Strategy) CacheName() string {
	return s.cacheName
}

// Cache stores the response if it is cacheable: 2xx status, no "no-cache"
// directive, and the method allowed by the matching pattern. The TTL comes
// from the matching pattern, or DefaultTTL when no pattern matches (in
// which case only GET is cached).
//
// The response body is read and restored for the caller.
func (s *Strategy) Cache(ctx context.Context, rawURL, method string, resp *http.Response) error {
	if resp == nil {
		return fmt.Errorf("response cannot be nil")
	}
	if !isCacheable(resp) {
		return nil
	}

	normalized := NormalizeURL(rawURL)
	ttl := DefaultTTL
	if p, ok := MatchPattern(s.patterns, pathOf(normalized)); ok {
		if !p.AllowsMethod(method) {
			return nil
		}
		ttl = p.TTL
	} else if !strings.EqualFold(method, http.MethodGet) {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return s.CachePayload(ctx, rawURL, method, body, resp.Header.Get("Content-Type"), ttl)
}

// CachePayload stores raw bytes directly under the normalized URL and method.
func (s *Strategy) CachePayload(ctx context.Context, rawURL, method string, payload []byte, contentType string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	cache, err := s.store.Open(ctx, s.cacheName)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", s.cacheName, err)
	}

	normalized := NormalizeURL(rawURL)
	rec := &store.Record{
		Payload: payload,
		Meta: map[string]string{
			store.MetaTimestamp:   strconv.FormatInt(s.now().UnixMilli(), 10),
			store.MetaTTL:         strconv.FormatInt(ttl.Milliseconds(), 10),
			store.MetaMethod:      strings.ToUpper(method),
			store.MetaURL:         normalized,
			store.MetaContentType: contentType,
		},
	}

	if err := cache.Put(ctx, EntryKey(normalized, method), rec); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}

	s.logger.Debug().
		Str("url", normalized).
		Str("method", method).
		Dur("ttl", ttl).
		Msg("Cached response")

	return nil
}

// Lookup returns the cached entry for the URL and method, or ErrCacheMiss.
// Stale entries are deleted on read (lazy expiry) and count as a miss.
func (s *Strategy) Lookup(ctx context.Context, rawURL, method string) (*Entry, error) {
	cache, err := s.store.Open(ctx, s.cacheName)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", s.cacheName, err)
	}

	normalized := NormalizeURL(rawURL)
	key := EntryKey(normalized, method)

	rec, err := cache.Match(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.trackMiss()
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("cache match: %w", err)
	}

	entry := recordToEntry(rec)
	if entry.IsStale(s.now()) {
		if err := cache.Delete(ctx, key); err != nil {
			s.logger.Warn().Err(err).Str("url", normalized).Msg("Failed to evict stale entry")
		}
		s.trackMiss()
		return nil, ErrCacheMiss
	}

	s.trackHit()
	return entry, nil
}

// Invalidate deletes cached entries for the URL. With methods given, only
// those entries are removed; otherwise every entry for the normalized URL
// goes. Invalidating an absent entry is a no-op.
func (s *Strategy) Invalidate(ctx context.Context, rawURL string, methods ...string) error {
	cache, err := s.store.Open(ctx, s.cacheName)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", s.cacheName, err)
	}

	normalized := NormalizeURL(rawURL)

	if len(methods) > 0 {
		for _, method := range methods {
			if err := cache.Delete(ctx, EntryKey(normalized, method)); err != nil {
				return fmt.Errorf("cache delete: %w", err)
			}
		}
		return nil
	}

	keys, err := cache.Keys(ctx)
	if err != nil {
		return fmt.Errorf("cache keys: %w", err)
	}
	for _, key := range keys {
		if keyURL(key) == normalized {
			if err := cache.Delete(ctx, key); err != nil {
				return fmt.Errorf("cache delete: %w", err)
			}
		}
	}
	return nil
}

// InvalidateRelated removes entries affected by a mutation of mutatedURL.
// Every pattern listing a matching invalidator has all its entries deleted.
// When no pattern matches, entries whose path starts with the mutated URL's
// path are deleted instead. Returns the number of entries removed.
func (s *Strategy) InvalidateRelated(ctx context.Context, mutatedURL string) (int, error) {
	cache, err := s.store.Open(ctx, s.cacheName)
	if err != nil {
		return 0, fmt.Errorf("open cache %s: %w", s.cacheName, err)
	}

	mutatedPath := pathOf(NormalizeURL(mutatedURL))

	var targets []Pattern
	for _, p := range s.patterns {
		for _, inv := range p.Invalidates {
			if pathMatches(inv, mutatedPath) {
				targets = append(targets, p)
				break
			}
		}
	}

	keys, err := cache.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache keys: %w", err)
	}

	removed := 0
	for _, key := range keys {
		path := pathOf(keyURL(key))
		if s.relatedTarget(targets, path, mutatedPath) {
			if err := cache.Delete(ctx, key); err != nil {
				return removed, fmt.Errorf("cache delete: %w", err)
			}
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug().
			Str("url", mutatedPath).
			Int("removed", removed).
			Msg("Invalidated related entries")
	}
	return removed, nil
}

// relatedTarget decides whether an entry path is invalidated by the
// mutation. With matching patterns it checks pattern membership; without
// any it falls back to a path-prefix test against the mutated URL.
func (s *Strategy) relatedTarget(targets []Pattern, entryPath, mutatedPath string) bool {
	if len(targets) == 0 {
		return strings.HasPrefix(entryPath, mutatedPath)
	}
	for _, p := range targets {
		if pathMatches(p.Path, entryPath) {
			return true
		}
	}
	return false
}

func (s *Strategy) trackHit() {
	if s.observer != nil {
		s.observer.TrackHit(s.cacheName)
	}
}

func (s *Strategy) trackMiss() {
	if s.observer != nil {
		s.observer.TrackMiss(s.cacheName)
	}
}

// isCacheable reports whether the response may be stored: 2xx status and
// no "no-cache" / "no-store" directive.
func isCacheable(resp *http.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store") {
		return false
	}
	return true
}

func recordToEntry(rec *store.Record) *Entry {
	return &Entry{
		Payload:     rec.Payload,
		ContentType: rec.Meta[store.MetaContentType],
		URL:         rec.Meta[store.MetaURL],
		Method:      rec.Meta[store.MetaMethod],
		StoredAt:    rec.StoredAt(),
		TTL:         rec.TTL(),
	}
}

// keyURL recovers the normalized URL from an entry key ("GET /path?q=1").
func keyURL(key string) string {
	if i := strings.IndexByte(key, ' '); i >= 0 {
		return key[i+1:]
	}
	return key
}
