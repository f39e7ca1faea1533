// Package router classifies inbound requests and dispatches them across
// the cache strategy, sync queue, and network according to connectivity.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/terra369/terase-offline/pkg/logging"
	"github.com/terra369/terase-offline/pkg/perf"
	"github.com/terra369/terase-offline/pkg/strategy"
	"github.com/terra369/terase-offline/pkg/syncqueue"
)

// Cache TTLs for the non-API caches. Audio files are immutable once
// recorded; pages only need to outlive a deploy cycle.
const (
	audioTTL = 7 * 24 * time.Hour
	pageTTL  = 24 * time.Hour
)

// OfflinePagePath is the pages-cache key for the offline fallback page.
const OfflinePagePath = "/offline"

// Response is the router's answer to one request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Source reports where the response came from:
	// "network", "cache", "fallback", or "queued".
	Source string
}

// Router is the top-level dispatcher.
type Router struct {
	api     *strategy.Strategy
	audio   *strategy.Strategy
	pages   *strategy.Strategy
	queue   *syncqueue.Queue
	monitor *perf.Monitor
	fetcher *Fetcher
	runner  *TaskRunner
	logger  zerolog.Logger
}

// Config wires the router's collaborators.
type Config struct {
	API     *strategy.Strategy
	Audio   *strategy.Strategy
	Pages   *strategy.Strategy
	Queue   *syncqueue.Queue
	Monitor *perf.Monitor
	Fetcher *Fetcher
	Runner  *TaskRunner
}

// New creates a router. API strategy, queue, and fetcher are required;
// the rest degrade gracefully when absent.
func New(cfg Config) (*Router, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("api strategy is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("sync queue is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}

	return &Router{
		api:     cfg.API,
		audio:   cfg.Audio,
		pages:   cfg.Pages,
		queue:   cfg.Queue,
		monitor: cfg.Monitor,
		fetcher: cfg.Fetcher,
		runner:  cfg.Runner,
		logger:  logging.NewLogger("event-router"),
	}, nil
}

// Handle dispatches one request and returns the response to serve.
func (rt *Router) Handle(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*Response, error) {
	kind := Classify(method, rawURL)
	start := time.Now()

	var resp *Response
	var err error
	switch kind {
	case KindNavigation:
		resp, err = rt.handleNavigation(ctx, rawURL, header)
	case KindAPIGet:
		resp, err = rt.handleAPIGet(ctx, method, rawURL, header)
	case KindAPIMutation:
		resp, err = rt.handleMutation(ctx, method, rawURL, header, body)
	case KindAudio:
		resp, err = rt.handleAudio(ctx, rawURL, header)
	default:
		resp, err = rt.handleStatic(ctx, method, rawURL, header, body)
	}

	if err == nil && rt.monitor != nil {
		rt.monitor.TrackResponseTime(strategy.NormalizeURL(rawURL), time.Since(start), resp.Source)
	}
	return resp, err
}

// handleNavigation is network-first: a reachable backend always wins, and
// successful pages refresh the offline fallback copy.
func (rt *Router) handleNavigation(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	resp, err := rt.fetchResponse(ctx, http.MethodGet, rawURL, header, nil)
	if err == nil {
		// Client errors such as a genuine 404 pass through untouched; the
		// cached fallback is for an unreachable backend only.
		if resp.StatusCode < 400 && rt.pages != nil {
			if cerr := rt.pages.CachePayload(ctx, rawURL, http.MethodGet, resp.Body, resp.Header.Get("Content-Type"), pageTTL); cerr != nil {
				rt.logger.Warn().Err(cerr).Str("url", rawURL).Msg("Failed to cache page")
			}
		}
		return resp, nil
	}

	rt.logger.Warn().Err(err).Str("url", rawURL).Msg("Navigation fetch failed, serving fallback")

	if rt.pages != nil {
		if entry, lerr := rt.pages.Lookup(ctx, rawURL, http.MethodGet); lerr == nil {
			return entryResponse(entry, "fallback"), nil
		}
		if entry, lerr := rt.pages.Lookup(ctx, OfflinePagePath, http.MethodGet); lerr == nil {
			return entryResponse(entry, "fallback"), nil
		}
	}
	return offlineResponse(), nil
}

// handleAPIGet is cache-first with an unawaited background refresh
// (stale-while-revalidate). A miss falls through to the network.
func (rt *Router) handleAPIGet(ctx context.Context, method, rawURL string, header http.Header) (*Response, error) {
	if entry, err := rt.api.Lookup(ctx, rawURL, method); err == nil {
		rt.scheduleRefresh(method, rawURL, header)
		return entryResponse(entry, "cache"), nil
	}

	resp, err := rt.fetchResponse(ctx, method, rawURL, header, nil)
	if err != nil {
		rt.logger.Warn().Err(err).Str("url", rawURL).Msg("API fetch failed with no cached copy")
		return offlineResponse(), nil
	}

	rt.cacheAPIResponse(ctx, method, rawURL, resp)
	return resp, nil
}

// scheduleRefresh submits a background revalidation; a full runner just
// drops it, the cached copy was already served.
func (rt *Router) scheduleRefresh(method, rawURL string, header http.Header) {
	if rt.runner == nil {
		return
	}
	rt.runner.Submit("refresh "+rawURL, func(taskCtx context.Context) error {
		resp, err := rt.fetchResponse(taskCtx, method, rawURL, header, nil)
		if err != nil {
			if errors.Is(err, ErrBackendUnavailable) {
				return nil // expected while offline
			}
			return err
		}
		rt.cacheAPIResponse(taskCtx, method, rawURL, resp)
		return nil
	})
}

func (rt *Router) cacheAPIResponse(ctx context.Context, method, rawURL string, resp *Response) {
	httpResp := &http.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       io.NopCloser(bytes.NewReader(resp.Body)),
	}
	if err := rt.api.Cache(ctx, rawURL, method, httpResp); err != nil {
		rt.logger.Warn().Err(err).Str("url", rawURL).Msg("Failed to cache API response")
	}
}

// handleMutation is network-only. A failed mutation is queued for
// background sync and answered with a synthetic "queued" response; a
// successful one invalidates related cached reads.
func (rt *Router) handleMutation(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*Response, error) {
	resp, err := rt.fetchResponse(ctx, method, rawURL, header, body)
	if err == nil && resp.StatusCode < 500 {
		if _, ierr := rt.api.InvalidateRelated(ctx, rawURL); ierr != nil {
			rt.logger.Warn().Err(ierr).Str("url", rawURL).Msg("Related invalidation failed")
		}
		return resp, nil
	}

	id, qerr := rt.queue.Enqueue(ctx, syncqueue.Request{
		URL:      rawURL,
		Method:   method,
		Headers:  flattenHeader(header),
		Body:     body,
		Category: categoryFor(rawURL),
	})
	if qerr != nil {
		rt.logger.Error().Err(qerr).Str("url", rawURL).Msg("Failed to queue mutation")
		return offlineResponse(), nil
	}

	payload, _ := json.Marshal(map[string]any{
		"queued": true,
		"id":     id,
	})
	return &Response{
		StatusCode: http.StatusAccepted,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       payload,
		Source:     "queued",
	}, nil
}

// handleAudio is cache-first against the dedicated audio cache.
func (rt *Router) handleAudio(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	if rt.audio != nil {
		if entry, err := rt.audio.Lookup(ctx, rawURL, http.MethodGet); err == nil {
			return entryResponse(entry, "cache"), nil
		}
	}

	resp, err := rt.fetchResponse(ctx, http.MethodGet, rawURL, header, nil)
	if err != nil {
		return nil, fmt.Errorf("audio fetch: %w", err)
	}

	if rt.audio != nil && resp.StatusCode < 300 {
		if cerr := rt.audio.CachePayload(ctx, rawURL, http.MethodGet, resp.Body, resp.Header.Get("Content-Type"), audioTTL); cerr != nil {
			rt.logger.Warn().Err(cerr).Str("url", rawURL).Msg("Failed to cache audio")
		}
	}
	return resp, nil
}

// handleStatic delegates to default platform caching: plain passthrough.
func (rt *Router) handleStatic(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*Response, error) {
	resp, err := rt.fetchResponse(ctx, method, rawURL, header, body)
	if err != nil {
		return nil, fmt.Errorf("static fetch: %w", err)
	}
	return resp, nil
}

func (rt *Router) fetchResponse(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*Response, error) {
	httpResp, err := rt.fetcher.Do(ctx, method, rawURL, header, body)
	if err != nil {
		if httpResp != nil {
			httpResp.Body.Close()
		}
		return nil, err
	}
	defer httpResp.Body.Close()

	b, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       b,
		Source:     "network",
	}, nil
}

func entryResponse(entry *strategy.Entry, source string) *Response {
	header := http.Header{}
	if entry.ContentType != "" {
		header.Set("Content-Type", entry.ContentType)
	}
	return &Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       entry.Payload,
		Source:     source,
	}
}

func offlineResponse() *Response {
	payload, _ := json.Marshal(map[string]any{
		"error":   "offline",
		"message": "The server is unreachable and no cached copy exists.",
	})
	return &Response{
		StatusCode: http.StatusServiceUnavailable,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       payload,
		Source:     "fallback",
	}
}

// categoryFor tags a queued mutation by its endpoint family so platform
// sync events can drain selectively.
func categoryFor(rawURL string) string {
	switch {
	case containsSegment(rawURL, "diaries"), containsSegment(rawURL, "saveDiary"):
		return "diary"
	case containsSegment(rawURL, "audio"), containsSegment(rawURL, "uploadAudio"):
		return "audio"
	default:
		return "default"
	}
}

func containsSegment(rawURL, segment string) bool {
	path, _, _ := strings.Cut(strategy.NormalizeURL(rawURL), "?")
	for _, s := range strings.Split(path, "/") {
		if s == segment {
			return true
		}
	}
	return false
}

func flattenHeader(header http.Header) map[string]string {
	if len(header) == 0 {
		return nil
	}
	out := make(map[string]string, len(header))
	for k := range header {
		out[k] = header.Get(k)
	}
	return out
}
