package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/terra369/terase-offline/pkg/store"
	"github.com/terra369/terase-offline/pkg/strategy"
	"github.com/terra369/terase-offline/pkg/syncqueue"
)

type nopSender struct{}

func (nopSender) Send(ctx context.Context, req *syncqueue.Request) error { return nil }

func testRouterPatterns() []strategy.Pattern {
	return []strategy.Pattern{
		{
			Path:        "/api/diaries",
			TTL:         5 * time.Minute,
			Methods:     []string{"GET"},
			Invalidates: []string{"/api/diaries", "/api/diaries/[date]"},
		},
		{
			Path:    "/api/diaries/[date]",
			TTL:     10 * time.Minute,
			Methods: []string{"GET"},
		},
	}
}

type routerFixture struct {
	router *Router
	store  *store.MemStore
	api    *strategy.Strategy
	pages  *strategy.Strategy
	audio  *strategy.Strategy
	queue  *syncqueue.Queue
}

func newRouterFixture(t *testing.T, baseURL string, runner *TaskRunner) *routerFixture {
	t.Helper()

	mem := store.NewMemStore()
	api := strategy.New(mem, "terase-api-v1", testRouterPatterns())
	pages := strategy.New(mem, "terase-pages-v1", nil)
	audio := strategy.New(mem, "terase-audio-v1", nil)
	queue := syncqueue.New(mem.Slot(syncqueue.SlotName), nopSender{})

	cfg := DefaultFetcherConfig(baseURL)
	cfg.Timeout = 2 * time.Second
	// Keep the breaker out of the way unless a test wants it.
	cfg.BreakerFailures = 100

	rt, err := New(Config{
		API:     api,
		Audio:   audio,
		Pages:   pages,
		Queue:   queue,
		Fetcher: NewFetcher(cfg),
		Runner:  runner,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	return &routerFixture{router: rt, store: mem, api: api, pages: pages, audio: audio, queue: queue}
}

// closedServerURL returns a base URL that refuses connections.
func closedServerURL() string {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()
	return url
}

func TestRouter_APIGetMissThenHit(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"entries":[1,2]}`))
	}))
	defer server.Close()

	fx := newRouterFixture(t, server.URL, nil)
	ctx := context.Background()

	resp, err := fx.router.Handle(ctx, http.MethodGet, "/api/diaries", nil, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.Source != "network" {
		t.Errorf("first request: expected source network, got %s", resp.Source)
	}
	if string(resp.Body) != `{"entries":[1,2]}` {
		t.Errorf("unexpected body %q", resp.Body)
	}

	resp, err = fx.router.Handle(ctx, http.MethodGet, "/api/diaries", nil, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.Source != "cache" {
		t.Errorf("second request: expected source cache, got %s", resp.Source)
	}
	if string(resp.Body) != `{"entries":[1,2]}` {
		t.Errorf("cached body mismatch: %q", resp.Body)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("expected 1 backend request, got %d", got)
	}
}

func TestRouter_APIGetOfflineWithoutCache(t *testing.T) {
	fx := newRouterFixture(t, closedServerURL(), nil)

	resp, err := fx.router.Handle(context.Background(), http.MethodGet, "/api/diaries", nil, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
	if resp.Source != "fallback" {
		t.Errorf("expected source fallback, got %s", resp.Source)
	}

	var payload map[string]any
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		t.Fatalf("synthetic body is not JSON: %v", err)
	}
	if payload["error"] != "offline" {
		t.Errorf("unexpected synthetic payload: %v", payload)
	}
}

func TestRouter_MutationSuccessInvalidatesRelated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"saved":true}`))
	}))
	defer server.Close()

	fx := newRouterFixture(t, server.URL, nil)
	ctx := context.Background()

	if err := fx.api.CachePayload(ctx, "/api/diaries", http.MethodGet, []byte(`{"entries":[]}`), "application/json", 5*time.Minute); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	resp, err := fx.router.Handle(ctx, http.MethodPost, "/api/diaries", nil, []byte(`{"text":"today"}`))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected 201, got %d", resp.StatusCode)
	}
	if resp.Source != "network" {
		t.Errorf("expected source network, got %s", resp.Source)
	}

	if _, err := fx.api.Lookup(ctx, "/api/diaries", http.MethodGet); !errors.Is(err, strategy.ErrCacheMiss) {
		t.Errorf("expected related entry to be invalidated, got %v", err)
	}
}

func TestRouter_MutationFailureQueues(t *testing.T) {
	fx := newRouterFixture(t, closedServerURL(), nil)
	ctx := context.Background()

	body := []byte(`{"text":"offline entry"}`)
	resp, err := fx.router.Handle(ctx, http.MethodPost, "/api/diaries", http.Header{"Content-Type": []string{"application/json"}}, body)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}
	if resp.Source != "queued" {
		t.Errorf("expected source queued, got %s", resp.Source)
	}

	var payload map[string]any
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		t.Fatalf("synthetic body is not JSON: %v", err)
	}
	if payload["queued"] != true || payload["id"] == "" {
		t.Errorf("unexpected synthetic payload: %v", payload)
	}

	pending, err := fx.queue.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 queued request, got %d", len(pending))
	}
	req := pending[0]
	if req.Method != http.MethodPost || req.URL != "/api/diaries" {
		t.Errorf("unexpected queued request %+v", req)
	}
	if req.Category != "diary" {
		t.Errorf("expected category diary, got %s", req.Category)
	}
	if string(req.Body) != string(body) {
		t.Errorf("queued body mismatch: %q", req.Body)
	}
}

func TestRouter_NavigationCachesPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>diary</html>"))
	}))
	defer server.Close()

	fx := newRouterFixture(t, server.URL, nil)
	ctx := context.Background()

	resp, err := fx.router.Handle(ctx, http.MethodGet, "/diary/2026-08-30", nil, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.Source != "network" {
		t.Errorf("expected source network, got %s", resp.Source)
	}

	entry, err := fx.pages.Lookup(ctx, "/diary/2026-08-30", http.MethodGet)
	if err != nil {
		t.Fatalf("expected page to be cached: %v", err)
	}
	if string(entry.Payload) != "<html>diary</html>" {
		t.Errorf("cached page mismatch: %q", entry.Payload)
	}
}

func TestRouter_NavigationFallback(t *testing.T) {
	fx := newRouterFixture(t, closedServerURL(), nil)
	ctx := context.Background()

	if err := fx.pages.CachePayload(ctx, "/diary/2026-08-30", http.MethodGet, []byte("<html>cached page</html>"), "text/html", pageTTL); err != nil {
		t.Fatalf("seed pages cache: %v", err)
	}
	if err := fx.pages.CachePayload(ctx, OfflinePagePath, http.MethodGet, []byte("<html>offline</html>"), "text/html", pageTTL); err != nil {
		t.Fatalf("seed offline page: %v", err)
	}

	// A previously visited page is served from the pages cache.
	resp, err := fx.router.Handle(ctx, http.MethodGet, "/diary/2026-08-30", nil, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.Source != "fallback" {
		t.Errorf("expected source fallback, got %s", resp.Source)
	}
	if string(resp.Body) != "<html>cached page</html>" {
		t.Errorf("unexpected fallback body %q", resp.Body)
	}

	// An unvisited page falls back to the dedicated offline page.
	resp, err = fx.router.Handle(ctx, http.MethodGet, "/diary/2026-01-01", nil, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if string(resp.Body) != "<html>offline</html>" {
		t.Errorf("expected offline page, got %q", resp.Body)
	}
}

func TestRouter_NavigationNotFoundPassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	fx := newRouterFixture(t, server.URL, nil)
	ctx := context.Background()

	// A stale cached copy must not mask a genuine 404 from a live backend.
	if err := fx.pages.CachePayload(ctx, "/diary/deleted", http.MethodGet, []byte("<html>stale</html>"), "text/html", pageTTL); err != nil {
		t.Fatalf("seed pages cache: %v", err)
	}

	resp, err := fx.router.Handle(ctx, http.MethodGet, "/diary/deleted", nil, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if resp.Source != "network" {
		t.Errorf("expected source network, got %s", resp.Source)
	}
}

func TestRouter_AudioCacheFirst(t *testing.T) {
	var requests atomic.Int64
	audioBytes := []byte{0x1a, 0x45, 0xdf, 0xa3}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "audio/webm")
		w.Write(audioBytes)
	}))
	defer server.Close()

	fx := newRouterFixture(t, server.URL, nil)
	ctx := context.Background()

	resp, err := fx.router.Handle(ctx, http.MethodGet, "/audio/entry-42.webm", nil, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.Source != "network" {
		t.Errorf("first request: expected source network, got %s", resp.Source)
	}

	resp, err = fx.router.Handle(ctx, http.MethodGet, "/audio/entry-42.webm", nil, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.Source != "cache" {
		t.Errorf("second request: expected source cache, got %s", resp.Source)
	}
	if string(resp.Body) != string(audioBytes) {
		t.Errorf("cached audio mismatch")
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("expected 1 backend request, got %d", got)
	}
}

func TestRouter_AudioOfflineMiss(t *testing.T) {
	fx := newRouterFixture(t, closedServerURL(), nil)

	_, err := fx.router.Handle(context.Background(), http.MethodGet, "/audio/entry-42.webm", nil, nil)
	if err == nil {
		t.Fatal("expected error for uncached audio while offline")
	}
}

func TestRouter_StaleWhileRevalidate(t *testing.T) {
	var payload atomic.Value
	payload.Store(`{"version":1}`)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload.Load().(string)))
	}))
	defer server.Close()

	runner := NewTaskRunner(RunnerConfig{Workers: 1, QueueSize: 4})
	defer runner.Close()

	fx := newRouterFixture(t, server.URL, runner)
	ctx := context.Background()

	if _, err := fx.router.Handle(ctx, http.MethodGet, "/api/diaries", nil, nil); err != nil {
		t.Fatalf("priming request failed: %v", err)
	}

	payload.Store(`{"version":2}`)

	resp, err := fx.router.Handle(ctx, http.MethodGet, "/api/diaries", nil, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.Source != "cache" {
		t.Fatalf("expected cached response, got source %s", resp.Source)
	}
	if string(resp.Body) != `{"version":1}` {
		t.Errorf("expected stale cached body, got %q", resp.Body)
	}

	// The background refresh replaces the cached copy.
	deadline := time.Now().Add(2 * time.Second)
	for {
		entry, err := fx.api.Lookup(ctx, "/api/diaries", http.MethodGet)
		if err == nil && string(entry.Payload) == `{"version":2}` {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background refresh never updated the cache")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRouter_StaticPassthrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Write([]byte("console.log(1)"))
	}))
	defer server.Close()

	fx := newRouterFixture(t, server.URL, nil)

	resp, err := fx.router.Handle(context.Background(), http.MethodGet, "/assets/app.js", nil, nil)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.Source != "network" {
		t.Errorf("expected source network, got %s", resp.Source)
	}
	if string(resp.Body) != "console.log(1)" {
		t.Errorf("unexpected body %q", resp.Body)
	}

	entry, err := fx.pages.Lookup(context.Background(), "/assets/app.js", http.MethodGet)
	if err == nil {
		t.Errorf("static asset should not be cached, found %q", entry.Payload)
	}
}

func TestRouter_OpenBreakerMutationQueuesWithoutNetwork(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	mem := store.NewMemStore()
	api := strategy.New(mem, "terase-api-v1", testRouterPatterns())
	queue := syncqueue.New(mem.Slot(syncqueue.SlotName), nopSender{})

	cfg := DefaultFetcherConfig(server.URL)
	cfg.BreakerFailures = 1
	cfg.BreakerCooldown = time.Minute

	rt, err := New(Config{API: api, Queue: queue, Fetcher: NewFetcher(cfg)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()

	// First mutation trips the breaker and is queued.
	if _, err := rt.Handle(ctx, http.MethodPost, "/api/diaries", nil, []byte(`{}`)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("expected 1 backend request, got %d", got)
	}

	// With the breaker open, mutations queue without a network attempt.
	resp, err := rt.Handle(ctx, http.MethodPost, "/api/diaries", nil, []byte(`{}`))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("open breaker reached the backend: %d requests", got)
	}

	pending, err := queue.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 queued requests, got %d", len(pending))
	}
}

func TestRouter_MutationServerErrorQueues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	fx := newRouterFixture(t, server.URL, nil)

	resp, err := fx.router.Handle(context.Background(), http.MethodPost, "/api/diaries", nil, []byte(`{}`))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}

	pending, err := fx.queue.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected 1 queued request, got %d", len(pending))
	}
}
