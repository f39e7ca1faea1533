// Command offline-proxy fronts the journaling backend with the offline
// resilience layer: cached reads, queued mutations, quota monitoring,
// and versioned cache migration.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/terra369/terase-offline/pkg/config"
	"github.com/terra369/terase-offline/pkg/logging"
	"github.com/terra369/terase-offline/pkg/perf"
	"github.com/terra369/terase-offline/pkg/quota"
	"github.com/terra369/terase-offline/pkg/router"
	"github.com/terra369/terase-offline/pkg/store"
	"github.com/terra369/terase-offline/pkg/strategy"
	"github.com/terra369/terase-offline/pkg/syncqueue"
	"github.com/terra369/terase-offline/pkg/version"
)

const drainInterval = time.Minute

func main() {
	// Configuration from environment
	redisURL := getEnv("REDIS_URL", "localhost:6379")
	port := getEnv("PORT", "8080")
	backendURL := getEnv("BACKEND_URL", "http://localhost:3000")
	configFile := os.Getenv("CONFIG_FILE")

	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", configFile, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if v := os.Getenv("VERSION"); v != "" {
		cfg.Version = v
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
		Output: os.Stderr,
	})

	ctx := context.Background()

	// Redis-backed store, with an in-memory fallback so the proxy still
	// serves (non-durable) when Redis is unreachable.
	var st store.Store
	var estimator store.QuotaEstimator
	var redisClient *redis.Client

	redisClient = redis.NewClient(&redis.Options{Addr: redisURL})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", redisURL).Msg("Redis unreachable, using in-memory store")
		redisClient = nil
		st = store.NewMemStore()
		estimator = &store.FixedEstimator{Quota: store.DefaultRedisQuota}
	} else {
		logger.Info().Str("addr", redisURL).Msg("Connected to Redis")
		st = store.NewRedisStore(redisClient)
		estimator = store.NewRedisEstimator(redisClient)
	}

	// Drop caches from previous releases before serving anything.
	versions := version.NewManager(st, cfg.Version)
	if err := versions.OnVersionChange(ctx); err != nil {
		logger.Error().Err(err).Msg("Version migration failed")
		os.Exit(1)
	}

	monitor := perf.NewMonitor(perf.DefaultMaxSamples)

	api := strategy.New(st, cfg.CacheName("api"), cfg.StrategyPatterns(), strategy.WithObserver(monitor))
	pages := strategy.New(st, cfg.CacheName("pages"), nil, strategy.WithObserver(monitor))
	audio := strategy.New(st, cfg.CacheName("audio"), nil, strategy.WithObserver(monitor))

	queue := syncqueue.New(
		st.Slot(syncqueue.SlotName),
		&syncqueue.HTTPSender{BaseURL: backendURL},
		syncqueue.WithBackoff(cfg.SyncBackoff()),
		syncqueue.WithMaxRetries(cfg.MaxRetries),
		syncqueue.WithObserver(monitor),
		syncqueue.WithSupersededCheck(func() bool {
			changed, err := versions.HasVersionChanged(context.Background())
			return err == nil && changed
		}),
	)

	quotas := quota.NewManager(st, estimator, cfg.ImportanceTable(),
		quota.WithThresholds(cfg.Quota.WarnThreshold, cfg.Quota.CriticalThreshold))
	if err := quotas.StartMonitor(cfg.Quota.MonitorSchedule); err != nil {
		logger.Error().Err(err).Msg("Failed to start quota monitor")
		os.Exit(1)
	}
	defer quotas.StopMonitor()

	runner := router.NewTaskRunner(router.RunnerConfig{})
	defer runner.Close()

	fetcherCfg := router.DefaultFetcherConfig(backendURL)
	fetcherCfg.Timeout = cfg.FetchTimeout

	rt, err := router.New(router.Config{
		API:     api,
		Audio:   audio,
		Pages:   pages,
		Queue:   queue,
		Monitor: monitor,
		Fetcher: router.NewFetcher(fetcherCfg),
		Runner:  runner,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create router")
		os.Exit(1)
	}

	go drainLoop(ctx, queue, logger)

	// HTTP Server
	http.HandleFunc("/healthz", healthHandler)
	http.HandleFunc("/ready", readyHandler(redisClient))
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/sync", syncHandler(queue, logger))
	http.HandleFunc("/stats", statsHandler(monitor))
	http.HandleFunc("/", proxyHandler(rt, cfg.FetchTimeout, logger))

	addr := ":" + port
	logger.Info().
		Str("addr", addr).
		Str("backend", backendURL).
		Str("version", cfg.Version).
		Msg("Starting offline proxy")

	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Error().Err(err).Msg("Server failed")
		os.Exit(1)
	}
}

// drainLoop periodically retries queued mutations. The queue itself
// handles backoff and retry budgets; this loop only provides the pulse.
func drainLoop(ctx context.Context, queue *syncqueue.Queue, logger zerolog.Logger) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := queue.Pending(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to read sync queue")
				continue
			}
			if len(pending) == 0 {
				continue
			}

			result, err := queue.Drain(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("Drain skipped")
				continue
			}
			logger.Info().
				Int("attempted", result.Attempted).
				Int("succeeded", result.Succeeded).
				Int("retained", result.Retained).
				Int("dropped", result.Dropped).
				Msg("Background drain completed")
		}
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// readyHandler reports readiness. Without Redis the proxy still serves
// from memory, so readiness only degrades when Redis was configured and
// is now gone.
func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				http.Error(w, fmt.Sprintf("redis unavailable: %v", err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}

// syncHandler triggers a manual queue drain, optionally filtered by the
// tag query parameter.
func syncHandler(queue *syncqueue.Queue, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}

		tag := r.URL.Query().Get("tag")
		lastChance := r.URL.Query().Get("last_chance") == "true"

		result, err := queue.HandleSyncEvent(r.Context(), tag, lastChance)
		if err != nil {
			http.Error(w, fmt.Sprintf("drain failed: %v", err), http.StatusConflict)
			return
		}

		logger.Info().Str("tag", tag).Int("succeeded", result.Succeeded).Msg("Manual drain completed")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func statsHandler(monitor *perf.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(monitor.Snapshot())
	}
}

// proxyHandler routes every other request through the offline layer.
func proxyHandler(rt *router.Router, timeout time.Duration, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout+2*time.Second)
		defer cancel()

		var body []byte
		if r.Body != nil {
			b, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			body = b
		}

		resp, err := rt.Handle(ctx, r.Method, r.URL.RequestURI(), r.Header, body)
		if err != nil {
			http.Error(w, fmt.Sprintf("request failed: %v", err), http.StatusBadGateway)
			return
		}

		for key, values := range resp.Header {
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}
		w.Header().Set("X-Served-From", resp.Source)
		w.WriteHeader(resp.StatusCode)
		if _, err := w.Write(resp.Body); err != nil {
			logger.Warn().Err(err).Msg("Failed to write response")
		}
	}
}
