package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/terra369/terase-offline/pkg/logging"
)

// ErrBackendUnavailable is returned when the circuit breaker is open.
// It feeds the same degraded paths as a plain network failure.
var ErrBackendUnavailable = errors.New("backend unavailable")

// DefaultFetchTimeout bounds every refresh or passthrough network call.
const DefaultFetchTimeout = 8 * time.Second

// FetcherConfig holds network client settings.
type FetcherConfig struct {
	// BaseURL of the journaling backend.
	BaseURL string

	// Timeout per request. Exceeding it counts as failure.
	Timeout time.Duration

	// BreakerFailures is the consecutive-failure count that opens the
	// circuit; while open, requests fail fast without hitting the network.
	BreakerFailures uint32

	// BreakerCooldown is how long the circuit stays open before probing.
	BreakerCooldown time.Duration
}

// DefaultFetcherConfig returns safe defaults for the given backend.
func DefaultFetcherConfig(baseURL string) FetcherConfig {
	return FetcherConfig{
		BaseURL:         baseURL,
		Timeout:         DefaultFetchTimeout,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Fetcher performs backend requests behind a circuit breaker so that a
// dead backend degrades to cache and queue immediately instead of burning
// a timeout per request.
type Fetcher struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	baseURL string
	logger  zerolog.Logger
}

// NewFetcher creates a breaker-guarded network client.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	logger := logging.NewLogger("fetcher")

	settings := gobreaker.Settings{
		Name:    "backend",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}

	return &Fetcher{
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		baseURL: cfg.BaseURL,
		logger:  logger,
	}
}

// Do executes a backend request. 5xx responses count as breaker failures;
// an open breaker returns ErrBackendUnavailable without a network attempt.
func (f *Fetcher) Do(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*http.Response, error) {
	result, err := f.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, f.baseURL+rawURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		for k, vals := range header {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			// Drain and surface as failure so the breaker counts it.
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			resp.Body = io.NopCloser(bytes.NewReader(b))
			return resp, fmt.Errorf("backend returned %d", resp.StatusCode)
		}
		return resp, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrBackendUnavailable
		}
		// A 5xx still carries a response the caller may inspect.
		if resp, ok := result.(*http.Response); ok && resp != nil {
			return resp, err
		}
		return nil, err
	}
	return result.(*http.Response), nil
}
