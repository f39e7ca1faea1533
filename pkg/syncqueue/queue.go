// Package syncqueue persists failed mutating requests and retries them
// with exponential backoff when connectivity returns.
package syncqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/terra369/terase-offline/pkg/logging"
	"github.com/terra369/terase-offline/pkg/store"
)

// DefaultMaxRetries is the retry budget for a queued request.
const DefaultMaxRetries = 3

// SlotName is the storage slot holding the serialized queue.
const SlotName = "sync-queue"

var (
	// ErrDrainInProgress is returned when a drain is already running in
	// this instance. Concurrent triggers treat it as a no-op.
	ErrDrainInProgress = errors.New("drain already in progress")
)

// Request is a queued mutating request awaiting resend.
type Request struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	Category   string            `json:"category"`
}

// Sender resends a queued request. A nil error means the backend accepted it.
type Sender interface {
	Send(ctx context.Context, req *Request) error
}

// HTTPSender resends requests over HTTP with a bounded timeout.
// Non-2xx responses count as failures.
type HTTPSender struct {
	// BaseURL is prepended to the queued request URL (which is origin-relative).
	BaseURL string

	// Client is the HTTP client; a default with an 8s timeout when nil.
	Client *http.Client
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, req *Request) error {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, s.BaseURL+req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("resend: backend returned %d", resp.StatusCode)
	}
	return nil
}

// Registrar requests a platform wake-up signal for a sync category.
// Absence of platform support must not be load-bearing; see NoopRegistrar.
type Registrar interface {
	Register(ctx context.Context, tag string) error
}

// NoopRegistrar is the fallback when the platform offers no background
// sync capability. The connectivity-restored listener and manual Drain
// calls remain the reliability backstop.
type NoopRegistrar struct{}

// Register implements Registrar as a no-op.
func (NoopRegistrar) Register(context.Context, string) error { return nil }

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Retained  int `json:"retained"`
	Dropped   int `json:"dropped"`
}

// Outcomes observer; implemented by perf.Monitor.
type Observer interface {
	TrackSync(success bool, retryCount int)
}

// Queue is a durable FIFO retry queue for failed mutating requests.
type Queue struct {
	slot      store.Slot
	sender    Sender
	registrar Registrar
	observer  Observer
	logger    zerolog.Logger

	backoff    BackoffConfig
	maxRetries int

	// superseded is consulted between items during a drain; when it
	// reports true the drain stops early, leaving the rest queued.
	superseded func() bool

	draining atomic.Bool
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithRegistrar sets the platform wake-up registrar.
func WithRegistrar(r Registrar) Option {
	return func(q *Queue) { q.registrar = r }
}

// WithObserver attaches a sync outcome observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// WithBackoff overrides the retry timing.
func WithBackoff(cfg BackoffConfig) Option {
	return func(q *Queue) { q.backoff = cfg }
}

// WithMaxRetries overrides the default retry budget for new requests.
func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// WithSupersededCheck installs the version-change probe consulted mid-drain.
func WithSupersededCheck(fn func() bool) Option {
	return func(q *Queue) { q.superseded = fn }
}

// New creates a queue persisting into the given slot and resending via sender.
func New(slot store.Slot, sender Sender, opts ...Option) *Queue {
	q := &Queue{
		slot:       slot,
		sender:     sender,
		registrar:  NoopRegistrar{},
		logger:     logging.NewLogger("sync-queue"),
		backoff:    DefaultBackoffConfig(),
		maxRetries: DefaultMaxRetries,
		sleep:      sleepCtx,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Enqueue persists a request for later resend and best-effort registers a
// platform wake-up for its category. Only persistence failures propagate.
func (q *Queue) Enqueue(ctx context.Context, req Request) (string, error) {
	req.ID = uuid.NewString()
	req.RetryCount = 0
	req.EnqueuedAt = q.now()
	if req.MaxRetries <= 0 {
		req.MaxRetries = q.maxRetries
	}
	if req.Category == "" {
		req.Category = "default"
	}

	pending, err := q.load(ctx)
	if err != nil {
		return "", fmt.Errorf("load queue: %w", err)
	}
	pending = append(pending, req)
	if err := q.save(ctx, pending); err != nil {
		return "", fmt.Errorf("persist queue: %w", err)
	}

	if err := q.registrar.Register(ctx, req.Category); err != nil {
		q.logger.Warn().Err(err).Str("category", req.Category).Msg("Background sync registration unavailable")
	}

	q.logger.Info().
		Str("id", req.ID).
		Str("url", req.URL).
		Str("method", req.Method).
		Str("category", req.Category).
		Msg("Request queued for background sync")

	return req.ID, nil
}

// Pending returns a snapshot of the queued requests in FIFO order.
func (q *Queue) Pending(ctx context.Context) ([]Request, error) {
	return q.load(ctx)
}

// Drain resends every queued request in FIFO order. Successes are removed;
// failures are retried on a later drain until their budget is exhausted,
// then dropped and recorded as permanent failures.
//
// Only one drain runs per instance; concurrent calls return
// ErrDrainInProgress and do nothing.
func (q *Queue) Drain(ctx context.Context) (*DrainResult, error) {
	return q.drain(ctx, "", false)
}

// HandleSyncEvent drains only requests whose category matches tag. With
// lastChance set, failures are not re-queued: they are dropped and
// reported as permanent failures immediately.
func (q *Queue) HandleSyncEvent(ctx context.Context, tag string, lastChance bool) (*DrainResult, error) {
	return q.drain(ctx, tag, lastChance)
}

func (q *Queue) drain(ctx context.Context, tag string, lastChance bool) (*DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return nil, ErrDrainInProgress
	}
	defer q.draining.Store(false)

	pending, err := q.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	result := &DrainResult{}
	remaining := make([]Request, 0, len(pending))

	for i, req := range pending {
		if tag != "" && req.Category != tag {
			remaining = append(remaining, req)
			continue
		}

		if q.superseded != nil && q.superseded() {
			q.logger.Info().Int("left", len(pending)-i).Msg("Drain superseded by version change, stopping early")
			remaining = append(remaining, pending[i:]...)
			break
		}

		if err := q.sleep(ctx, q.backoff.Delay(req.RetryCount)); err != nil {
			remaining = append(remaining, pending[i:]...)
			break
		}

		result.Attempted++
		err := q.sender.Send(ctx, &req)
		if err == nil {
			result.Succeeded++
			q.trackSync(true, req.RetryCount)
			q.logger.Info().Str("id", req.ID).Str("url", req.URL).Msg("Queued request synced")
			continue
		}

		req.RetryCount++
		if lastChance || req.RetryCount >= req.MaxRetries {
			result.Dropped++
			q.trackSync(false, req.RetryCount)
			q.logger.Error().
				Err(err).
				Str("id", req.ID).
				Str("url", req.URL).
				Int("retry_count", req.RetryCount).
				Msg("Queued request permanently failed")
			continue
		}

		result.Retained++
		remaining = append(remaining, req)
		q.logger.Warn().
			Err(err).
			Str("id", req.ID).
			Int("retry_count", req.RetryCount).
			Msg("Queued request failed, will retry")
	}

	if err := q.save(ctx, remaining); err != nil {
		return result, fmt.Errorf("persist queue: %w", err)
	}
	return result, nil
}

func (q *Queue) trackSync(success bool, retryCount int) {
	if q.observer != nil {
		q.observer.TrackSync(success, retryCount)
	}
}

func (q *Queue) load(ctx context.Context) ([]Request, error) {
	data, err := q.slot.Read(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var pending []Request
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("unmarshal queue: %w", err)
	}
	return pending, nil
}

func (q *Queue) save(ctx context.Context, pending []Request) error {
	if len(pending) == 0 {
		return q.slot.Clear(ctx)
	}

	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	return q.slot.Write(ctx, data)
}
