// Package quota monitors storage usage against the platform quota and
// evicts caches by importance when space runs low.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/terra369/terase-offline/pkg/logging"
	"github.com/terra369/terase-offline/pkg/store"
)

// Thresholds for quota decisions, as fractions of the total quota.
const (
	// WarnThreshold marks storage as approaching the quota.
	WarnThreshold = 0.8

	// CriticalThreshold triggers forced cleanup.
	CriticalThreshold = 0.9

	// CleanupTarget is the usage fraction cleanup aims to get back under.
	CleanupTarget = 0.7
)

// Per-entry size guesses used when declared sizes are unavailable.
// These are approximations tuned to the journaling app's payloads; do not
// treat them as measurements.
var defaultSizeHints = []SizeHint{
	{Substring: "audio", BytesPerEntry: 512 << 10},
	{Substring: "pages", BytesPerEntry: 32 << 10},
	{Substring: "api", BytesPerEntry: 2 << 10},
}

const fallbackBytesPerEntry = 4 << 10

// SizeHint estimates per-entry size for caches whose name contains the
// substring.
type SizeHint struct {
	Substring     string
	BytesPerEntry int64
}

// Usage is a point-in-time storage report.
type Usage struct {
	Quota      int64   `json:"quota"`
	Usage      int64   `json:"usage"`
	Available  int64   `json:"available"`
	Percentage float64 `json:"percentage"`
}

// CacheMetrics describes one managed cache for eviction ranking.
type CacheMetrics struct {
	Name       string `json:"name"`
	SizeBytes  int64  `json:"size_bytes"`
	EntryCount int    `json:"entry_count"`

	// LastWritten is the newest stored-at timestamp in the cache. Lookups
	// do not touch entries, so write recency is the eviction signal.
	LastWritten time.Time  `json:"last_written"`
	Importance  Importance `json:"importance"`
}

// CleanupItem is one planned deletion.
type CleanupItem struct {
	Cache string `json:"cache"`

	// Partial deletes the oldest half of entries instead of the whole cache.
	Partial bool `json:"partial"`

	// EstimatedBytes this item should free.
	EstimatedBytes int64 `json:"estimated_bytes"`
}

// CleanupPlan is an ordered list of deletions to get usage back under target.
type CleanupPlan struct {
	TargetBytes    int64         `json:"target_bytes"`
	EstimatedBytes int64         `json:"estimated_bytes"`
	Items          []CleanupItem `json:"items"`
}

// CleanupResult reports what ExecuteCleanup actually freed.
type CleanupResult struct {
	FreedBytes int64    `json:"freed_bytes"`
	Cleaned    []string `json:"cleaned"`
	Errors     []error  `json:"-"`
}

// Manager monitors quota and plans/executes prioritized eviction.
type Manager struct {
	store      store.Store
	estimator  store.QuotaEstimator
	importance ImportanceTable
	sizeHints  []SizeHint
	logger     zerolog.Logger
	cron       *cron.Cron
	cronID     cron.EntryID

	warnThreshold     float64
	criticalThreshold float64
}

// Option configures a Manager.
type Option func(*Manager)

// WithThresholds overrides the warning and critical thresholds.
func WithThresholds(warn, critical float64) Option {
	return func(m *Manager) {
		m.warnThreshold = warn
		m.criticalThreshold = critical
	}
}

// WithSizeHints overrides the per-entry size heuristics.
func WithSizeHints(hints []SizeHint) Option {
	return func(m *Manager) { m.sizeHints = hints }
}

// NewManager creates a quota manager over the given store and estimator.
func NewManager(st store.Store, estimator store.QuotaEstimator, importance ImportanceTable, opts ...Option) *Manager {
	m := &Manager{
		store:             st,
		estimator:         estimator,
		importance:        importance,
		sizeHints:         defaultSizeHints,
		logger:            logging.NewLogger("quota-manager"),
		warnThreshold:     WarnThreshold,
		criticalThreshold: CriticalThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetUsage returns the current storage usage report. Estimator failures
// are logged and answered with a zero report.
func (m *Manager) GetUsage(ctx context.Context) Usage {
	est, err := m.estimator.Estimate(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Quota estimate failed, reporting zero usage")
		return Usage{}
	}
	return Usage{
		Quota:      est.Quota,
		Usage:      est.Usage,
		Available:  est.Available(),
		Percentage: est.Percentage(),
	}
}

// IsApproachingQuota reports whether usage exceeds the warning threshold.
func (m *Manager) IsApproachingQuota(ctx context.Context) bool {
	return m.GetUsage(ctx).Percentage >= m.warnThreshold
}

// IsCriticallyFull reports whether usage exceeds the critical threshold.
func (m *Manager) IsCriticallyFull(ctx context.Context) bool {
	return m.GetUsage(ctx).Percentage >= m.criticalThreshold
}

// ListCacheMetrics computes size, entry count, last write, and importance
// for every managed cache. Per-cache failures are logged and skipped.
func (m *Manager) ListCacheMetrics(ctx context.Context) ([]CacheMetrics, error) {
	names, err := m.store.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cache names: %w", err)
	}

	metrics := make([]CacheMetrics, 0, len(names))
	for _, name := range names {
		cm, err := m.cacheMetrics(ctx, name)
		if err != nil {
			m.logger.Warn().Err(err).Str("cache", name).Msg("Skipping cache in metrics listing")
			continue
		}
		metrics = append(metrics, cm)
	}
	return metrics, nil
}

func (m *Manager) cacheMetrics(ctx context.Context, name string) (CacheMetrics, error) {
	cache, err := m.store.Open(ctx, name)
	if err != nil {
		return CacheMetrics{}, fmt.Errorf("open cache: %w", err)
	}

	keys, err := cache.Keys(ctx)
	if err != nil {
		return CacheMetrics{}, fmt.Errorf("list keys: %w", err)
	}

	cm := CacheMetrics{
		Name:       name,
		EntryCount: len(keys),
		Importance: m.importance.Lookup(name),
	}

	for _, key := range keys {
		rec, err := cache.Match(ctx, key)
		if err != nil {
			// Size falls back to the per-type heuristic for this entry.
			cm.SizeBytes += m.bytesPerEntry(name)
			continue
		}
		cm.SizeBytes += rec.Size()
		if at := rec.StoredAt(); at.After(cm.LastWritten) {
			cm.LastWritten = at
		}
	}
	return cm, nil
}

// bytesPerEntry returns the heuristic entry size for a cache name.
func (m *Manager) bytesPerEntry(name string) int64 {
	for _, hint := range m.sizeHints {
		if strings.Contains(name, hint.Substring) {
			return hint.BytesPerEntry
		}
	}
	return fallbackBytesPerEntry
}

// GenerateCleanupPlan plans deletions to bring usage back under the cleanup
// target. Candidates are ordered by ascending importance, then by oldest
// write; critical caches are never included. Low-importance caches
// and caches that fit entirely within the remaining target are deleted
// whole; others lose their oldest half.
func (m *Manager) GenerateCleanupPlan(ctx context.Context) (*CleanupPlan, error) {
	usage := m.GetUsage(ctx)
	target := usage.Usage - int64(float64(usage.Quota)*CleanupTarget)
	plan := &CleanupPlan{TargetBytes: target}
	if target <= 0 {
		return plan, nil
	}

	metrics, err := m.ListCacheMetrics(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]CacheMetrics, 0, len(metrics))
	for _, cm := range metrics {
		if cm.Importance == ImportanceCritical {
			continue
		}
		candidates = append(candidates, cm)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Importance != candidates[j].Importance {
			return candidates[i].Importance < candidates[j].Importance
		}
		return candidates[i].LastWritten.Before(candidates[j].LastWritten)
	})

	remaining := target
	for _, cm := range candidates {
		if remaining <= 0 {
			break
		}
		item := CleanupItem{Cache: cm.Name}
		if cm.SizeBytes <= remaining || cm.Importance == ImportanceLow {
			item.EstimatedBytes = cm.SizeBytes
		} else {
			// Oldest half of entries, counted as half the size.
			item.Partial = true
			item.EstimatedBytes = cm.SizeBytes / 2
		}
		plan.Items = append(plan.Items, item)
		plan.EstimatedBytes += item.EstimatedBytes
		remaining -= item.EstimatedBytes
	}

	return plan, nil
}

// ExecuteCleanup applies the plan in order. A failing item is recorded and
// skipped; the rest of the plan still runs.
func (m *Manager) ExecuteCleanup(ctx context.Context, plan *CleanupPlan) *CleanupResult {
	result := &CleanupResult{}
	if plan == nil {
		return result
	}

	for _, item := range plan.Items {
		var err error
		if item.Partial {
			err = m.deleteOldestHalf(ctx, item.Cache)
		} else {
			err = m.store.Delete(ctx, item.Cache)
		}
		if err != nil {
			m.logger.Error().Err(err).Str("cache", item.Cache).Msg("Cleanup item failed")
			result.Errors = append(result.Errors, fmt.Errorf("clean %s: %w", item.Cache, err))
			continue
		}
		result.FreedBytes += item.EstimatedBytes
		result.Cleaned = append(result.Cleaned, item.Cache)
	}

	if len(result.Cleaned) > 0 {
		m.logger.Info().
			Int64("freed_bytes", result.FreedBytes).
			Strs("caches", result.Cleaned).
			Msg("Cleanup executed")
	}
	return result
}

// deleteOldestHalf removes the oldest 50% of a cache's entries by stored
// timestamp. Entries without a timestamp sort first and go earliest.
func (m *Manager) deleteOldestHalf(ctx context.Context, name string) error {
	cache, err := m.store.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	keys, err := cache.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	type aged struct {
		key string
		at  time.Time
	}
	entries := make([]aged, 0, len(keys))
	for _, key := range keys {
		rec, err := cache.Match(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			entries = append(entries, aged{key: key})
			continue
		}
		entries = append(entries, aged{key: key, at: rec.StoredAt()})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].at.Before(entries[j].at)
	})

	half := (len(entries) + 1) / 2
	for _, e := range entries[:half] {
		if err := cache.Delete(ctx, e.key); err != nil {
			return fmt.Errorf("delete entry: %w", err)
		}
	}
	return nil
}

// MonitorAndCleanup is the scheduled check: force cleanup when critically
// full, warn when approaching the quota, otherwise do nothing.
func (m *Manager) MonitorAndCleanup(ctx context.Context) error {
	if m.IsCriticallyFull(ctx) {
		plan, err := m.GenerateCleanupPlan(ctx)
		if err != nil {
			return fmt.Errorf("generate cleanup plan: %w", err)
		}
		result := m.ExecuteCleanup(ctx, plan)
		if len(result.Errors) > 0 {
			return fmt.Errorf("cleanup completed with %d errors", len(result.Errors))
		}
		return nil
	}

	if m.IsApproachingQuota(ctx) {
		// Hook for a user-facing warning; no forced action.
		m.logger.Warn().
			Float64("percentage", m.GetUsage(ctx).Percentage).
			Msg("Storage approaching quota")
	}
	return nil
}

// StartMonitor schedules MonitorAndCleanup on a cron expression
// (e.g. "@every 5m"). Errors from individual runs are logged, never fatal.
func (m *Manager) StartMonitor(cronSpec string) error {
	if m.cron != nil {
		return fmt.Errorf("monitor already started")
	}

	c := cron.New()
	id, err := c.AddFunc(cronSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.MonitorAndCleanup(ctx); err != nil {
			m.logger.Error().Err(err).Msg("Scheduled quota check failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule quota monitor: %w", err)
	}

	m.cron = c
	m.cronID = id
	c.Start()
	m.logger.Info().Str("schedule", cronSpec).Msg("Quota monitor started")
	return nil
}

// StopMonitor stops the scheduled checks, waiting for a running check.
func (m *Manager) StopMonitor() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
}
