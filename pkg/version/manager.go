// Package version tags caches with the build version and removes or
// migrates caches left behind by previous deployments.
package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/terra369/terase-offline/pkg/logging"
	"github.com/terra369/terase-offline/pkg/store"
)

// SlotName is the storage slot holding the persisted version record.
const SlotName = "cache-version"

// Record is the persisted current-version marker. Exactly one exists.
type Record struct {
	Version     string    `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
	Description string    `json:"description,omitempty"`
}

// MigrateResult reports a best-effort cache migration.
type MigrateResult struct {
	Copied int     `json:"copied"`
	Errors []error `json:"-"`
}

// versionToken matches a trailing version suffix like "-v1" or "-v2.3".
var versionToken = regexp.MustCompile(`-(v\d[\w.]*)$`)

// Manager detects build-version changes and cleans up orphaned caches.
type Manager struct {
	store       store.Store
	slot        store.Slot
	current     string
	description string
	logger      zerolog.Logger
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithDescription sets the description persisted with the version record.
func WithDescription(desc string) Option {
	return func(m *Manager) { m.description = desc }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a version manager for the externally supplied build
// version string.
func NewManager(st store.Store, current string, opts ...Option) *Manager {
	m := &Manager{
		store:   st,
		slot:    st.Slot(SlotName),
		current: current,
		logger:  logging.NewLogger("cache-version"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the build version this manager was constructed with.
func (m *Manager) Current() string {
	return m.current
}

// LastRecord returns the persisted version record, or store.ErrNotFound
// when no version has been persisted yet.
func (m *Manager) LastRecord(ctx context.Context) (*Record, error) {
	data, err := m.slot.Read(ctx)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal version record: %w", err)
	}
	return &rec, nil
}

// HasVersionChanged compares the persisted version to the current one.
// A missing record counts as changed so first boot persists it.
func (m *Manager) HasVersionChanged(ctx context.Context) (bool, error) {
	rec, err := m.LastRecord(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return rec.Version != m.current, nil
}

// OnVersionChange deletes every managed cache whose name embeds a version
// token different from the current version, then persists the new record.
// Caches without a version token are left alone.
func (m *Manager) OnVersionChange(ctx context.Context) error {
	names, err := m.store.Names(ctx)
	if err != nil {
		return fmt.Errorf("list cache names: %w", err)
	}

	for _, name := range names {
		token := cacheVersion(name)
		if token == "" || token == m.current {
			continue
		}
		if err := m.store.Delete(ctx, name); err != nil {
			m.logger.Error().Err(err).Str("cache", name).Msg("Failed to delete orphaned cache")
			continue
		}
		m.logger.Info().
			Str("cache", name).
			Str("old_version", token).
			Str("version", m.current).
			Msg("Deleted orphaned cache")
	}

	return m.persist(ctx)
}

func (m *Manager) persist(ctx context.Context) error {
	rec := Record{
		Version:     m.current,
		UpdatedAt:   m.now(),
		Description: m.description,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal version record: %w", err)
	}
	if err := m.slot.Write(ctx, data); err != nil {
		return fmt.Errorf("persist version record: %w", err)
	}

	m.logger.Info().Str("version", m.current).Msg("Cache version persisted")
	return nil
}

// Migrate copies all entries from oldName to newName best-effort:
// per-entry failures are logged, collected, and skipped. The old cache is
// deleted only after the copy attempt completes.
func (m *Manager) Migrate(ctx context.Context, oldName, newName string) (*MigrateResult, error) {
	oldCache, err := m.store.Open(ctx, oldName)
	if err != nil {
		return nil, fmt.Errorf("open old cache %s: %w", oldName, err)
	}
	newCache, err := m.store.Open(ctx, newName)
	if err != nil {
		return nil, fmt.Errorf("open new cache %s: %w", newName, err)
	}

	keys, err := oldCache.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", oldName, err)
	}

	result := &MigrateResult{}
	for _, key := range keys {
		rec, err := oldCache.Match(ctx, key)
		if err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("Skipping entry in migration")
			result.Errors = append(result.Errors, fmt.Errorf("read %s: %w", key, err))
			continue
		}
		if err := newCache.Put(ctx, key, rec); err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("Skipping entry in migration")
			result.Errors = append(result.Errors, fmt.Errorf("write %s: %w", key, err))
			continue
		}
		result.Copied++
	}

	if err := m.store.Delete(ctx, oldName); err != nil {
		return result, fmt.Errorf("delete old cache %s: %w", oldName, err)
	}

	m.logger.Info().
		Str("from", oldName).
		Str("to", newName).
		Int("copied", result.Copied).
		Int("errors", len(result.Errors)).
		Msg("Cache migrated")
	return result, nil
}

// cacheVersion extracts the trailing version token from a cache name,
// e.g. "terase-api-v2" yields "v2". Returns "" for unversioned names.
func cacheVersion(name string) string {
	match := versionToken.FindStringSubmatch(strings.TrimSpace(name))
	if match == nil {
		return ""
	}
	return match[1]
}
