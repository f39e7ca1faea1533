// Package store defines the persistent key-value cache containers the
// resilience layer coordinates over, plus the storage quota estimator.
// Implementations are provided for Redis and for in-memory operation.
package store

import (
	"context"
	"errors"
	"strconv"
	"time"
)

var (
	// ErrNotFound indicates the requested record or slot value does not exist.
	ErrNotFound = errors.New("record not found")
)

// Metadata keys carried as explicit key/value pairs alongside every payload.
const (
	MetaTimestamp   = "Cache-Timestamp" // epoch milliseconds at store time
	MetaTTL         = "Cache-TTL"       // milliseconds
	MetaMethod      = "Cache-Method"
	MetaURL         = "Cache-URL"
	MetaContentType = "Cache-Content-Type"
)

// Record is a stored payload with its metadata pairs.
type Record struct {
	Payload []byte            `json:"payload"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Size returns the declared size of the record in bytes.
func (r *Record) Size() int64 {
	size := int64(len(r.Payload))
	for k, v := range r.Meta {
		size += int64(len(k) + len(v))
	}
	return size
}

// StoredAt returns the store timestamp from metadata, or the zero time.
func (r *Record) StoredAt() time.Time {
	ms, err := strconv.ParseInt(r.Meta[MetaTimestamp], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// TTL returns the time-to-live from metadata, or 0 if absent.
func (r *Record) TTL() time.Duration {
	ms, err := strconv.ParseInt(r.Meta[MetaTTL], 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Cache is a single named key-value container.
type Cache interface {
	// Match retrieves a record by key. Returns ErrNotFound on miss.
	Match(ctx context.Context, key string) (*Record, error)

	// Put stores a record under key, replacing any existing record wholesale.
	Put(ctx context.Context, key string, rec *Record) error

	// Delete removes a record. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists all keys currently stored.
	Keys(ctx context.Context) ([]string, error)

	// Len returns the number of stored records.
	Len(ctx context.Context) (int, error)
}

// Slot is a single named storage slot holding one opaque value.
// Used for queue persistence and the version record.
type Slot interface {
	// Read returns the slot value. Returns ErrNotFound if the slot is unset.
	Read(ctx context.Context) ([]byte, error)

	// Write replaces the slot value.
	Write(ctx context.Context, data []byte) error

	// Clear removes the slot value.
	Clear(ctx context.Context) error
}

// Store is a collection of named caches and slots.
type Store interface {
	// Open returns the cache with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Cache, error)

	// Delete removes an entire named cache and all its records.
	Delete(ctx context.Context, name string) error

	// Names lists all cache names known to the store.
	Names(ctx context.Context) ([]string, error)

	// Slot returns the named single-value slot.
	Slot(name string) Slot
}

// Estimate is a point-in-time storage usage report.
// The estimator may lag real usage; callers tolerate staleness.
type Estimate struct {
	Quota int64 `json:"quota"`
	Usage int64 `json:"usage"`
}

// Available returns the remaining bytes before the quota is reached.
func (e Estimate) Available() int64 {
	avail := e.Quota - e.Usage
	if avail < 0 {
		return 0
	}
	return avail
}

// Percentage returns usage as a fraction of quota in [0, 1].
func (e Estimate) Percentage() float64 {
	if e.Quota <= 0 {
		return 0
	}
	return float64(e.Usage) / float64(e.Quota)
}

// QuotaEstimator reports storage usage against the platform quota.
type QuotaEstimator interface {
	Estimate(ctx context.Context) (Estimate, error)
}

// FixedEstimator is a QuotaEstimator returning preset values, for tests
// and for platforms without a usable estimate.
type FixedEstimator struct {
	Quota int64
	Used  int64
}

// Estimate implements QuotaEstimator.
func (f *FixedEstimator) Estimate(_ context.Context) (Estimate, error) {
	return Estimate{Quota: f.Quota, Usage: f.Used}, nil
}
