package store

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-memory Store used in tests and as a degraded fallback
// when no Redis backend is reachable. Contents do not survive a restart.
type MemStore struct {
	mu     sync.RWMutex
	caches map[string]*memCache
	slots  map[string]*memSlot
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		caches: make(map[string]*memCache),
		slots:  make(map[string]*memSlot),
	}
}

// Open returns the named cache, creating it if needed.
func (s *MemStore) Open(_ context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.caches[name]
	if !ok {
		c = &memCache{records: make(map[string]*Record)}
		s.caches[name] = c
	}
	return c, nil
}

// Delete removes the named cache.
func (s *MemStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.caches, name)
	return nil
}

// Names lists cache names in sorted order for determinism.
func (s *MemStore) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Slot returns the named single-value slot.
func (s *MemStore) Slot(name string) Slot {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[name]
	if !ok {
		sl = &memSlot{}
		s.slots[name] = sl
	}
	return sl
}

type memCache struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func (c *memCache) Match(_ context.Context, key string) (*Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	// Copy so callers cannot mutate stored state.
	return copyRecord(rec), nil
}

func (c *memCache) Put(_ context.Context, key string, rec *Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[key] = copyRecord(rec)
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, key)
	return nil
}

func (c *memCache) Keys(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.records))
	for key := range c.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *memCache) Len(_ context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records), nil
}

type memSlot struct {
	mu   sync.Mutex
	data []byte
	set  bool
}

func (s *memSlot) Read(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.set {
		return nil, ErrNotFound
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out, nil
}

func (s *memSlot) Write(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make([]byte, len(data))
	copy(s.data, data)
	s.set = true
	return nil
}

func (s *memSlot) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = nil
	s.set = false
	return nil
}

func copyRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	out := &Record{
		Payload: make([]byte, len(rec.Payload)),
	}
	copy(out.Payload, rec.Payload)
	if rec.Meta != nil {
		out.Meta = make(map[string]string, len(rec.Meta))
		for k, v := range rec.Meta {
			out.Meta[k] = v
		}
	}
	return out
}
