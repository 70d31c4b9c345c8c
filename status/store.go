package status

import (
	"sync"
	"sync/atomic"
	"time"
)

// Store keeps one JobStatus per job id.
//
// Merges on the same id are serialized; merges on different ids never
// contend on a shared lock.
type Store interface {
	// Get returns a copy of the stored status.
	Get(id string) (JobStatus, bool)
	// Set overwrites the status for id.
	Set(id string, s JobStatus)
	// Merge applies u on top of the stored status, or on a fresh base when
	// none exists, and returns the stored result.
	Merge(id string, u Update) JobStatus
	// Seed stores s when id is unknown. Otherwise the name and logs of s are
	// merged into the existing entry. Both happen under one lock.
	Seed(id string, s JobStatus) JobStatus
	// Len returns the number of tracked jobs.
	Len() int
}

type entry struct {
	mu     sync.Mutex
	status JobStatus
	ok     bool
}

// MemoryStore is an in-process Store with a mutex per entry.
type MemoryStore struct {
	entries sync.Map // id -> *entry
	size    atomic.Int64
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the clock used for fresh entries.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) entry(id string) *entry {
	if e, ok := m.entries.Load(id); ok {
		return e.(*entry)
	}
	e, _ := m.entries.LoadOrStore(id, &entry{})
	return e.(*entry)
}

// Get implements Store.
func (m *MemoryStore) Get(id string) (JobStatus, bool) {
	v, ok := m.entries.Load(id)
	if !ok {
		return JobStatus{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ok {
		return JobStatus{}, false
	}
	return e.status.Clone(), true
}

// Set implements Store.
func (m *MemoryStore) Set(id string, s JobStatus) {
	e := m.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	s = s.Clone()
	s.ID = id
	m.store(e, s)
}

// Merge implements Store.
func (m *MemoryStore) Merge(id string, u Update) JobStatus {
	e := m.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	base := e.status
	if !e.ok {
		base = newBase(id, m.now())
	}
	merged := Apply(base, u)
	m.store(e, merged)
	return merged.Clone()
}

// Seed implements Store.
func (m *MemoryStore) Seed(id string, s JobStatus) JobStatus {
	e := m.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ok {
		merged := Apply(e.status, Update{Name: s.Name, Logs: s.Logs})
		m.store(e, merged)
		return merged.Clone()
	}
	s = s.Clone()
	s.ID = id
	m.store(e, s)
	return s.Clone()
}

// store must be called with e.mu held.
func (m *MemoryStore) store(e *entry, s JobStatus) {
	if !e.ok {
		e.ok = true
		m.size.Add(1)
	}
	e.status = s
}

// Len implements Store.
func (m *MemoryStore) Len() int {
	return int(m.size.Load())
}
