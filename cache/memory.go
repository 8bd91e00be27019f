package cache

import (
	"sync"
	"time"
)

type memEntry struct {
	entry    Entry
	body     []byte
	lastUsed time.Time
}

// MemStore is an in-memory Provider, used for tests and the "memory"
// provider setting.
type MemStore struct {
	mu sync.RWMutex
	// key -> variant -> entry
	db map[string]map[string]*memEntry
}

func NewMemStore() *MemStore {
	return &MemStore{db: make(map[string]map[string]*memEntry)}
}

func (m *MemStore) Get(key, variant string) (Entry, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	variants, ok := m.db[key]
	if !ok {
		return Entry{}, nil, ErrNotFound
	}
	me, ok := variants[variant]
	if !ok {
		return Entry{}, nil, ErrNotFound
	}
	if int64(len(me.body)) != me.entry.Size || bodyDigest(me.body) != me.entry.BodyDigest {
		m.deleteLocked(key, variant)
		return Entry{}, nil, ErrCorruptEntry
	}
	me.lastUsed = time.Now()
	body := make([]byte, len(me.body))
	copy(body, me.body)
	return me.entry, body, nil
}

func (m *MemStore) VaryOn(key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	variants, ok := m.db[key]
	if !ok {
		return nil, nil
	}
	var latest *memEntry
	for _, me := range variants {
		if latest == nil || me.entry.StoredAt.After(latest.entry.StoredAt) {
			latest = me
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.entry.VaryOn, nil
}

func (m *MemStore) Put(e Entry, body []byte) error {
	stored := make([]byte, len(body))
	copy(stored, body)
	e.BodyDigest = bodyDigest(stored)
	e.Size = int64(len(stored))
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	variants, ok := m.db[e.Key]
	if !ok {
		variants = make(map[string]*memEntry)
		m.db[e.Key] = variants
	}
	// single map assignment, readers see the old or the new entry
	variants[e.Variant] = &memEntry{entry: e, body: stored, lastUsed: e.StoredAt}
	return nil
}

func (m *MemStore) Delete(key, variant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(key, variant)
	return nil
}

func (m *MemStore) deleteLocked(key, variant string) {
	if variants, ok := m.db[key]; ok {
		delete(variants, variant)
		if len(variants) == 0 {
			delete(m.db, key)
		}
	}
}

func (m *MemStore) Purge(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.db, key)
	return nil
}

func (m *MemStore) TotalSize() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalLocked(), nil
}

func (m *MemStore) totalLocked() int64 {
	var total int64
	for _, variants := range m.db {
		for _, me := range variants {
			total += me.entry.Size
		}
	}
	return total
}

func (m *MemStore) Sweep(now time.Time, p SweepPolicy) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0

	if p.InactivityTimeout > 0 {
		cutoff := now.Add(-p.InactivityTimeout)
		for key, variants := range m.db {
			for variant, me := range variants {
				if me.lastUsed.Before(cutoff) {
					m.deleteLocked(key, variant)
					removed++
				}
			}
		}
	}

	if p.MaxTotalSize <= 0 {
		return removed, nil
	}
	total := m.totalLocked()
	if total <= p.MaxTotalSize {
		return removed, nil
	}
	target := p.MaxTotalSize - p.MinFreeThreshold
	if target < 0 {
		target = 0
	}
	for total > target {
		key, variant, me := m.evictionCandidateLocked(now)
		if me == nil {
			break
		}
		total -= me.entry.Size
		m.deleteLocked(key, variant)
		removed++
	}
	return removed, nil
}

// evictionCandidateLocked picks the entry with the highest idle-time
// weighted by size, so a large cold body outranks many small hot ones.
func (m *MemStore) evictionCandidateLocked(now time.Time) (string, string, *memEntry) {
	var (
		bestKey, bestVariant string
		best                 *memEntry
		bestCost             float64
	)
	for key, variants := range m.db {
		for variant, me := range variants {
			idle := now.Sub(me.lastUsed).Seconds()
			if idle < 0 {
				idle = 0
			}
			cost := idle * float64(me.entry.Size)
			if best == nil || cost > bestCost {
				bestKey, bestVariant, best, bestCost = key, variant, me, cost
			}
		}
	}
	return bestKey, bestVariant, best
}

func (m *MemStore) Close() error { return nil }
