package cache

import (
	"context"
	"sync"
	"time"
)

type MemoryBackend struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]Entry
	tags    map[string]map[string]struct{}
}

func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryBackend{
		now:     now,
		entries: make(map[string]Entry),
		tags:    make(map[string]map[string]struct{}),
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.Expired(m.now()) {
		return Entry{}, false, nil
	}
	e.Tags = append([]string(nil), e.Tags...)
	return e, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, e Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(e.Key)
	if ttl > 0 {
		e.ExpiresAt = m.now().Add(ttl)
	}
	e.Tags = append([]string(nil), e.Tags...)
	m.entries[e.Key] = e
	for _, t := range e.Tags {
		set, ok := m.tags[t]
		if !ok {
			set = make(map[string]struct{})
			m.tags[t] = set
		}
		set[e.Key] = struct{}{}
	}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key)
	return nil
}

func (m *MemoryBackend) DeleteByTag(_ context.Context, tag string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for key := range m.tags[tag] {
		if e, ok := m.entries[key]; ok && !e.Expired(now) {
			n++
		}
		m.removeLocked(key)
	}
	delete(m.tags, tag)
	return n, nil
}

func (m *MemoryBackend) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, e := range m.entries {
		if e.Expired(now) {
			m.removeLocked(key)
			n++
		}
	}
	return n
}

func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryBackend) removeLocked(key string) {
	e, ok := m.entries[key]
	if !ok {
		return
	}
	delete(m.entries, key)
	for _, t := range e.Tags {
		if set, ok := m.tags[t]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(m.tags, t)
			}
		}
	}
}
