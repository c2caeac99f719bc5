package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]JobRecord
	transitions map[string][]TransitionRecord
	nextID      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]JobRecord),
		transitions: make(map[string][]TransitionRecord),
		nextID:      1,
	}
}

func (m *MemoryStore) CreateJob(_ context.Context, job JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := time.Now().UTC()
	if job.RequestedAt.IsZero() {
		job.RequestedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	return job.Clone(), ok, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s not found", job.ID)
	}
	job.UpdatedAt = time.Now().UTC()
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *MemoryStore) ListJobs(_ context.Context, query JobQuery) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRecord, 0, len(m.jobs))
	for _, j := range m.jobs {
		if query.Tenant != "" && j.Tenant != query.Tenant {
			continue
		}
		if len(query.States) > 0 && !containsState(query.States, j.State) {
			continue
		}
		out = append(out, j.Clone())
	}
	// Newest first, matching the SQL store.
	sort.Slice(out, func(i, k int) bool {
		if out[i].RequestedAt.Equal(out[k].RequestedAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].RequestedAt.After(out[k].RequestedAt)
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CountJobsByTenantState(_ context.Context, tenant string, states ...JobState) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, j := range m.jobs {
		if tenant != "" && j.Tenant != tenant {
			continue
		}
		if len(states) > 0 && !containsState(states, j.State) {
			continue
		}
		count++
	}
	return count, nil
}

func (m *MemoryStore) AppendTransition(_ context.Context, tr TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	tr.ID = m.nextID
	m.nextID++
	m.transitions[tr.JobID] = append(m.transitions[tr.JobID], tr)
	return nil
}

func (m *MemoryStore) ListTransitions(_ context.Context, jobID string) ([]TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.transitions[jobID]
	out := make([]TransitionRecord, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func containsState(list []JobState, s JobState) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
