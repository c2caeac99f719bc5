// Package ledger is the single source of truth for job records. Every
// mutation of a job runs under that job's lock and is validated against the
// state machine before it is persisted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/wfcore/internal/state"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrNoChange aborts an Update without writing anything.
	ErrNoChange = errors.New("no change")
)

// InvalidTransitionError reports a mutator that tried to move a job along an
// edge the state machine does not have.
type InvalidTransitionError struct {
	JobID string
	From  state.JobState
	To    state.JobState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// Observer is told about every committed state change.
type Observer func(job state.JobRecord, tr state.TransitionRecord)

type Options struct {
	Now      func() time.Time
	Observer Observer
}

type Ledger struct {
	store    state.Store
	now      func() time.Time
	observer Observer

	mu    sync.Mutex
	jobs  map[string]state.JobRecord
	locks map[string]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

func New(store state.Store, opts Options) *Ledger {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{
		store:    store,
		now:      opts.Now,
		observer: opts.Observer,
		jobs:     make(map[string]state.JobRecord),
		locks:    make(map[string]*jobLock),
	}
}

// SetObserver replaces the transition observer. Call before concurrent use.
func (l *Ledger) SetObserver(o Observer) { l.observer = o }

func (l *Ledger) Create(ctx context.Context, job state.JobRecord, reason string) (state.JobRecord, error) {
	now := l.now()
	if job.RequestedAt.IsZero() {
		job.RequestedAt = now
	}
	job.UpdatedAt = now
	if job.State == "" {
		job.State = state.JobAdmitted
	}
	unlock := l.lock(job.ID)
	defer unlock()
	if err := l.store.CreateJob(ctx, job); err != nil {
		return state.JobRecord{}, fmt.Errorf("create job %s: %w", job.ID, err)
	}
	tr := state.TransitionRecord{JobID: job.ID, To: job.State, Tier: job.Tier, Reason: reason, CreatedAt: now}
	if err := l.store.AppendTransition(ctx, tr); err != nil {
		return state.JobRecord{}, fmt.Errorf("append transition for %s: %w", job.ID, err)
	}
	l.remember(job)
	l.notify(job, tr)
	return job.Clone(), nil
}

// Get never waits on a job's lock. Live jobs are served from memory; jobs
// that are terminal or were never written by this ledger come from the store.
func (l *Ledger) Get(ctx context.Context, id string) (state.JobRecord, error) {
	l.mu.Lock()
	job, ok := l.jobs[id]
	l.mu.Unlock()
	if ok {
		return job.Clone(), nil
	}
	job, ok, err := l.store.GetJob(ctx, id)
	if err != nil {
		return state.JobRecord{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if !ok {
		return state.JobRecord{}, ErrNotFound
	}
	return job, nil
}

// Mutator edits a job in place and returns a note recorded with the
// transition. Returning ErrNoChange leaves the job untouched.
type Mutator func(job *state.JobRecord) (note string, err error)

// Update applies fn to the current record of job id under its lock. The
// returned bool reports whether anything was written.
func (l *Ledger) Update(ctx context.Context, id string, fn Mutator) (state.JobRecord, bool, error) {
	unlock := l.lock(id)
	defer unlock()

	current, err := l.Get(ctx, id)
	if err != nil {
		return state.JobRecord{}, false, err
	}
	next := current.Clone()
	note, err := fn(&next)
	if errors.Is(err, ErrNoChange) {
		return current, false, nil
	}
	if err != nil {
		return current, false, err
	}
	next.ID = current.ID
	changed := next.State != current.State
	if changed && !state.CanTransition(current.State, next.State) {
		return current, false, &InvalidTransitionError{JobID: id, From: current.State, To: next.State}
	}
	now := l.now()
	next.UpdatedAt = now
	if err := l.store.UpdateJob(ctx, next); err != nil {
		return current, false, fmt.Errorf("update job %s: %w", id, err)
	}
	var tr state.TransitionRecord
	if changed {
		tr = state.TransitionRecord{JobID: id, From: current.State, To: next.State, Tier: next.Tier, Reason: note, CreatedAt: now}
		if err := l.store.AppendTransition(ctx, tr); err != nil {
			return current, false, fmt.Errorf("append transition for %s: %w", id, err)
		}
	}
	l.remember(next)
	if changed {
		l.notify(next, tr)
	}
	return next.Clone(), true, nil
}

// Note appends an audit record that does not change the job's state.
func (l *Ledger) Note(ctx context.Context, id string, reason string) error {
	job, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	tr := state.TransitionRecord{JobID: id, From: job.State, To: job.State, Tier: job.Tier, Reason: reason, CreatedAt: l.now()}
	return l.store.AppendTransition(ctx, tr)
}

func (l *Ledger) History(ctx context.Context, id string) ([]state.TransitionRecord, error) {
	if _, err := l.Get(ctx, id); err != nil {
		return nil, err
	}
	return l.store.ListTransitions(ctx, id)
}

func (l *Ledger) List(ctx context.Context, q state.JobQuery) ([]state.JobRecord, error) {
	return l.store.ListJobs(ctx, q)
}

// CountActive counts the tenant's jobs that are not yet terminal.
func (l *Ledger) CountActive(ctx context.Context, tenant string) (int, error) {
	return l.store.CountJobsByTenantState(ctx, tenant, state.ActiveStates...)
}

// remember caches a live job and drops a terminal one. Callers hold the
// job's lock.
func (l *Ledger) remember(job state.JobRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state.IsTerminal(job.State) {
		delete(l.jobs, job.ID)
		return
	}
	l.jobs[job.ID] = job.Clone()
}

// Cached reports how many live jobs are held in memory.
func (l *Ledger) Cached() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs)
}

func (l *Ledger) lock(id string) func() {
	l.mu.Lock()
	jl, ok := l.locks[id]
	if !ok {
		jl = &jobLock{}
		l.locks[id] = jl
	}
	jl.refs++
	l.mu.Unlock()

	jl.mu.Lock()
	return func() {
		jl.mu.Unlock()
		l.mu.Lock()
		jl.refs--
		if jl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *Ledger) notify(job state.JobRecord, tr state.TransitionRecord) {
	if l.observer != nil {
		l.observer(job.Clone(), tr)
	}
}
