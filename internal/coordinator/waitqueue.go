package coordinator

import (
	"sort"
	"sync"
	"time"
)

type waiter struct {
	jobID    string
	priority int
	timer    *time.Timer
	fire     func()
}

// waitQueue holds jobs parked for capacity. Each waiter fires once, either
// on its timer or on kick.
type waitQueue struct {
	mu      sync.Mutex
	max     int
	waiters map[string]*waiter
	closed  bool
}

func newWaitQueue(max int) *waitQueue {
	if max <= 0 {
		max = 256
	}
	return &waitQueue{max: max, waiters: make(map[string]*waiter)}
}

// park schedules fire after d. It reports false when the queue is full.
func (w *waitQueue) park(jobID string, priority int, d time.Duration, fire func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	if old, ok := w.waiters[jobID]; ok {
		old.timer.Stop()
		delete(w.waiters, jobID)
	}
	if len(w.waiters) >= w.max {
		return false
	}
	wt := &waiter{jobID: jobID, priority: priority, fire: fire}
	wt.timer = time.AfterFunc(d, func() { w.take(wt) })
	w.waiters[jobID] = wt
	return true
}

func (w *waitQueue) take(wt *waiter) {
	w.mu.Lock()
	cur, ok := w.waiters[wt.jobID]
	if !ok || cur != wt {
		w.mu.Unlock()
		return
	}
	delete(w.waiters, wt.jobID)
	w.mu.Unlock()
	wt.fire()
}

func (w *waitQueue) remove(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if wt, ok := w.waiters[jobID]; ok {
		wt.timer.Stop()
		delete(w.waiters, jobID)
	}
}

// kick fires every waiter now, highest priority first. Waiters fire on their
// own goroutine so a caller running on a dispatcher shard never blocks on
// that shard's queue.
func (w *waitQueue) kick() {
	w.mu.Lock()
	ready := make([]*waiter, 0, len(w.waiters))
	for _, wt := range w.waiters {
		wt.timer.Stop()
		ready = append(ready, wt)
	}
	w.waiters = make(map[string]*waiter)
	w.mu.Unlock()
	if len(ready) == 0 {
		return
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].priority != ready[j].priority {
			return ready[i].priority > ready[j].priority
		}
		return ready[i].jobID < ready[j].jobID
	})
	go func() {
		for _, wt := range ready {
			wt.fire()
		}
	}()
}

func (w *waitQueue) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}

func (w *waitQueue) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for id, wt := range w.waiters {
		wt.timer.Stop()
		delete(w.waiters, id)
	}
}
