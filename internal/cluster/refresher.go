package cluster

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/example/wfcore/internal/observability"
)

// Refresher polls a Provider and publishes the latest snapshot. When a poll
// fails the previous snapshot is republished with Stale set.
type Refresher struct {
	provider Provider
	interval time.Duration
	timeout  time.Duration
	current  atomic.Pointer[Snapshot]
	onUpdate func(Snapshot)
}

func NewRefresher(p Provider, interval, timeout time.Duration, onUpdate func(Snapshot)) *Refresher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	r := &Refresher{provider: p, interval: interval, timeout: timeout, onUpdate: onUpdate}
	r.current.Store(&Snapshot{Classes: map[string]ClassCapacity{}, Stale: true})
	return r
}

// Snapshot returns the last published snapshot.
func (r *Refresher) Snapshot() Snapshot {
	return *r.current.Load()
}

func (r *Refresher) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	s, err := r.provider.GetSnapshot(ctx)
	if err != nil {
		stale := r.current.Load().MarkStale()
		r.publish(stale)
		observability.Default.SetGauge("wfcore_cluster_snapshot_stale", nil, 1)
		return err
	}
	r.publish(s)
	observability.Default.SetGauge("wfcore_cluster_snapshot_stale", nil, 0)
	return nil
}

// Start refreshes once and then every interval until ctx is done.
func (r *Refresher) Start(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		log.Printf("cluster: initial snapshot failed: %v", err)
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				log.Printf("cluster: snapshot refresh failed, reusing stale view: %v", err)
			}
		}
	}
}

func (r *Refresher) publish(s Snapshot) {
	r.current.Store(&s)
	if r.onUpdate != nil {
		r.onUpdate(s)
	}
}
