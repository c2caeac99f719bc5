// Package allocator turns a tier and priority into a concrete resource lease
// against per-node-class headroom counters.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/wfcore/internal/cluster"
	"github.com/example/wfcore/internal/observability"
	"github.com/example/wfcore/internal/state"
)

var (
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrLeaseExpired         = errors.New("reservation lease expired")
	ErrUnknownTier          = errors.New("no resource profile for tier")
)

type Reservation = state.Reservation

// Range is the smallest and largest grant for a tier.
type Range struct {
	Min cluster.Resources `yaml:"min"`
	Max cluster.Resources `yaml:"max"`
}

type Profile struct {
	Range       `yaml:",inline"`
	NodeClasses []string `yaml:"node_classes"`
}

type Request struct {
	JobID    string
	Tier     state.Tier
	Priority int
}

type Options struct {
	Profiles map[state.Tier]Profile
	// Ceilings caps what the allocator will ever hand out per node class.
	Ceilings map[string]cluster.Resources
	LeaseTTL time.Duration
	// Below HeadroomThreshold (fraction of the class limit still free), or on
	// a stale snapshot, requests with Priority < AdmissionFloor are refused.
	HeadroomThreshold float64
	AdmissionFloor    int
	Sink              observability.Sink
	Now               func() time.Time
}

type pool struct {
	mu       sync.Mutex
	name     string
	ceiling  cluster.Resources
	limit    cluster.Resources
	reserved cluster.Resources
	stale    bool

	// observed is true once a snapshot has reported the class. available is
	// what the cluster reported free at that time and drift is the net of
	// grants and releases made since.
	observed  bool
	available cluster.Resources
	drift     cluster.Resources
}

// free is the smaller of what the ceiling leaves and what the cluster last
// reported available, adjusted for leases changed since that report.
func (p *pool) free() cluster.Resources {
	f := p.limit.Sub(p.reserved)
	if p.observed {
		f = f.Min(p.available.Sub(p.drift))
	}
	return f
}

type Allocator struct {
	opts Options

	pools map[string]*pool

	mu     sync.Mutex
	leases map[string]Reservation
}

func New(opts Options) *Allocator {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	if opts.HeadroomThreshold <= 0 {
		opts.HeadroomThreshold = 0.15
	}
	if opts.Sink == nil {
		opts.Sink = observability.NopSink{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	a := &Allocator{opts: opts, pools: make(map[string]*pool), leases: make(map[string]Reservation)}
	for name, c := range opts.Ceilings {
		a.pools[name] = &pool{name: name, ceiling: c, limit: c}
	}
	for _, p := range opts.Profiles {
		for _, name := range p.NodeClasses {
			if _, ok := a.pools[name]; !ok {
				a.pools[name] = &pool{name: name}
			}
		}
	}
	return a
}

// Reserve leases capacity for req on the first preferred node class with
// room, granting the profile maximum when it fits and the minimum otherwise.
func (a *Allocator) Reserve(ctx context.Context, req Request) (_ Reservation, err error) {
	_, span := observability.StartSpan(ctx, "allocator.reserve")
	defer func() { observability.EndSpan(span, err) }()

	prof, ok := a.opts.Profiles[req.Tier]
	if !ok {
		return Reservation{}, fmt.Errorf("%w %s", ErrUnknownTier, req.Tier)
	}
	reasons := make([]string, 0, len(prof.NodeClasses))
	for _, name := range prof.NodeClasses {
		p := a.pools[name]
		if p == nil {
			continue
		}
		granted, reason, ok := a.tryGrant(p, prof.Range, req)
		if !ok {
			reasons = append(reasons, name+": "+reason)
			continue
		}
		a.emit(observability.EventAllocatorGrant, granted, reason)
		return granted, nil
	}
	rationale := strings.Join(reasons, "; ")
	if rationale == "" {
		rationale = "no node class configured"
	}
	a.emit(observability.EventAllocatorDeny, Reservation{JobID: req.JobID, Tier: req.Tier, Priority: req.Priority}, rationale)
	return Reservation{}, fmt.Errorf("%w for %s at %s: %s", ErrInsufficientCapacity, req.JobID, req.Tier, rationale)
}

// tryGrant decrements the class headroom and registers the lease while
// holding the class lock. Lock order is pool before a.mu.
func (a *Allocator) tryGrant(p *pool, r Range, req Request) (Reservation, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := p.free()
	frac := free.Fraction(p.limit)
	scarce := p.stale || frac < a.opts.HeadroomThreshold
	if scarce && req.Priority < a.opts.AdmissionFloor {
		return Reservation{}, fmt.Sprintf("headroom %.2f (stale=%t), priority %d below admission floor %d", frac, p.stale, req.Priority, a.opts.AdmissionFloor), false
	}
	var grant cluster.Resources
	var reason string
	switch {
	case r.Max.Fits(free):
		grant, reason = r.Max, "granted profile maximum"
	case r.Min.Fits(free):
		grant, reason = r.Min, "granted profile minimum"
	default:
		return Reservation{}, fmt.Sprintf("free %+v below profile minimum", free), false
	}
	if grant.IsZero() {
		return Reservation{}, "empty profile", false
	}
	now := a.opts.Now()
	res := Reservation{
		ID:               uuid.NewString(),
		JobID:            req.JobID,
		Tier:             req.Tier,
		Priority:         req.Priority,
		NodeClass:        p.name,
		CPUMilli:         grant.CPUMilli,
		MemoryBytes:      grant.MemoryBytes,
		AcceleratorUnits: grant.Accelerators,
		ReservedAt:       now,
		ExpiresAt:        now.Add(a.opts.LeaseTTL),
	}
	a.mu.Lock()
	a.leases[res.ID] = res
	a.mu.Unlock()
	p.reserved = p.reserved.Add(grant)
	p.drift = p.drift.Add(grant)
	a.recordHeadroom(p)
	return res, reason, true
}

// Activate converts a lease into a running workload so Reclaim leaves it
// alone.
func (a *Allocator) Activate(id string) (Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, ok := a.leases[id]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: %s", ErrLeaseExpired, id)
	}
	if !res.Active && !a.opts.Now().Before(res.ExpiresAt) {
		return Reservation{}, fmt.Errorf("%w: %s", ErrLeaseExpired, id)
	}
	res.Active = true
	a.leases[id] = res
	return res, nil
}

// Release returns a reservation's resources. Unknown ids are ignored.
func (a *Allocator) Release(id string) bool {
	a.mu.Lock()
	res, ok := a.leases[id]
	a.mu.Unlock()
	if !ok || !a.remove(res, func(Reservation) bool { return true }) {
		return false
	}
	a.emit(observability.EventAllocatorRelease, res, "")
	return true
}

// Reclaim drops unconverted leases that expired at or before now.
func (a *Allocator) Reclaim(now time.Time) []Reservation {
	expired := func(res Reservation) bool { return !res.Active && !now.Before(res.ExpiresAt) }
	a.mu.Lock()
	var candidates []Reservation
	for _, res := range a.leases {
		if expired(res) {
			candidates = append(candidates, res)
		}
	}
	a.mu.Unlock()
	var out []Reservation
	for _, res := range candidates {
		if a.remove(res, expired) {
			out = append(out, res)
			a.emit(observability.EventAllocatorReclaim, res, "lease expired")
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedAt.Before(out[j].ReservedAt) })
	return out
}

// Reconcile reseeds each class from a snapshot. The limit is the smaller of
// the configured ceiling and the reported capacity. Headroom follows the
// reported available capacity less the leases granted after the snapshot
// was taken, and the reserved counter is recomputed from the live leases.
func (a *Allocator) Reconcile(s cluster.Snapshot) {
	for name, p := range a.pools {
		p.mu.Lock()
		c, seen := s.Classes[name]
		switch {
		case seen && !p.ceiling.IsZero():
			p.limit = p.ceiling.Min(c.Capacity)
		case seen:
			p.limit = c.Capacity
		default:
			p.limit = p.ceiling
		}
		var held, since cluster.Resources
		a.mu.Lock()
		for _, res := range a.leases {
			if res.NodeClass != name {
				continue
			}
			held = held.Add(resourcesOf(res))
			if res.ReservedAt.After(s.TakenAt) {
				since = since.Add(resourcesOf(res))
			}
		}
		a.mu.Unlock()
		p.reserved = held
		p.observed = seen
		p.available = c.Available
		p.drift = since
		p.stale = s.Stale
		a.recordHeadroom(p)
		p.mu.Unlock()
	}
}

type ClassUsage struct {
	Limit    cluster.Resources `json:"limit"`
	Reserved cluster.Resources `json:"reserved"`
	Free     cluster.Resources `json:"free"`
	Stale    bool              `json:"stale"`
}

func (a *Allocator) Usage() map[string]ClassUsage {
	out := make(map[string]ClassUsage, len(a.pools))
	for name, p := range a.pools {
		p.mu.Lock()
		out[name] = ClassUsage{Limit: p.limit, Reserved: p.reserved, Free: p.free(), Stale: p.stale}
		p.mu.Unlock()
	}
	return out
}

func (a *Allocator) Get(id string) (Reservation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.leases[id]
	return r, ok
}

// remove drops lease res if it is still held and keep reports true for its
// current value, returning its resources to the class.
func (a *Allocator) remove(res Reservation, keep func(Reservation) bool) bool {
	p := a.pools[res.NodeClass]
	if p != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
	}
	a.mu.Lock()
	cur, ok := a.leases[res.ID]
	ok = ok && keep(cur)
	if ok {
		delete(a.leases, res.ID)
	}
	a.mu.Unlock()
	if !ok || p == nil {
		return ok
	}
	r := resourcesOf(cur)
	p.reserved = p.reserved.Sub(r)
	p.drift = p.drift.Sub(r)
	a.recordHeadroom(p)
	return true
}

func resourcesOf(res Reservation) cluster.Resources {
	return cluster.Resources{CPUMilli: res.CPUMilli, MemoryBytes: res.MemoryBytes, Accelerators: res.AcceleratorUnits}
}

func (a *Allocator) recordHeadroom(p *pool) {
	observability.Default.SetGauge("wfcore_allocator_headroom_ratio", map[string]string{"node_class": p.name}, p.free().Fraction(p.limit))
}

func (a *Allocator) emit(kind string, res Reservation, rationale string) {
	a.opts.Sink.Emit(observability.Event{
		Time:   a.opts.Now(),
		Kind:   kind,
		JobID:  res.JobID,
		Tier:   res.Tier.String(),
		Reason: rationale,
		Fields: map[string]string{
			"reservation_id": res.ID,
			"node_class":     res.NodeClass,
			"priority":       strconv.Itoa(res.Priority),
			"cpu_milli":      strconv.FormatInt(res.CPUMilli, 10),
		},
	})
}
