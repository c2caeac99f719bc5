// Package coordinator drives jobs through admission, tiering, caching,
// reservation, submission and engine callbacks.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/example/wfcore/internal/allocator"
	"github.com/example/wfcore/internal/artifacts"
	"github.com/example/wfcore/internal/cache"
	"github.com/example/wfcore/internal/cluster"
	"github.com/example/wfcore/internal/config"
	"github.com/example/wfcore/internal/engine"
	"github.com/example/wfcore/internal/ledger"
	"github.com/example/wfcore/internal/observability"
	"github.com/example/wfcore/internal/planner"
	"github.com/example/wfcore/internal/policy"
	"github.com/example/wfcore/internal/quality"
	"github.com/example/wfcore/internal/state"
)

type Allocator interface {
	Reserve(ctx context.Context, req allocator.Request) (allocator.Reservation, error)
	Activate(id string) (allocator.Reservation, error)
	Release(id string) bool
	Reclaim(now time.Time) []allocator.Reservation
	Reconcile(s cluster.Snapshot)
}

type Cache interface {
	Get(ctx context.Context, fp string, tier state.Tier) (cache.Entry, bool)
	Lease(fp string, tier state.Tier, jobID string) cache.Token
	Put(ctx context.Context, fp string, tier state.Tier, value string, tags []string, ttl time.Duration, token cache.Token) error
	Abandon(token cache.Token)
	Sweep() int
}

type Advisor interface {
	ChooseTier(req quality.Request, snap cluster.Snapshot) (state.Tier, string)
}

// Outcomes collects terminal outcomes for the advisor's statistics.
type Outcomes interface {
	Record(tier state.Tier, complexity string, o quality.Outcome)
}

type SnapshotSource interface {
	Snapshot() cluster.Snapshot
}

type Policy interface {
	Ceiling(tenant string) state.Tier
	EvaluateSubmit(in policy.SubmitInput) policy.Decision
}

type Deps struct {
	Ledger    *ledger.Ledger
	Allocator Allocator
	Cache     Cache
	Advisor   Advisor
	Outcomes  Outcomes
	Snapshots SnapshotSource
	Engine    engine.Engine
	Planner   *planner.Compiler
	Policy    Policy
	Artifacts artifacts.Store
	Sink      observability.Sink
	// Refresher, when set, is started by Run.
	Refresher *cluster.Refresher
}

type Options struct {
	PipelineVersion  string
	MaxRetries       int
	DowngradeOnRetry bool
	WaitDeadline     time.Duration
	WaitPoll         time.Duration
	MaxWaiting       int
	CacheTTL         time.Duration
	Timeouts         config.Timeouts
	Shards           int
	QueueSize        int
	ReclaimInterval  time.Duration
	SweepInterval    time.Duration
	Now              func() time.Time
}

// SubmitRequest is one processing request.
type SubmitRequest struct {
	Tenant          string
	Category        string
	Complexity      string
	Priority        int
	RequestedTier   state.Tier
	PipelineVersion string
	Descriptor      json.RawMessage
}

type Coordinator struct {
	deps Deps
	opts Options

	dispatch *dispatcher
	waiting  *waitQueue

	mu      sync.Mutex
	handles map[engine.Handle]string
}

func New(deps Deps, opts Options) *Coordinator {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.WaitDeadline <= 0 {
		opts.WaitDeadline = 2 * time.Minute
	}
	if opts.WaitPoll <= 0 {
		opts.WaitPoll = 5 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = 15 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.PipelineVersion == "" {
		opts.PipelineVersion = "v1"
	}
	opts.Timeouts = withDefaultTimeouts(opts.Timeouts)
	if deps.Sink == nil {
		deps.Sink = observability.NopSink{}
	}
	if deps.Policy == nil {
		deps.Policy = policy.NewAllowAll()
	}
	if deps.Planner == nil {
		deps.Planner = planner.NewCompiler(0)
	}
	c := &Coordinator{
		deps:     deps,
		opts:     opts,
		dispatch: newDispatcher(opts.Shards, opts.QueueSize),
		waiting:  newWaitQueue(opts.MaxWaiting),
		handles:  make(map[engine.Handle]string),
	}
	deps.Ledger.SetObserver(c.onTransition)
	return c
}

func withDefaultTimeouts(t config.Timeouts) config.Timeouts {
	if t.Engine <= 0 {
		t.Engine = 10 * time.Second
	}
	if t.Cache <= 0 {
		t.Cache = 2 * time.Second
	}
	if t.Allocator <= 0 {
		t.Allocator = 2 * time.Second
	}
	if t.Artifacts <= 0 {
		t.Artifacts = 10 * time.Second
	}
	return t
}

// GetStatus reads the job record without waiting on in-flight work.
func (c *Coordinator) GetStatus(ctx context.Context, id string) (JobView, error) {
	job, err := c.deps.Ledger.Get(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return JobView{}, ErrUnknownJob
	}
	if err != nil {
		return JobView{}, err
	}
	return viewOf(job), nil
}

func (c *Coordinator) History(ctx context.Context, id string) ([]state.TransitionRecord, error) {
	trs, err := c.deps.Ledger.History(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrUnknownJob
	}
	return trs, err
}

func (c *Coordinator) List(ctx context.Context, q state.JobQuery) ([]JobView, error) {
	jobs, err := c.deps.Ledger.List(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewOf(j))
	}
	return out, nil
}

// Waiting reports how many jobs are parked for capacity.
func (c *Coordinator) Waiting() int { return c.waiting.len() }

// Run drives the background loops until ctx is done: snapshot refresh with
// allocator reconcile, lease reclaim and cache sweep.
func (c *Coordinator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if c.deps.Refresher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.deps.Refresher.Start(ctx)
		}()
	}
	reclaim := time.NewTicker(c.opts.ReclaimInterval)
	defer reclaim.Stop()
	sweep := time.NewTicker(c.opts.SweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-reclaim.C:
			c.reclaim()
		case <-sweep.C:
			if n := c.deps.Cache.Sweep(); n > 0 {
				log.Printf("coordinator: swept %d expired cache entries", n)
			}
		}
	}
}

func (c *Coordinator) reclaim() {
	expired := c.deps.Allocator.Reclaim(c.opts.Now())
	for _, r := range expired {
		log.Printf("coordinator: reclaimed expired lease %s for job %s", r.ID, r.JobID)
	}
	if len(expired) > 0 {
		c.waiting.kick()
	}
	observability.Default.SetGauge("wfcore_jobs_waiting", nil, float64(c.waiting.len()))
	observability.Default.SetGauge("wfcore_ledger_live_jobs", nil, float64(c.deps.Ledger.Cached()))
}

// Close stops the dispatcher and drops parked jobs. Jobs keep their ledger
// state.
func (c *Coordinator) Close() {
	c.waiting.close()
	c.dispatch.close()
}

func (c *Coordinator) onTransition(job state.JobRecord, tr state.TransitionRecord) {
	c.deps.Sink.Emit(observability.Event{
		Time:   tr.CreatedAt,
		Kind:   observability.EventTransition,
		JobID:  job.ID,
		Tenant: job.Tenant,
		From:   string(tr.From),
		To:     string(tr.To),
		Tier:   tr.Tier.String(),
		Reason: tr.Reason,
	})
	if state.IsTerminal(job.State) {
		c.mu.Lock()
		for h, id := range c.handles {
			if id == job.ID {
				delete(c.handles, h)
			}
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) trackHandle(h engine.Handle, jobID string) {
	c.mu.Lock()
	c.handles[h] = jobID
	c.mu.Unlock()
}

func (c *Coordinator) jobForHandle(h engine.Handle) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.handles[h]
	return id, ok
}

func (c *Coordinator) snapshot() cluster.Snapshot {
	if c.deps.Snapshots == nil {
		return cluster.Snapshot{}
	}
	return c.deps.Snapshots.Snapshot()
}

func (c *Coordinator) recordOutcome(job state.JobRecord, success bool) {
	if c.deps.Outcomes == nil {
		return
	}
	var d time.Duration
	if !job.StartedAt.IsZero() {
		d = c.opts.Now().Sub(job.StartedAt)
	}
	c.deps.Outcomes.Record(job.Tier, job.Complexity, quality.Outcome{Success: success, Duration: d})
}
