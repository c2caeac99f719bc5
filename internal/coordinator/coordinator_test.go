package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wfcore/internal/allocator"
	"github.com/example/wfcore/internal/artifacts"
	"github.com/example/wfcore/internal/cache"
	"github.com/example/wfcore/internal/cluster"
	"github.com/example/wfcore/internal/engine"
	"github.com/example/wfcore/internal/ledger"
	"github.com/example/wfcore/internal/observability"
	"github.com/example/wfcore/internal/policy"
	"github.com/example/wfcore/internal/quality"
	"github.com/example/wfcore/internal/state"
)

// scriptedAllocator wraps the real allocator, counts Reserve calls per tier
// and refuses tiers listed in deny.
type scriptedAllocator struct {
	*allocator.Allocator

	mu    sync.Mutex
	calls []state.Tier
	deny  map[state.Tier]bool
}

func (a *scriptedAllocator) Reserve(ctx context.Context, req allocator.Request) (allocator.Reservation, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req.Tier)
	denied := a.deny[req.Tier]
	a.mu.Unlock()
	if denied {
		return allocator.Reservation{}, allocator.ErrInsufficientCapacity
	}
	return a.Allocator.Reserve(ctx, req)
}

func (a *scriptedAllocator) Calls() []state.Tier {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]state.Tier(nil), a.calls...)
}

func (a *scriptedAllocator) setDeny(tiers ...state.Tier) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deny = make(map[state.Tier]bool)
	for _, t := range tiers {
		a.deny[t] = true
	}
}

// requestedAdvisor picks the ceiling it is given.
type requestedAdvisor struct{}

func (requestedAdvisor) ChooseTier(req quality.Request, _ cluster.Snapshot) (state.Tier, string) {
	return req.Ceiling, "ceiling " + req.Ceiling.String()
}

type harness struct {
	c      *Coordinator
	ledger *ledger.Ledger
	alloc  *scriptedAllocator
	cache  *cache.Store
	engine *engine.Fake
	window *quality.Window
	events *observability.Recorder
}

func allocatorOptions() allocator.Options {
	return allocator.Options{
		Profiles: map[state.Tier]allocator.Profile{
			state.TierHigh: {
				Range:       allocator.Range{Min: cluster.Resources{CPUMilli: 4000, Accelerators: 1}, Max: cluster.Resources{CPUMilli: 8000, Accelerators: 2}},
				NodeClasses: []string{"gpu"},
			},
			state.TierMedium: {
				Range:       allocator.Range{Min: cluster.Resources{CPUMilli: 2000}, Max: cluster.Resources{CPUMilli: 4000}},
				NodeClasses: []string{"gpu", "cpu"},
			},
			state.TierLow: {
				Range:       allocator.Range{Min: cluster.Resources{CPUMilli: 500}, Max: cluster.Resources{CPUMilli: 1000}},
				NodeClasses: []string{"cpu"},
			},
		},
		Ceilings: map[string]cluster.Resources{
			"gpu": {CPUMilli: 32000, Accelerators: 8},
			"cpu": {CPUMilli: 16000},
		},
		LeaseTTL: time.Minute,
	}
}

func newHarness(t *testing.T, tweak func(*Deps, *Options)) *harness {
	t.Helper()
	rec := &observability.Recorder{}
	h := &harness{
		ledger: ledger.New(state.NewMemoryStore(), ledger.Options{}),
		alloc:  &scriptedAllocator{Allocator: allocator.New(allocatorOptions())},
		cache:  cache.New(cache.NewMemoryBackend(nil), cache.Options{Sink: rec}),
		engine: engine.NewFake(),
		window: quality.NewWindow(32),
		events: rec,
	}
	deps := Deps{
		Ledger:    h.ledger,
		Allocator: h.alloc,
		Cache:     h.cache,
		Advisor:   requestedAdvisor{},
		Outcomes:  h.window,
		Engine:    h.engine,
		Artifacts: &artifacts.LocalStore{Root: t.TempDir()},
		Sink:      rec,
	}
	opts := Options{
		PipelineVersion: "v1",
		MaxRetries:      2,
		WaitDeadline:    time.Second,
		WaitPoll:        20 * time.Millisecond,
		CacheTTL:        time.Hour,
		Shards:          4,
	}
	if tweak != nil {
		tweak(&deps, &opts)
	}
	h.c = New(deps, opts)
	t.Cleanup(h.c.Close)
	return h
}

func (h *harness) waitState(t *testing.T, id string, want state.JobState) JobView {
	t.Helper()
	var v JobView
	require.Eventually(t, func() bool {
		var err error
		v, err = h.c.GetStatus(context.Background(), id)
		return err == nil && v.State == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s (last %s)", id, want, v.State)
	return v
}

func (h *harness) succeed(t *testing.T, id string, outputs ...string) {
	t.Helper()
	v := h.waitState(t, id, state.JobScheduled)
	require.NoError(t, h.c.OnJobEvent(context.Background(), engine.JobEvent{
		JobID:   id,
		Handle:  engine.Handle(v.DAGHandle),
		Status:  engine.JobSucceeded,
		Outputs: outputs,
	}))
	h.waitState(t, id, state.JobCompleted)
}

func states(t *testing.T, h *harness, id string) []state.JobState {
	t.Helper()
	trs, err := h.c.History(context.Background(), id)
	require.NoError(t, err)
	var out []state.JobState
	for _, tr := range trs {
		if tr.From == tr.To && len(out) > 0 {
			continue
		}
		out = append(out, tr.To)
	}
	return out
}

func TestDowngradeOnCapacityThenCacheHitForEquivalentInput(t *testing.T) {
	h := newHarness(t, nil)
	h.alloc.setDeny(state.TierHigh)
	ctx := context.Background()

	a, err := h.c.Submit(ctx, SubmitRequest{
		Tenant:        "acme",
		Category:      "scan",
		RequestedTier: state.TierHigh,
		Priority:      5,
		Descriptor:    json.RawMessage(`{"Object":"Chair","views":[3,1,2],"note":null}`),
	})
	require.NoError(t, err)

	v := h.waitState(t, a, state.JobScheduled)
	assert.Equal(t, state.TierHigh, v.ChosenTier)
	assert.Equal(t, state.TierMedium, v.Tier)
	assert.True(t, v.Downgraded)
	require.NotNil(t, v.Reservation)
	assert.Equal(t, []state.Tier{state.TierHigh, state.TierMedium}, h.alloc.Calls())
	assert.Equal(t, []state.JobState{
		state.JobAdmitted, state.JobQualityChosen, state.JobCacheMiss,
		state.JobResourceReserving, state.JobRetrying, state.JobResourceReserving, state.JobScheduled,
	}, states(t, h, a))

	h.succeed(t, a, "s3://out/mesh.glb")
	done, err := h.c.GetStatus(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, done.Reservation)
	assert.NotEmpty(t, done.Result)

	b, err := h.c.Submit(ctx, SubmitRequest{
		Tenant:        "acme",
		Category:      "SCAN",
		RequestedTier: state.TierHigh,
		Descriptor:    json.RawMessage(`{"views":[3, 1.0, 2e0],  "object":"  Chair "}`),
	})
	require.NoError(t, err)
	vb := h.waitState(t, b, state.JobCompleted)
	assert.Equal(t, done.Result, vb.Result)
	assert.Equal(t, done.Fingerprint, vb.Fingerprint)
	assert.Equal(t, []state.JobState{state.JobAdmitted, state.JobQualityChosen, state.JobCacheHit, state.JobCompleted}, states(t, h, b))
	assert.Len(t, h.alloc.Calls(), 2, "cache hit must not touch the allocator")
	assert.Len(t, h.engine.Submissions(), 1)
	assert.Equal(t, 1, h.events.Count(observability.EventCacheHit))
}

func TestDuplicateSuccessCallbackIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id, err := h.c.Submit(ctx, SubmitRequest{Tenant: "t", RequestedTier: state.TierLow, Descriptor: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	v := h.waitState(t, id, state.JobScheduled)

	ev := engine.JobEvent{JobID: id, Handle: engine.Handle(v.DAGHandle), Status: engine.JobSucceeded, Outputs: []string{"x"}}
	require.NoError(t, h.c.OnJobEvent(ctx, ev))
	h.waitState(t, id, state.JobCompleted)
	require.NoError(t, h.c.OnJobEvent(ctx, ev))
	assert.ErrorIs(t, h.c.OnJobEvent(ctx, engine.JobEvent{JobID: id, Status: engine.JobFailed, Error: "late"}), ErrMissingHandle)

	time.Sleep(30 * time.Millisecond)
	final, err := h.c.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.JobCompleted, final.State)
	assert.Equal(t, 1, h.events.Count(observability.EventJobCompleted))
	assert.Equal(t, 1, h.window.Summary(state.TierLow, "default").Samples)
	for class, u := range h.alloc.Usage() {
		assert.True(t, u.Reserved.IsZero(), "class %s still holds %+v", class, u.Reserved)
	}
	assert.Equal(t, 0, h.ledger.Cached(), "completed jobs are not kept in memory")
}

func TestCancelReleasesReservationAndIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id, err := h.c.Submit(ctx, SubmitRequest{Tenant: "t", RequestedTier: state.TierMedium, Descriptor: json.RawMessage(`{"a":2}`)})
	require.NoError(t, err)
	v := h.waitState(t, id, state.JobScheduled)
	resID := v.Reservation.ID

	require.NoError(t, h.c.Cancel(ctx, id))
	require.NoError(t, h.c.Cancel(ctx, id))
	after, err := h.c.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.JobCancelled, after.State)
	assert.Equal(t, ReasonCancelled, after.ReasonCode)
	_, held := h.alloc.Get(resID)
	assert.False(t, held)
	require.Eventually(t, func() bool { return len(h.engine.Cancels()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.c.OnJobEvent(ctx, engine.JobEvent{JobID: id, Handle: engine.Handle(v.DAGHandle), Status: engine.JobSucceeded}))
	time.Sleep(30 * time.Millisecond)
	again, _ := h.c.GetStatus(ctx, id)
	assert.Equal(t, state.JobCancelled, again.State)

	assert.ErrorIs(t, h.c.Cancel(ctx, "missing"), ErrUnknownJob)
}

func TestEngineFailureRetriesUntilBudgetExhausted(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) {
		o.MaxRetries = 1
		o.DowngradeOnRetry = true
	})
	ctx := context.Background()
	id, err := h.c.Submit(ctx, SubmitRequest{Tenant: "t", RequestedTier: state.TierMedium, Descriptor: json.RawMessage(`{"a":3}`)})
	require.NoError(t, err)

	first := h.waitState(t, id, state.JobScheduled)
	require.NoError(t, h.c.OnStepEvent(ctx, engine.StepEvent{JobID: id, Handle: engine.Handle(first.DAGHandle), StepID: "ingest", Status: engine.StepSucceeded}))
	h.waitState(t, id, state.JobRunning)
	require.NoError(t, h.c.OnJobEvent(ctx, engine.JobEvent{JobID: id, Handle: engine.Handle(first.DAGHandle), Status: engine.JobFailed, Error: "oom"}))

	var second JobView
	require.Eventually(t, func() bool {
		second, _ = h.c.GetStatus(ctx, id)
		return second.State == state.JobScheduled && second.DAGHandle != first.DAGHandle
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, second.RetryCount)
	assert.Equal(t, state.TierLow, second.Tier)
	assert.Equal(t, "ingest", second.Checkpoint)
	last, ok := h.engine.Last(id)
	require.True(t, ok)
	assert.True(t, last.DAG.Steps[0].Skip, "checkpointed step is skipped on resume")

	require.NoError(t, h.c.OnJobEvent(ctx, engine.JobEvent{JobID: id, Handle: engine.Handle(second.DAGHandle), Status: engine.JobFailed, Error: "oom again"}))
	failed := h.waitState(t, id, state.JobFailed)
	assert.Equal(t, ReasonRetryBudgetExhausted, failed.ReasonCode)
	assert.Nil(t, failed.Reservation)
	assert.Equal(t, 1, h.window.Summary(state.TierLow, "default").Samples)
}

func TestStaleHandleEventsAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id, err := h.c.Submit(ctx, SubmitRequest{Tenant: "t", RequestedTier: state.TierLow, Descriptor: json.RawMessage(`{"a":4}`)})
	require.NoError(t, err)
	h.waitState(t, id, state.JobScheduled)

	require.NoError(t, h.c.OnJobEvent(ctx, engine.JobEvent{JobID: id, Handle: "someone-else", Status: engine.JobSucceeded}))
	time.Sleep(30 * time.Millisecond)
	v, _ := h.c.GetStatus(ctx, id)
	assert.Equal(t, state.JobScheduled, v.State)

	err = h.c.OnJobEvent(ctx, engine.JobEvent{Handle: "unknown", Status: engine.JobSucceeded})
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestReplayedFailureDoesNotTouchNewerAttempt(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) { o.MaxRetries = 3 })
	ctx := context.Background()
	id, err := h.c.Submit(ctx, SubmitRequest{Tenant: "t", RequestedTier: state.TierLow, Descriptor: json.RawMessage(`{"a":11}`)})
	require.NoError(t, err)

	first := h.waitState(t, id, state.JobScheduled)
	failure := engine.JobEvent{JobID: id, Handle: engine.Handle(first.DAGHandle), Status: engine.JobFailed, Error: "oom"}
	require.NoError(t, h.c.OnJobEvent(ctx, failure))
	var second JobView
	require.Eventually(t, func() bool {
		second, _ = h.c.GetStatus(ctx, id)
		return second.State == state.JobScheduled && second.DAGHandle != first.DAGHandle
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.c.OnJobEvent(ctx, failure))
	handleless := failure
	handleless.Handle = ""
	assert.ErrorIs(t, h.c.OnJobEvent(ctx, handleless), ErrMissingHandle)
	assert.ErrorIs(t, h.c.OnStepEvent(ctx, engine.StepEvent{JobID: id, StepID: "ingest", Status: engine.StepFailed}), ErrMissingHandle)

	time.Sleep(30 * time.Millisecond)
	now, err := h.c.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.JobScheduled, now.State)
	assert.Equal(t, 1, now.RetryCount)
	assert.Equal(t, second.DAGHandle, now.DAGHandle)
}

func TestTransientSubmissionFailureIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.FailNext(1, true)
	id, err := h.c.Submit(context.Background(), SubmitRequest{Tenant: "t", RequestedTier: state.TierLow, Descriptor: json.RawMessage(`{"a":5}`)})
	require.NoError(t, err)
	v := h.waitState(t, id, state.JobScheduled)
	assert.Equal(t, 1, v.RetryCount)
	assert.Len(t, h.engine.Submissions(), 1)
}

func TestPermanentSubmissionFailureFailsJob(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.FailNext(1, false)
	id, err := h.c.Submit(context.Background(), SubmitRequest{Tenant: "t", RequestedTier: state.TierLow, Descriptor: json.RawMessage(`{"a":6}`)})
	require.NoError(t, err)
	v := h.waitState(t, id, state.JobFailed)
	assert.Equal(t, ReasonSubmissionFailed, v.ReasonCode)
	for _, u := range h.alloc.Usage() {
		assert.True(t, u.Reserved.IsZero())
	}
}

func TestWaitsForCapacityThenFails(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) {
		o.WaitDeadline = 80 * time.Millisecond
		o.WaitPoll = 10 * time.Millisecond
	})
	h.alloc.setDeny(state.TierHigh, state.TierMedium, state.TierLow)
	id, err := h.c.Submit(context.Background(), SubmitRequest{Tenant: "t", RequestedTier: state.TierMedium, Descriptor: json.RawMessage(`{"a":7}`)})
	require.NoError(t, err)

	v := h.waitState(t, id, state.JobFailed)
	assert.Equal(t, ReasonResourceExhausted, v.ReasonCode)
	assert.Equal(t, state.TierLow, v.Tier)
	assert.Greater(t, len(h.alloc.Calls()), 2, "job should poll while waiting")
	assert.Zero(t, h.c.Waiting())
}

func TestWaitingJobProceedsWhenCapacityReturns(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) {
		o.WaitDeadline = 5 * time.Second
		o.WaitPoll = 10 * time.Millisecond
	})
	h.alloc.setDeny(state.TierLow)
	id, err := h.c.Submit(context.Background(), SubmitRequest{Tenant: "t", RequestedTier: state.TierLow, Descriptor: json.RawMessage(`{"a":8}`)})
	require.NoError(t, err)
	h.waitState(t, id, state.JobRetrying)

	h.alloc.setDeny()
	h.waitState(t, id, state.JobScheduled)
}

func TestAdmissionRejections(t *testing.T) {
	pol := policy.NewFromConfig(policy.Config{
		DefaultAction: "allow",
		Plans:         map[string]policy.Plan{"basic": {MaxTier: state.TierMedium}},
		TenantPlans:   map[string]string{"small": "basic"},
		Rules: []policy.Rule{{
			Name:   "no-drafts",
			Effect: "deny",
			Reason: "drafts_disabled",
			Match:  policy.RuleMatch{Category: "draft"},
		}},
	})
	h := newHarness(t, func(d *Deps, _ *Options) { d.Policy = pol })
	ctx := context.Background()

	cases := []struct {
		name string
		req  SubmitRequest
		code string
	}{
		{"bad descriptor", SubmitRequest{Tenant: "t", Descriptor: json.RawMessage(`[1,2]`)}, ReasonInvalidDescriptor},
		{"over ceiling", SubmitRequest{Tenant: "small", RequestedTier: state.TierHigh, Descriptor: json.RawMessage(`{"a":1}`)}, ReasonTenantCeiling},
		{"rule", SubmitRequest{Tenant: "t", Category: "draft", Descriptor: json.RawMessage(`{"a":1}`)}, ReasonPolicyDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := h.c.Submit(ctx, tc.req)
			var adm *AdmissionError
			require.True(t, errors.As(err, &adm), "got %v", err)
			assert.Equal(t, tc.code, adm.ReasonCode)
			v, err := h.c.GetStatus(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, state.JobFailed, v.State)
			assert.Equal(t, tc.code, v.ReasonCode)
		})
	}
	assert.Empty(t, h.alloc.Calls())

	id, err := h.c.Submit(ctx, SubmitRequest{Tenant: "small", Descriptor: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	v := h.waitState(t, id, state.JobScheduled)
	assert.Equal(t, state.TierMedium, v.ChosenTier, "unset request tier is capped by the plan")
}

type brokenBackend struct{}

var errBroken = errors.New("connection refused")

func (brokenBackend) Get(context.Context, string) (cache.Entry, bool, error) {
	return cache.Entry{}, false, errBroken
}
func (brokenBackend) Set(context.Context, cache.Entry, time.Duration) error { return errBroken }
func (brokenBackend) Delete(context.Context, string) error                 { return errBroken }
func (brokenBackend) DeleteByTag(context.Context, string) (int, error)     { return 0, errBroken }

func TestUnavailableCacheDoesNotBlockJobs(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Cache = cache.New(brokenBackend{}, cache.Options{Sink: d.Sink})
	})
	id, err := h.c.Submit(context.Background(), SubmitRequest{Tenant: "t", RequestedTier: state.TierLow, Descriptor: json.RawMessage(`{"a":9}`)})
	require.NoError(t, err)
	h.succeed(t, id, "out")
	assert.GreaterOrEqual(t, h.events.Count(observability.EventCacheDegraded), 2)
}

func TestUnknownJobStatus(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.c.GetStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
	_, err = h.c.History(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestTransitionsAreEmitted(t *testing.T) {
	h := newHarness(t, nil)
	id, err := h.c.Submit(context.Background(), SubmitRequest{Tenant: "t", RequestedTier: state.TierLow, Descriptor: json.RawMessage(`{"a":10}`)})
	require.NoError(t, err)
	h.succeed(t, id)
	var seen []string
	for _, ev := range h.events.Events() {
		if ev.Kind == observability.EventTransition && ev.JobID == id {
			seen = append(seen, ev.To)
		}
	}
	assert.Equal(t, []string{"Admitted", "QualityChosen", "CacheMiss", "ResourceReserving", "Scheduled", "Completed"}, seen)
}
