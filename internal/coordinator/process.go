package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/wfcore/internal/allocator"
	"github.com/example/wfcore/internal/cache"
	"github.com/example/wfcore/internal/engine"
	"github.com/example/wfcore/internal/ledger"
	"github.com/example/wfcore/internal/observability"
	"github.com/example/wfcore/internal/policy"
	"github.com/example/wfcore/internal/quality"
	"github.com/example/wfcore/internal/state"
)

// Submit admits a request, picks its tier and serves it from cache when it
// can. Otherwise the job is handed to its dispatcher shard for reservation
// and submission, and Submit returns without waiting for that.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (jobID string, err error) {
	ctx, span := observability.StartSpan(ctx, "coordinator.submit", attribute.String("tenant", req.Tenant))
	defer func() { observability.EndSpan(span, err) }()

	tenant := strings.TrimSpace(req.Tenant)
	if tenant == "" {
		tenant = "default"
	}
	version := strings.TrimSpace(req.PipelineVersion)
	if version == "" {
		version = c.opts.PipelineVersion
	}
	complexity := strings.ToLower(strings.TrimSpace(req.Complexity))
	if complexity == "" {
		complexity = "default"
	}

	running, err := c.deps.Ledger.CountActive(ctx, tenant)
	if err != nil {
		return "", fmt.Errorf("count active jobs: %w", err)
	}

	fp, fpErr := cache.Fingerprint(req.Descriptor, version, req.Category)
	descriptor := string(req.Descriptor)
	if fpErr == nil {
		if norm, err := cache.Normalize(req.Descriptor); err == nil {
			descriptor = string(norm)
		}
	}
	job, err := c.deps.Ledger.Create(ctx, state.JobRecord{
		ID:              uuid.NewString(),
		Tenant:          tenant,
		Fingerprint:     fp,
		Category:        strings.ToLower(strings.TrimSpace(req.Category)),
		Complexity:      complexity,
		PipelineVersion: version,
		Descriptor:      descriptor,
		Priority:        req.Priority,
		RequestedTier:   req.RequestedTier,
		State:           state.JobAdmitted,
		RequestedAt:     c.opts.Now(),
	}, "admitted")
	if err != nil {
		return "", err
	}
	id := job.ID
	span.SetAttributes(attribute.String("job_id", id))

	if fpErr != nil {
		return id, c.reject(ctx, id, ReasonInvalidDescriptor, fpErr.Error())
	}

	decision := c.deps.Policy.EvaluateSubmit(policy.SubmitInput{
		Tenant:        tenant,
		Category:      job.Category,
		Priority:      req.Priority,
		RequestedTier: req.RequestedTier,
		RunningJobs:   running,
	})
	c.deps.Sink.Emit(observability.Event{
		Time:   c.opts.Now(),
		Kind:   observability.EventPolicyDecision,
		JobID:  id,
		Tenant: tenant,
		Reason: decision.ReasonCode,
		Fields: map[string]string{"rule": decision.Rule, "allowed": fmt.Sprint(decision.Allowed)},
	})
	if err := c.deps.Ledger.Note(ctx, id, "policy: "+decision.Message); err != nil {
		log.Printf("coordinator: audit note for %s failed: %v", id, err)
	}
	if !decision.Allowed {
		code := ReasonPolicyDenied
		if decision.ReasonCode == policy.ReasonCeilingExceeded {
			code = ReasonTenantCeiling
		}
		return id, c.reject(ctx, id, code, decision.Message)
	}

	ceiling := state.MinTier(c.deps.Policy.Ceiling(tenant), req.RequestedTier)
	tier, rationale := c.deps.Advisor.ChooseTier(quality.Request{Complexity: complexity, Ceiling: ceiling}, c.snapshot())
	_, changed, err := c.deps.Ledger.Update(ctx, id, func(j *state.JobRecord) (string, error) {
		if j.State != state.JobAdmitted {
			return "", ledger.ErrNoChange
		}
		j.State = state.JobQualityChosen
		j.ChosenTier = tier
		j.Tier = tier
		j.Rationale = rationale
		return rationale, nil
	})
	if err != nil || !changed {
		return id, err
	}

	if entry, hit := c.deps.Cache.Get(ctx, fp, tier); hit {
		c.completeFromCache(ctx, id, entry)
		return id, nil
	}

	token := c.deps.Cache.Lease(fp, tier, id)
	_, changed, err = c.deps.Ledger.Update(ctx, id, func(j *state.JobRecord) (string, error) {
		if j.State != state.JobQualityChosen {
			return "", ledger.ErrNoChange
		}
		j.State = state.JobCacheMiss
		j.CacheToken = token.String()
		return "no cached artifact", nil
	})
	if err != nil || !changed {
		c.deps.Cache.Abandon(token)
		return id, err
	}
	if err := c.dispatch.enqueue(ctx, id, func(ctx context.Context) { c.reserve(ctx, id) }); err != nil {
		c.failJob(context.WithoutCancel(ctx), id, ReasonSubmissionFailed, "dispatch: "+err.Error())
		return id, err
	}
	return id, nil
}

func (c *Coordinator) reject(ctx context.Context, id, code, msg string) error {
	c.failJob(ctx, id, code, msg)
	return &AdmissionError{JobID: id, ReasonCode: code, Message: msg}
}

func (c *Coordinator) completeFromCache(ctx context.Context, id string, entry cache.Entry) {
	_, changed, err := c.deps.Ledger.Update(ctx, id, func(j *state.JobRecord) (string, error) {
		if j.State != state.JobQualityChosen {
			return "", ledger.ErrNoChange
		}
		j.State = state.JobCacheHit
		j.Result = entry.Value
		return "served by " + entry.JobID, nil
	})
	if err != nil || !changed {
		return
	}
	job, changed, err := c.deps.Ledger.Update(ctx, id, func(j *state.JobRecord) (string, error) {
		if j.State != state.JobCacheHit {
			return "", ledger.ErrNoChange
		}
		j.State = state.JobCompleted
		return "cache hit", nil
	})
	if err != nil || !changed {
		return
	}
	c.emitCompleted(job, true)
}

// reserve runs on the job's shard for jobs in CacheMiss or Retrying.
func (c *Coordinator) reserve(ctx context.Context, id string) {
	for {
		job, changed, err := c.deps.Ledger.Update(ctx, id, func(j *state.JobRecord) (string, error) {
			if j.State != state.JobCacheMiss && j.State != state.JobRetrying {
				return "", ledger.ErrNoChange
			}
			j.State = state.JobResourceReserving
			return "reserving " + j.Tier.String(), nil
		})
		if err != nil {
			log.Printf("coordinator: reserve %s: %v", id, err)
			return
		}
		if !changed {
			return
		}

		rctx, cancel := context.WithTimeout(ctx, c.opts.Timeouts.Allocator)
		res, err := c.deps.Allocator.Reserve(rctx, allocator.Request{JobID: id, Tier: job.Tier, Priority: job.Priority})
		cancel()
		if err == nil {
			c.submit(ctx, id, res)
			return
		}
		if errors.Is(err, allocator.ErrUnknownTier) {
			c.failJob(ctx, id, ReasonResourceExhausted, err.Error())
			return
		}
		if errors.Is(err, allocator.ErrInsufficientCapacity) && !job.Downgraded && job.Tier > state.TierLow {
			if !c.downgrade(ctx, id, err) {
				return
			}
			continue
		}
		c.wait(ctx, id, err)
		return
	}
}

// downgrade moves a job from ResourceReserving to Retrying one tier lower.
func (c *Coordinator) downgrade(ctx context.Context, id string, cause error) bool {
	_, changed, err := c.deps.Ledger.Update(ctx, id, func(j *state.JobRecord) (string, error) {
		if j.State != state.JobResourceReserving {
			return "", ledger.ErrNoChange
		}
		from := j.Tier
		j.State = state.JobRetrying
		j.Tier = j.Tier.Lower()
		j.Downgraded = true
		j.LastError = cause.Error()
		return fmt.Sprintf("downgraded %s -> %s: %v", from, j.Tier, cause), nil
	})
	if err != nil {
		log.Printf("coordinator: downgrade %s: %v", id, err)
	}
	return err == nil && changed
}

// wait parks a job until capacity may have freed, or fails it once its wait
// deadline has passed.
func (c *Coordinator) wait(ctx context.Context, id string, cause error) {
	now := c.opts.Now()
	var parkFor time.Duration
	job, changed, err := c.deps.Ledger.Update(ctx, id, func(j *state.JobRecord) (string, error) {
		if j.State != state.JobResourceReserving {
			return "", ledger.ErrNoChange
		}
		if j.WaitDeadline.IsZero() {
			j.WaitDeadline = now.Add(c.opts.WaitDeadline)
		}
		j.LastError = cause.Error()
		remaining := j.WaitDeadline.Sub(now)
		if remaining <= 0 {
			j.State = state.JobFailed
			j.ReasonCode = ReasonResourceExhausted
			return "wait deadline passed: " + cause.Error(), nil
		}
		if c.waiting.len() >= c.waiting.max {
			j.State = state.JobFailed
			j.ReasonCode = ReasonResourceExhausted
			return "wait queue full: " + cause.Error(), nil
		}
		parkFor = c.opts.WaitPoll
		if remaining < parkFor {
			parkFor = remaining
		}
		j.State = state.JobRetrying
		return "waiting for capacity: " + cause.Error(), nil
	})
	if err != nil || !changed {
		return
	}
	if job.State == state.JobFailed {
		c.afterFailure(ctx, job)
		return
	}
	fire := func() {
		if err := c.dispatch.enqueue(context.Background(), id, func(ctx context.Context) { c.reserve(ctx, id) }); err != nil {
			log.Printf("coordinator: requeue %s: %v", id, err)
		}
	}
	if !c.waiting.park(id, job.Priority, parkFor, fire) {
		c.failJob(ctx, id, ReasonResourceExhausted, "wait queue full")
	}
	observability.Default.SetGauge("wfcore_jobs_waiting", nil, float64(c.waiting.len()))
}

// submit hands the DAG to the engine while the job holds res, then records
// the handle. The reservation is attached to the job only once it is
// Scheduled.
func (c *Coordinator) submit(ctx context.Context, id string, res allocator.Reservation) {
	job, err := c.deps.Ledger.Get(ctx, id)
	if err != nil || job.State != state.JobResourceReserving {
		c.release(res.ID)
		return
	}
	dag := c.deps.Planner.Compile(job)

	sctx, cancel := context.WithTimeout(ctx, c.opts.Timeouts.Engine)
	handle, err := c.deps.Engine.SubmitDAG(sctx, dag, res)
	cancel()
	if err == nil {
		if _, aerr := c.deps.Allocator.Activate(res.ID); aerr != nil {
			c.cancelRemote(handle)
			err = &engine.SubmissionError{Transient: true, Err: aerr}
		}
	}
	if err != nil {
		c.release(res.ID)
		c.submissionFailed(ctx, id, err)
		return
	}

	c.trackHandle(handle, id)
	_, changed, uerr := c.deps.Ledger.Update(ctx, id, func(j *state.JobRecord) (string, error) {
		if j.State != state.JobResourceReserving {
			return "", ledger.ErrNoChange
		}
		r := res
		r.Active = true
		j.State = state.JobScheduled
		j.Reservation = &r
		j.DAGHandle = string(handle)
		j.WaitDeadline = time.Time{}
		j.LastError = ""
		if j.StartedAt.IsZero() {
			j.StartedAt = c.opts.Now()
		}
		return fmt.Sprintf("submitted %s on %s", handle, res.NodeClass), nil
	})
	if uerr != nil || !changed {
		c.release(res.ID)
		c.cancelRemote(handle)
	}
}

func (c *Coordinator) submissionFailed(ctx context.Context, id string, cause error) {
	transient := engine.IsTransient(cause)
	job, changed, err := c.deps.Ledger.Update(ctx, id, func(j *state.JobRecord) (string, error) {
		if j.State != state.JobResourceReserving {
			return "", ledger.ErrNoChange
		}
		j.LastError = cause.Error()
		if transient && j.RetryCount < c.opts.MaxRetries {
			j.RetryCount++
			j.State = state.JobRetrying
			return "submission retry: " + cause.Error(), nil
		}
		j.State = state.JobFailed
		j.ReasonCode = ReasonSubmissionFailed
		return "submission failed: " + cause.Error(), nil
	})
	if err != nil || !changed {
		return
	}
	if job.State == state.JobFailed {
		c.afterFailure(ctx, job)
		return
	}
	fire := func() {
		if err := c.dispatch.enqueue(context.Background(), id, func(ctx context.Context) { c.reserve(ctx, id) }); err != nil {
			log.Printf("coordinator: requeue %s: %v", id, err)
		}
	}
	if !c.waiting.park(id, job.Priority, c.opts.WaitPoll, fire) {
		c.failJob(ctx, id, ReasonSubmissionFailed, "wait queue full")
	}
}

// Cancel is accepted for any job. Terminal jobs are left untouched.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	var res *state.Reservation
	var handle string
	job, changed, err := c.deps.Ledger.Update(ctx, id, func(j *state.JobRecord) (string, error) {
		if state.IsTerminal(j.State) {
			return "", ledger.ErrNoChange
		}
		res = j.Reservation
		handle = j.DAGHandle
		j.State = state.JobCancelled
		j.ReasonCode = ReasonCancelled
		j.Reservation = nil
		return "cancelled by request", nil
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return ErrUnknownJob
	}
	if err != nil || !changed {
		return err
	}
	c.waiting.remove(id)
	if res != nil {
		c.release(res.ID)
	}
	c.abandonLease(job)
	if handle != "" {
		c.cancelRemote(engine.Handle(handle))
	}
	return nil
}

// failJob moves any non-terminal job to Failed.
func (c *Coordinator) failJob(ctx context.Context, id, code, msg string) {
	job, changed, err := c.deps.Ledger.Update(ctx, id, func(j *state.JobRecord) (string, error) {
		if state.IsTerminal(j.State) {
			return "", ledger.ErrNoChange
		}
		j.State = state.JobFailed
		j.ReasonCode = code
		j.LastError = msg
		return code + ": " + msg, nil
	})
	if err != nil {
		log.Printf("coordinator: fail %s: %v", id, err)
		return
	}
	if changed {
		c.afterFailure(ctx, job)
	}
}

func (c *Coordinator) afterFailure(_ context.Context, job state.JobRecord) {
	c.waiting.remove(job.ID)
	if job.Reservation != nil {
		c.release(job.Reservation.ID)
	}
	c.abandonLease(job)
	if !job.StartedAt.IsZero() {
		c.recordOutcome(job, false)
	}
}

func (c *Coordinator) release(id string) {
	if c.deps.Allocator.Release(id) {
		c.waiting.kick()
	}
}

func (c *Coordinator) abandonLease(job state.JobRecord) {
	tok, err := cache.ParseToken(job.CacheToken)
	if err != nil {
		log.Printf("coordinator: job %s: %v", job.ID, err)
		return
	}
	if !tok.IsZero() {
		c.deps.Cache.Abandon(tok)
	}
}

func (c *Coordinator) cancelRemote(h engine.Handle) {
	timeout := c.opts.Timeouts.Engine
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := c.deps.Engine.Cancel(ctx, h); err != nil {
			log.Printf("coordinator: engine cancel %s: %v", h, err)
		}
	}()
}

func (c *Coordinator) emitCompleted(job state.JobRecord, fromCache bool) {
	c.deps.Sink.Emit(observability.Event{
		Time:   c.opts.Now(),
		Kind:   observability.EventJobCompleted,
		JobID:  job.ID,
		Tenant: job.Tenant,
		Tier:   job.Tier.String(),
		Reason: job.Rationale,
		Fields: map[string]string{
			"result":      job.Result,
			"chosen_tier": job.ChosenTier.String(),
			"from_cache":  fmt.Sprint(fromCache),
		},
	})
}
