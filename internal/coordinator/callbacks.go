package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/example/wfcore/internal/artifacts"
	"github.com/example/wfcore/internal/cache"
	"github.com/example/wfcore/internal/engine"
	"github.com/example/wfcore/internal/ledger"
	"github.com/example/wfcore/internal/planner"
	"github.com/example/wfcore/internal/state"
)

// OnStepEvent queues a step callback behind any other work for its job.
func (c *Coordinator) OnStepEvent(ctx context.Context, ev engine.StepEvent) error {
	if ev.Handle == "" {
		return ErrMissingHandle
	}
	id, err := c.resolve(ev.JobID, ev.Handle)
	if err != nil {
		return err
	}
	return c.dispatch.enqueue(ctx, id, func(ctx context.Context) { c.applyStep(ctx, id, ev) })
}

// OnJobEvent queues a terminal or start callback. Events for a handle that
// no longer belongs to the job are dropped when applied.
func (c *Coordinator) OnJobEvent(ctx context.Context, ev engine.JobEvent) error {
	if ev.Handle == "" {
		return ErrMissingHandle
	}
	id, err := c.resolve(ev.JobID, ev.Handle)
	if err != nil {
		return err
	}
	return c.dispatch.enqueue(ctx, id, func(ctx context.Context) { c.applyJob(ctx, id, ev) })
}

func (c *Coordinator) resolve(jobID string, h engine.Handle) (string, error) {
	if jobID != "" {
		return jobID, nil
	}
	if id, ok := c.jobForHandle(h); ok {
		return id, nil
	}
	return "", ErrUnknownJob
}

// current reports whether h is the handle of the job's live attempt.
func current(j *state.JobRecord, h engine.Handle) bool {
	if state.IsTerminal(j.State) {
		return false
	}
	if j.State != state.JobScheduled && j.State != state.JobRunning {
		return false
	}
	return h != "" && string(h) == j.DAGHandle
}

func (c *Coordinator) applyStep(ctx context.Context, id string, ev engine.StepEvent) {
	_, _, err := c.deps.Ledger.Update(ctx, id, func(j *state.JobRecord) (string, error) {
		if !current(j, ev.Handle) {
			return "", ledger.ErrNoChange
		}
		switch ev.Status {
		case engine.StepStarted:
			if j.State == state.JobScheduled {
				j.State = state.JobRunning
				return "step " + ev.StepID + " started", nil
			}
			return "", ledger.ErrNoChange
		case engine.StepSucceeded:
			cp := planner.AddToCheckpoint(j.Checkpoint, ev.StepID)
			if cp == j.Checkpoint && j.State == state.JobRunning {
				return "", ledger.ErrNoChange
			}
			j.Checkpoint = cp
			if j.State == state.JobScheduled {
				j.State = state.JobRunning
			}
			return "step " + ev.StepID + " succeeded", nil
		case engine.StepFailed:
			j.LastError = fmt.Sprintf("step %s: %s", ev.StepID, ev.Message)
			return "", nil
		default:
			return "", ledger.ErrNoChange
		}
	})
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		log.Printf("coordinator: step event for %s: %v", id, err)
	}
}

func (c *Coordinator) applyJob(ctx context.Context, id string, ev engine.JobEvent) {
	switch ev.Status {
	case engine.JobStarted:
		_, _, err := c.deps.Ledger.Update(ctx, id, func(j *state.JobRecord) (string, error) {
			if !current(j, ev.Handle) || j.State != state.JobScheduled {
				return "", ledger.ErrNoChange
			}
			j.State = state.JobRunning
			return "engine started " + j.DAGHandle, nil
		})
		if err != nil {
			log.Printf("coordinator: start event for %s: %v", id, err)
		}
	case engine.JobSucceeded:
		c.complete(ctx, id, ev)
	case engine.JobFailed:
		c.failOrRetry(ctx, id, ev)
	default:
		log.Printf("coordinator: job %s: ignoring engine status %q", id, ev.Status)
	}
}

// complete records the result. Only the caller that moves the job to
// Completed releases its lease, writes the cache and records the outcome, so
// duplicate success callbacks have no further effect.
func (c *Coordinator) complete(ctx context.Context, id string, ev engine.JobEvent) {
	job, err := c.deps.Ledger.Get(ctx, id)
	if err != nil || !current(&job, ev.Handle) {
		return
	}
	result := c.writeManifest(ctx, job, ev)

	var res *state.Reservation
	job, changed, err := c.deps.Ledger.Update(ctx, id, func(j *state.JobRecord) (string, error) {
		if !current(j, ev.Handle) {
			return "", ledger.ErrNoChange
		}
		res = j.Reservation
		j.State = state.JobCompleted
		j.Result = result
		j.Reservation = nil
		j.LastError = ""
		return "engine reported success", nil
	})
	if err != nil {
		log.Printf("coordinator: complete %s: %v", id, err)
		return
	}
	if !changed {
		return
	}
	if res != nil {
		c.release(res.ID)
	}
	c.storeResult(ctx, job)
	c.recordOutcome(job, true)
	c.emitCompleted(job, false)
}

func (c *Coordinator) writeManifest(ctx context.Context, job state.JobRecord, ev engine.JobEvent) string {
	if c.deps.Artifacts == nil {
		return strings.Join(ev.Outputs, ",")
	}
	actx, cancel := context.WithTimeout(ctx, c.opts.Timeouts.Artifacts)
	defer cancel()
	uri, err := artifacts.WriteManifest(actx, c.deps.Artifacts, artifacts.Manifest{
		JobID:           job.ID,
		Tenant:          job.Tenant,
		Fingerprint:     job.Fingerprint,
		ChosenTier:      job.ChosenTier.String(),
		Tier:            job.Tier.String(),
		PipelineVersion: job.PipelineVersion,
		Category:        job.Category,
		Handle:          string(ev.Handle),
		Outputs:         ev.Outputs,
		CreatedAt:       c.opts.Now(),
	})
	if err != nil {
		log.Printf("coordinator: manifest for %s: %v", job.ID, err)
		return strings.Join(ev.Outputs, ",")
	}
	return uri
}

// storeResult caches the result under the tier the advisor chose, tagged
// with the tier that actually ran.
func (c *Coordinator) storeResult(ctx context.Context, job state.JobRecord) {
	tok, err := cache.ParseToken(job.CacheToken)
	if err != nil || tok.IsZero() {
		return
	}
	tags := cache.Tags(job.PipelineVersion, job.Category, job.Tier)
	err = c.deps.Cache.Put(ctx, job.Fingerprint, job.ChosenTier, job.Result, tags, c.opts.CacheTTL, tok)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrConflict):
		log.Printf("coordinator: cache write for %s superseded: %v", job.ID, err)
	default:
		log.Printf("coordinator: cache write for %s skipped: %v", job.ID, err)
	}
}

// failOrRetry resubmits a failed run while the retry budget lasts.
func (c *Coordinator) failOrRetry(ctx context.Context, id string, ev engine.JobEvent) {
	var res *state.Reservation
	job, changed, err := c.deps.Ledger.Update(ctx, id, func(j *state.JobRecord) (string, error) {
		if !current(j, ev.Handle) {
			return "", ledger.ErrNoChange
		}
		res = j.Reservation
		j.Reservation = nil
		j.LastError = ev.Error
		if j.RetryCount < c.opts.MaxRetries {
			j.RetryCount++
			j.State = state.JobRetrying
			j.DAGHandle = ""
			from := j.Tier
			if c.opts.DowngradeOnRetry {
				j.Tier = j.Tier.Lower()
			}
			return fmt.Sprintf("attempt %d failed at %s: %s", j.RetryCount, from, ev.Error), nil
		}
		j.State = state.JobFailed
		j.ReasonCode = ReasonRetryBudgetExhausted
		return "retry budget exhausted: " + ev.Error, nil
	})
	if err != nil {
		log.Printf("coordinator: failure event for %s: %v", id, err)
		return
	}
	if !changed {
		return
	}
	if res != nil {
		c.release(res.ID)
	}
	if job.State == state.JobFailed {
		c.afterFailure(ctx, job)
		return
	}
	c.reserve(ctx, id)
}
