// Package engine is the port to the DAG execution engine that runs the
// containerized pipeline steps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/wfcore/internal/allocator"
	"github.com/example/wfcore/internal/planner"
)

// Handle identifies one submitted DAG run.
type Handle string

type Engine interface {
	SubmitDAG(ctx context.Context, dag planner.DAG, res allocator.Reservation) (Handle, error)
	Cancel(ctx context.Context, h Handle) error
}

// SubmissionError is returned by SubmitDAG. Transient failures may be retried.
type SubmissionError struct {
	Transient bool
	Status    int
	Err       error
}

func (e *SubmissionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s submission failure (status %d): %v", kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s submission failure: %v", kind, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying. Deadline overruns count
// as transient.
func IsTransient(err error) bool {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

type StepEvent struct {
	JobID   string     `json:"job_id"`
	Handle  Handle     `json:"handle"`
	StepID  string     `json:"step_id"`
	Status  StepStatus `json:"status"`
	Message string     `json:"message,omitempty"`
	At      time.Time  `json:"at"`
}

type JobStatus string

const (
	JobStarted   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type JobEvent struct {
	JobID   string    `json:"job_id"`
	Handle  Handle    `json:"handle"`
	Status  JobStatus `json:"status"`
	Outputs []string  `json:"outputs,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}
