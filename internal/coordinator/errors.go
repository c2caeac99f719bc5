package coordinator

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrClosed     = errors.New("coordinator closed")

	// ErrMissingHandle rejects engine events that do not name the DAG
	// handle they belong to.
	ErrMissingHandle = errors.New("engine event has no handle")
)

// Reason codes recorded on failed and cancelled jobs.
const (
	ReasonInvalidDescriptor    = "invalid_descriptor"
	ReasonTenantCeiling        = "tenant_ceiling_exceeded"
	ReasonPolicyDenied         = "policy_denied"
	ReasonResourceExhausted    = "resource_exhausted"
	ReasonRetryBudgetExhausted = "retry_budget_exhausted"
	ReasonSubmissionFailed     = "submission_failed"
	ReasonCancelled            = "cancelled"
)

// AdmissionError is returned by Submit when a job is rejected outright. The
// job is still recorded, in state Failed.
type AdmissionError struct {
	JobID      string
	ReasonCode string
	Message    string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("job %s rejected (%s): %s", e.JobID, e.ReasonCode, e.Message)
}
