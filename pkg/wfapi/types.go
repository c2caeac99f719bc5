// Package wfapi holds the JSON bodies exchanged with the coordinator's HTTP
// surface.
package wfapi

import (
	"encoding/json"
	"time"
)

type SubmitJobRequest struct {
	Tenant          string          `json:"tenant,omitempty"`
	Category        string          `json:"category,omitempty"`
	Complexity      string          `json:"complexity,omitempty"`
	Priority        int             `json:"priority"`
	RequestedTier   string          `json:"requested_tier,omitempty"`
	PipelineVersion string          `json:"pipeline_version,omitempty"`
	Descriptor      json.RawMessage `json:"descriptor"`
}

type SubmitJobResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

type Reservation struct {
	ID               string    `json:"id"`
	NodeClass        string    `json:"node_class"`
	CPUMilli         int64     `json:"cpu_milli"`
	MemoryBytes      int64     `json:"memory_bytes"`
	AcceleratorUnits int64     `json:"accelerator_units"`
	ExpiresAt        time.Time `json:"expires_at"`
	Active           bool      `json:"active"`
}

type JobStatusResponse struct {
	JobID         string       `json:"job_id"`
	Tenant        string       `json:"tenant"`
	State         string       `json:"state"`
	Terminal      bool         `json:"terminal"`
	Fingerprint   string       `json:"fingerprint"`
	RequestedTier string       `json:"requested_tier,omitempty"`
	ChosenTier    string       `json:"chosen_tier,omitempty"`
	Tier          string       `json:"tier,omitempty"`
	Downgraded    bool         `json:"downgraded"`
	Rationale     string       `json:"rationale,omitempty"`
	ReasonCode    string       `json:"reason_code,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	Result        string       `json:"result,omitempty"`
	DAGHandle     string       `json:"dag_handle,omitempty"`
	Checkpoint    string       `json:"checkpoint,omitempty"`
	RetryCount    int          `json:"retry_count"`
	Reservation   *Reservation `json:"reservation,omitempty"`
	CreatedAt     string       `json:"created_at"`
	UpdatedAt     string       `json:"updated_at"`
}

type Transition struct {
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Tier      string `json:"tier,omitempty"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at"`
}

type JobHistoryResponse struct {
	JobID       string       `json:"job_id"`
	Transitions []Transition `json:"transitions"`
}

type ListJobsResponse struct {
	Jobs []JobStatusResponse `json:"jobs"`
}

type CancelJobResponse struct {
	Accepted bool   `json:"accepted"`
	State    string `json:"state"`
}

// EngineEvent is the callback body posted by the execution engine. Step
// events carry StepID; job events leave it empty.
type EngineEvent struct {
	JobID   string   `json:"job_id,omitempty"`
	Handle  string   `json:"handle"`
	StepID  string   `json:"step_id,omitempty"`
	Status  string   `json:"status"`
	Message string   `json:"message,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type InvalidateRequest struct {
	Tag string `json:"tag"`
}

type InvalidateResponse struct {
	Tag     string `json:"tag"`
	Removed int    `json:"removed"`
}

type ErrorResponse struct {
	Error      string `json:"error"`
	ReasonCode string `json:"reason_code,omitempty"`
	JobID      string `json:"job_id,omitempty"`
}
