package coordinator

import (
	"time"

	"github.com/example/wfcore/internal/state"
)

// JobView is the read model returned by GetStatus.
type JobView struct {
	ID            string             `json:"id"`
	Tenant        string             `json:"tenant"`
	State         state.JobState     `json:"state"`
	Terminal      bool               `json:"terminal"`
	Fingerprint   string             `json:"fingerprint"`
	RequestedTier state.Tier         `json:"requested_tier"`
	ChosenTier    state.Tier         `json:"chosen_tier"`
	Tier          state.Tier         `json:"tier"`
	Downgraded    bool               `json:"downgraded"`
	Priority      int                `json:"priority"`
	Rationale     string             `json:"rationale,omitempty"`
	ReasonCode    string             `json:"reason_code,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
	Result        string             `json:"result,omitempty"`
	DAGHandle     string             `json:"dag_handle,omitempty"`
	Checkpoint    string             `json:"checkpoint,omitempty"`
	RetryCount    int                `json:"retry_count"`
	Reservation   *state.Reservation `json:"reservation,omitempty"`
	RequestedAt   time.Time          `json:"requested_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func viewOf(j state.JobRecord) JobView {
	return JobView{
		ID:            j.ID,
		Tenant:        j.Tenant,
		State:         j.State,
		Terminal:      state.IsTerminal(j.State),
		Fingerprint:   j.Fingerprint,
		RequestedTier: j.RequestedTier,
		ChosenTier:    j.ChosenTier,
		Tier:          j.Tier,
		Downgraded:    j.Downgraded,
		Priority:      j.Priority,
		Rationale:     j.Rationale,
		ReasonCode:    j.ReasonCode,
		LastError:     j.LastError,
		Result:        j.Result,
		DAGHandle:     j.DAGHandle,
		Checkpoint:    j.Checkpoint,
		RetryCount:    j.RetryCount,
		Reservation:   j.Clone().Reservation,
		RequestedAt:   j.RequestedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}
