package state

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a discrete quality/cost level. Higher values spend more compute.
type Tier int

const (
	TierUnknown Tier = iota
	TierLow
	TierMedium
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "Low"
	case TierMedium:
		return "Medium"
	case TierHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// Lower returns the next tier down, bottoming out at Low.
func (t Tier) Lower() Tier {
	if t <= TierLow {
		return TierLow
	}
	return t - 1
}

func (t Tier) Valid() bool { return t >= TierLow && t <= TierHigh }

// MinTier returns the lower of a and b, ignoring unknown tiers.
func MinTier(a, b Tier) Tier {
	if !a.Valid() {
		return b
	}
	if !b.Valid() {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return TierLow, nil
	case "medium":
		return TierMedium, nil
	case "high":
		return TierHigh, nil
	default:
		return TierUnknown, fmt.Errorf("unknown tier %q", s)
	}
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tier) UnmarshalText(b []byte) error {
	if len(b) == 0 || strings.EqualFold(string(b), "unknown") {
		*t = TierUnknown
		return nil
	}
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

type JobState string

const (
	JobAdmitted          JobState = "Admitted"
	JobQualityChosen     JobState = "QualityChosen"
	JobCacheHit          JobState = "CacheHit"
	JobCacheMiss         JobState = "CacheMiss"
	JobResourceReserving JobState = "ResourceReserving"
	JobScheduled         JobState = "Scheduled"
	JobRunning           JobState = "Running"
	JobRetrying          JobState = "Retrying"
	JobCompleted         JobState = "Completed"
	JobFailed            JobState = "Failed"
	JobCancelled         JobState = "Cancelled"
)

// Reservation is a time-bounded claim on cluster capacity.
type Reservation struct {
	ID               string    `json:"id"`
	JobID            string    `json:"job_id"`
	Tier             Tier      `json:"tier"`
	Priority         int       `json:"priority"`
	NodeClass        string    `json:"node_class"`
	CPUMilli         int64     `json:"cpu_milli"`
	MemoryBytes      int64     `json:"memory_bytes"`
	AcceleratorUnits int64     `json:"accelerator_units"`
	ReservedAt       time.Time `json:"reserved_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	Active           bool      `json:"active"`
}

type JobRecord struct {
	ID              string
	Tenant          string
	Fingerprint     string
	Category        string
	Complexity      string
	PipelineVersion string
	Descriptor      string
	Priority        int
	RequestedTier   Tier
	ChosenTier      Tier
	Tier            Tier
	Downgraded      bool
	State           JobState
	Rationale       string
	ReasonCode      string
	Reservation     *Reservation
	DAGHandle       string
	Checkpoint      string
	RetryCount      int
	LastError       string
	Result          string
	CacheToken      string
	WaitDeadline    time.Time
	RequestedAt     time.Time
	StartedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a copy that shares no pointers with j.
func (j JobRecord) Clone() JobRecord {
	if j.Reservation != nil {
		r := *j.Reservation
		j.Reservation = &r
	}
	return j
}

type TransitionRecord struct {
	ID        int64
	JobID     string
	From      JobState
	To        JobState
	Tier      Tier
	Reason    string
	CreatedAt time.Time
}

type JobQuery struct {
	Tenant string
	States []JobState
	Limit  int
}
