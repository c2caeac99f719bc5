package state

var transitions = map[JobState][]JobState{
	JobAdmitted:          {JobQualityChosen, JobFailed, JobCancelled},
	JobQualityChosen:     {JobCacheHit, JobCacheMiss, JobFailed, JobCancelled},
	JobCacheHit:          {JobCompleted, JobCancelled},
	JobCacheMiss:         {JobResourceReserving, JobFailed, JobCancelled},
	JobResourceReserving: {JobScheduled, JobRetrying, JobFailed, JobCancelled},
	JobScheduled:         {JobRunning, JobCompleted, JobRetrying, JobFailed, JobCancelled},
	JobRunning:           {JobCompleted, JobRetrying, JobFailed, JobCancelled},
	JobRetrying:          {JobResourceReserving, JobFailed, JobCancelled},
}

// CanTransition reports whether a job may move from one state to another.
func CanTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func IsTerminal(s JobState) bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// HoldsReservation reports whether a job in state s must carry a reservation.
func HoldsReservation(s JobState) bool {
	return s == JobScheduled || s == JobRunning
}

// ActiveStates are the non-terminal states counted against tenant quotas.
var ActiveStates = []JobState{
	JobAdmitted, JobQualityChosen, JobCacheHit, JobCacheMiss,
	JobResourceReserving, JobScheduled, JobRunning, JobRetrying,
}
