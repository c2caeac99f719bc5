package state

import (
	"context"
)

type Store interface {
	CreateJob(ctx context.Context, job JobRecord) error
	GetJob(ctx context.Context, jobID string) (JobRecord, bool, error)
	UpdateJob(ctx context.Context, job JobRecord) error
	ListJobs(ctx context.Context, query JobQuery) ([]JobRecord, error)
	CountJobsByTenantState(ctx context.Context, tenant string, states ...JobState) (int, error)
	AppendTransition(ctx context.Context, tr TransitionRecord) error
	ListTransitions(ctx context.Context, jobID string) ([]TransitionRecord, error)
	Close() error
}
