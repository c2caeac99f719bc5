package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wfcore/internal/state"
)

func newTestLedger(t *testing.T) (*Ledger, *[]state.TransitionRecord) {
	t.Helper()
	var mu sync.Mutex
	var seen []state.TransitionRecord
	l := New(state.NewMemoryStore(), Options{Observer: func(_ state.JobRecord, tr state.TransitionRecord) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	}})
	return l, &seen
}

func TestUpdateValidatesTransitions(t *testing.T) {
	l, seen := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Create(ctx, state.JobRecord{ID: "j1", Tenant: "t"}, "admitted")
	require.NoError(t, err)

	_, _, err = l.Update(ctx, "j1", func(j *state.JobRecord) (string, error) {
		j.State = state.JobScheduled
		return "skip ahead", nil
	})
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, state.JobAdmitted, invalid.From)

	job, changed, err := l.Update(ctx, "j1", func(j *state.JobRecord) (string, error) {
		j.State = state.JobQualityChosen
		j.ChosenTier = state.TierHigh
		j.Tier = state.TierHigh
		return "advisor", nil
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, state.JobQualityChosen, job.State)

	hist, err := l.History(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, state.JobAdmitted, hist[1].From)
	assert.Equal(t, "advisor", hist[1].Reason)
	assert.Len(t, *seen, 2)
}

func TestUpdateNoChangeWritesNothing(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Create(ctx, state.JobRecord{ID: "j1"}, "")
	require.NoError(t, err)

	_, changed, err := l.Update(ctx, "j1", func(j *state.JobRecord) (string, error) {
		j.LastError = "should not persist"
		return "", ErrNoChange
	})
	require.NoError(t, err)
	assert.False(t, changed)
	got, err := l.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Empty(t, got.LastError)

	boom := errors.New("boom")
	_, _, err = l.Update(ctx, "j1", func(*state.JobRecord) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
}

func TestGetUnknownJob(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = l.Update(context.Background(), "missing", func(*state.JobRecord) (string, error) { return "", nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatesOnOneJobAreSerialized(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Create(ctx, state.JobRecord{ID: "j1"}, "")
	require.NoError(t, err)

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.Update(ctx, "j1", func(j *state.JobRecord) (string, error) {
				j.RetryCount++
				return "", nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	got, err := l.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, n, got.RetryCount)
	assert.Empty(t, l.locks)
}

func TestTerminalJobsLeaveMemory(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _ = l.Create(ctx, state.JobRecord{ID: "a", Tenant: "t1"}, "")
	_, _ = l.Create(ctx, state.JobRecord{ID: "b", Tenant: "t1"}, "")
	_, _, err := l.Update(ctx, "b", func(j *state.JobRecord) (string, error) {
		j.State = state.JobCancelled
		return "cancelled", nil
	})
	require.NoError(t, err)

	n, err := l.CountActive(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Contains(t, l.jobs, "a")
	assert.NotContains(t, l.jobs, "b")
	assert.Equal(t, 1, l.Cached())
	got, err := l.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, state.JobCancelled, got.State)
	assert.NotContains(t, l.jobs, "b", "reading a terminal job does not cache it")

	_, changed, err := l.Update(ctx, "b", func(j *state.JobRecord) (string, error) {
		j.State = state.JobRunning
		return "", nil
	})
	var invalid *InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
	assert.False(t, changed)

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("done-%d", i)
		_, err := l.Create(ctx, state.JobRecord{ID: id, Tenant: "t2"}, "")
		require.NoError(t, err)
		_, _, err = l.Update(ctx, id, func(j *state.JobRecord) (string, error) {
			j.State = state.JobFailed
			return "failed", nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, l.Cached())
}
