package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/wfcore/internal/allocator"
	"github.com/example/wfcore/internal/planner"
)

type Submission struct {
	Handle      Handle
	DAG         planner.DAG
	Reservation allocator.Reservation
}

// Fake is an in-process engine. It accepts every DAG unless failures are
// queued with FailNext, and calls OnSubmit after each accepted submission.
type Fake struct {
	OnSubmit func(Submission)

	mu          sync.Mutex
	seq         int
	failures    []error
	submissions []Submission
	cancels     []Handle
}

func NewFake() *Fake { return &Fake{} }

// FailNext makes the next n submissions fail with a SubmissionError.
func (f *Fake) FailNext(n int, transient bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.failures = append(f.failures, &SubmissionError{Transient: transient, Err: fmt.Errorf("injected failure %d", i+1)})
	}
}

func (f *Fake) SubmitDAG(ctx context.Context, dag planner.DAG, res allocator.Reservation) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", &SubmissionError{Transient: true, Err: err}
	}
	f.mu.Lock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		f.mu.Unlock()
		return "", err
	}
	f.seq++
	sub := Submission{Handle: Handle(fmt.Sprintf("fake-%s-%d", dag.JobID, f.seq)), DAG: dag, Reservation: res}
	f.submissions = append(f.submissions, sub)
	hook := f.OnSubmit
	f.mu.Unlock()
	if hook != nil {
		hook(sub)
	}
	return sub.Handle, nil
}

func (f *Fake) Cancel(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, h)
	return nil
}

func (f *Fake) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submissions...)
}

func (f *Fake) Cancels() []Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Handle(nil), f.cancels...)
}

// Last returns the most recent submission for jobID.
func (f *Fake) Last(jobID string) (Submission, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.submissions) - 1; i >= 0; i-- {
		if f.submissions[i].DAG.JobID == jobID {
			return f.submissions[i], true
		}
	}
	return Submission{}, false
}
