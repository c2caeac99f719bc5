package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type flakyProvider struct {
	fail atomic.Bool
	snap Snapshot
}

func (p *flakyProvider) GetSnapshot(context.Context) (Snapshot, error) {
	if p.fail.Load() {
		return Snapshot{}, errors.New("unreachable")
	}
	return p.snap, nil
}

func TestRefresherMarksStaleOnFailure(t *testing.T) {
	p := &flakyProvider{snap: Snapshot{Classes: map[string]ClassCapacity{
		"gpu": {Capacity: Resources{CPUMilli: 8000, Accelerators: 4}, Available: Resources{CPUMilli: 8000, Accelerators: 4}},
	}, TakenAt: time.Now()}}
	var updates atomic.Int32
	r := NewRefresher(p, time.Hour, time.Second, func(Snapshot) { updates.Add(1) })

	if !r.Snapshot().Stale {
		t.Fatalf("snapshot before first refresh should be stale")
	}
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if r.Snapshot().Stale || len(r.Snapshot().Classes) != 1 {
		t.Fatalf("unexpected snapshot after refresh: %+v", r.Snapshot())
	}

	p.fail.Store(true)
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	s := r.Snapshot()
	if !s.Stale {
		t.Fatalf("expected stale snapshot after failed refresh")
	}
	if s.Classes["gpu"].Capacity.Accelerators != 4 {
		t.Fatalf("stale snapshot should keep last known capacity: %+v", s)
	}
	if updates.Load() != 2 {
		t.Fatalf("expected 2 updates, got %d", updates.Load())
	}
}

func TestHTTPProviderDecodesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Snapshot{Classes: map[string]ClassCapacity{
			"cpu": {Capacity: Resources{CPUMilli: 16000}, Available: Resources{CPUMilli: 4000}},
		}, Stale: true})
	}))
	defer srv.Close()

	s, err := NewHTTPProvider(srv.URL, "tok", time.Second).GetSnapshot(context.Background())
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if s.Stale || s.TakenAt.IsZero() {
		t.Fatalf("provider should stamp fresh snapshot: %+v", s)
	}
	if s.Classes["cpu"].Available.CPUMilli != 4000 {
		t.Fatalf("unexpected classes: %+v", s.Classes)
	}

	if _, err := NewHTTPProvider(srv.URL, "", time.Second).GetSnapshot(context.Background()); err == nil {
		t.Fatalf("expected error on 401")
	}
}

func TestResourceMath(t *testing.T) {
	capacity := Resources{CPUMilli: 1000, MemoryBytes: 100, Accelerators: 4}
	used := Resources{CPUMilli: 250, MemoryBytes: 90, Accelerators: 1}
	free := capacity.Sub(used)
	if got := free.Fraction(capacity); got < 0.099 || got > 0.101 {
		t.Fatalf("expected memory-bound fraction 0.1, got %v", got)
	}
	if !used.Fits(capacity) || capacity.Fits(used) {
		t.Fatalf("unexpected Fits results")
	}
	if (Resources{}).Fraction(Resources{}) != 1 {
		t.Fatalf("fraction of zero capacity should be 1")
	}
	s := Snapshot{Classes: map[string]ClassCapacity{
		"a": {Capacity: Resources{Accelerators: 4}, Available: Resources{Accelerators: 1}},
		"b": {Capacity: Resources{Accelerators: 4}, Available: Resources{Accelerators: 1}},
	}}
	if s.AcceleratorFraction() != 0.25 {
		t.Fatalf("expected accelerator fraction 0.25, got %v", s.AcceleratorFraction())
	}
}
