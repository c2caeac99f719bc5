package quality

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/example/wfcore/internal/cluster"
	"github.com/example/wfcore/internal/state"
)

func healthy() cluster.Snapshot {
	return cluster.Snapshot{Classes: map[string]cluster.ClassCapacity{
		"gpu": {Capacity: cluster.Resources{Accelerators: 8}, Available: cluster.Resources{Accelerators: 6}},
	}}
}

func fill(w *Window, tier state.Tier, class string, n int, d time.Duration, failures int) {
	for i := 0; i < n; i++ {
		w.Record(tier, class, Outcome{Success: i >= failures, Duration: d})
	}
}

func testAdvisor(w *Window) *Advisor {
	return NewAdvisor(w, Options{
		Bounds: map[state.Tier]Bounds{
			state.TierHigh:   {MaxP95: 10 * time.Minute, MaxFailureRate: 0.1},
			state.TierMedium: {MaxP95: 5 * time.Minute, MaxFailureRate: 0.1},
			state.TierLow:    {MaxP95: 2 * time.Minute, MaxFailureRate: 0.2},
		},
		MinSamples:       3,
		AcceleratorFloor: 0.2,
	})
}

func TestColdStartUsesNextLowerTier(t *testing.T) {
	a := testAdvisor(NewWindow(50))
	tier, why := a.ChooseTier(Request{Complexity: "dense", Ceiling: state.TierHigh}, healthy())
	assert.Equal(t, state.TierMedium, tier)
	assert.Contains(t, why, "cold start")

	tier, _ = a.ChooseTier(Request{Complexity: "dense", Ceiling: state.TierLow}, healthy())
	assert.Equal(t, state.TierLow, tier)
}

func TestPicksHighestTierWithinBounds(t *testing.T) {
	w := NewWindow(50)
	fill(w, state.TierHigh, "dense", 10, 20*time.Minute, 0)
	fill(w, state.TierMedium, "dense", 10, 3*time.Minute, 0)
	a := testAdvisor(w)

	tier, why := a.ChooseTier(Request{Complexity: "dense", Ceiling: state.TierHigh}, healthy())
	assert.Equal(t, state.TierMedium, tier)
	assert.Contains(t, why, "High: p95")

	fill(w, state.TierHigh, "simple", 10, time.Minute, 0)
	tier, _ = a.ChooseTier(Request{Complexity: "simple", Ceiling: state.TierHigh}, healthy())
	assert.Equal(t, state.TierHigh, tier)
}

func TestBoundaryValueResolvesLower(t *testing.T) {
	w := NewWindow(50)
	fill(w, state.TierHigh, "c", 10, 10*time.Minute, 0)
	fill(w, state.TierMedium, "c", 10, time.Minute, 0)
	a := testAdvisor(w)
	tier, _ := a.ChooseTier(Request{Complexity: "c", Ceiling: state.TierHigh}, healthy())
	assert.Equal(t, state.TierMedium, tier, "p95 equal to the bound is not strictly within it")

	w2 := NewWindow(10)
	fill(w2, state.TierHigh, "c", 10, time.Minute, 1)
	tier, _ = testAdvisor(w2).ChooseTier(Request{Complexity: "c", Ceiling: state.TierHigh}, healthy())
	assert.Equal(t, state.TierMedium, tier, "failure rate equal to the bound falls through")
}

func TestNoQualifyingTierStepsBelowCeiling(t *testing.T) {
	w := NewWindow(50)
	fill(w, state.TierHigh, "c", 10, time.Hour, 5)
	fill(w, state.TierMedium, "c", 10, time.Hour, 5)
	fill(w, state.TierLow, "c", 10, time.Hour, 5)
	tier, why := testAdvisor(w).ChooseTier(Request{Complexity: "c", Ceiling: state.TierHigh}, healthy())
	assert.Equal(t, state.TierMedium, tier)
	assert.Contains(t, why, "no tier within bounds")
}

func TestScarceClusterForcesOneMoreDowngrade(t *testing.T) {
	w := NewWindow(50)
	fill(w, state.TierHigh, "c", 10, time.Minute, 0)
	a := testAdvisor(w)

	stale := healthy()
	stale.Stale = true
	tier, why := a.ChooseTier(Request{Complexity: "c", Ceiling: state.TierHigh}, stale)
	assert.Equal(t, state.TierMedium, tier)
	assert.Contains(t, why, "stale")

	starved := cluster.Snapshot{Classes: map[string]cluster.ClassCapacity{
		"gpu": {Capacity: cluster.Resources{Accelerators: 10}, Available: cluster.Resources{Accelerators: 1}},
	}}
	tier, why = a.ChooseTier(Request{Complexity: "c", Ceiling: state.TierHigh}, starved)
	assert.Equal(t, state.TierMedium, tier)
	assert.True(t, strings.Contains(why, "accelerator availability"))

	tier, _ = a.ChooseTier(Request{Complexity: "c", Ceiling: state.TierLow}, starved)
	assert.Equal(t, state.TierLow, tier)
}

func TestWindowKeepsMostRecentOutcomes(t *testing.T) {
	w := NewWindow(4)
	fill(w, state.TierLow, "c", 4, time.Second, 4)
	fill(w, state.TierLow, "c", 4, 2*time.Second, 0)
	s := w.Summary(state.TierLow, " C ")
	assert.Equal(t, 4, s.Samples)
	assert.Zero(t, s.FailureRate)
	assert.Equal(t, 2*time.Second, s.P95)
	assert.Equal(t, Summary{}, w.Summary(state.TierHigh, "c"))
}

func TestP95PicksUpperTail(t *testing.T) {
	w := NewWindow(100)
	for i := 1; i <= 100; i++ {
		w.Record(state.TierMedium, "c", Outcome{Success: true, Duration: time.Duration(i) * time.Second})
	}
	assert.Equal(t, 95*time.Second, w.Summary(state.TierMedium, "c").P95)
}
