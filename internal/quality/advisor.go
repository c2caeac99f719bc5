// Package quality picks how much compute a job deserves.
package quality

import (
	"fmt"
	"strings"
	"time"

	"github.com/example/wfcore/internal/cluster"
	"github.com/example/wfcore/internal/state"
)

// Bounds a tier must stay strictly inside to be chosen.
type Bounds struct {
	MaxP95         time.Duration `yaml:"max_p95"`
	MaxFailureRate float64       `yaml:"max_failure_rate"`
}

type Options struct {
	Bounds map[state.Tier]Bounds
	// A tier with fewer samples than MinSamples does not qualify.
	MinSamples int
	// AcceleratorFloor is the free accelerator fraction below which the
	// choice is pushed one tier down.
	AcceleratorFloor float64
}

type Request struct {
	Complexity string
	Ceiling    state.Tier
}

type Advisor struct {
	window *Window
	opts   Options
}

func NewAdvisor(w *Window, opts Options) *Advisor {
	if opts.MinSamples <= 0 {
		opts.MinSamples = 5
	}
	if opts.Bounds == nil {
		opts.Bounds = map[state.Tier]Bounds{
			state.TierHigh:   {MaxP95: 30 * time.Minute, MaxFailureRate: 0.10},
			state.TierMedium: {MaxP95: 15 * time.Minute, MaxFailureRate: 0.10},
			state.TierLow:    {MaxP95: 5 * time.Minute, MaxFailureRate: 0.20},
		}
	}
	return &Advisor{window: w, opts: opts}
}

func (a *Advisor) Window() *Window { return a.window }

// ChooseTier never fails; every path returns a tier and its rationale.
func (a *Advisor) ChooseTier(req Request, snap cluster.Snapshot) (state.Tier, string) {
	ceiling := req.Ceiling
	if !ceiling.Valid() {
		ceiling = state.TierHigh
	}
	class := normalizeClass(req.Complexity)
	notes := []string{fmt.Sprintf("ceiling %s", ceiling)}

	tier := state.TierUnknown
	if !a.hasStats(ceiling, class) {
		tier = ceiling.Lower()
		notes = append(notes, fmt.Sprintf("no outcome statistics for %s, cold start at %s", class, tier))
	} else {
		for t := ceiling; t >= state.TierLow; t-- {
			ok, why := a.qualifies(t, class)
			notes = append(notes, why)
			if ok {
				tier = t
				break
			}
		}
		if tier == state.TierUnknown {
			tier = ceiling.Lower()
			notes = append(notes, fmt.Sprintf("no tier within bounds, stepping down to %s", tier))
		}
	}

	switch {
	case snap.Stale:
		tier = tier.Lower()
		notes = append(notes, fmt.Sprintf("cluster snapshot stale, downgraded to %s", tier))
	case snap.AcceleratorFraction() < a.opts.AcceleratorFloor:
		tier = tier.Lower()
		notes = append(notes, fmt.Sprintf("accelerator availability %.2f below floor %.2f, downgraded to %s",
			snap.AcceleratorFraction(), a.opts.AcceleratorFloor, tier))
	}
	return tier, strings.Join(notes, "; ")
}

func (a *Advisor) hasStats(ceiling state.Tier, class string) bool {
	for t := ceiling; t >= state.TierLow; t-- {
		if a.window.Summary(t, class).Samples > 0 {
			return true
		}
	}
	return false
}

func (a *Advisor) qualifies(t state.Tier, class string) (bool, string) {
	s := a.window.Summary(t, class)
	if s.Samples < a.opts.MinSamples {
		return false, fmt.Sprintf("%s: %d samples, need %d", t, s.Samples, a.opts.MinSamples)
	}
	b, ok := a.opts.Bounds[t]
	if !ok {
		return false, fmt.Sprintf("%s: no bounds configured", t)
	}
	if s.P95 >= b.MaxP95 {
		return false, fmt.Sprintf("%s: p95 %s not under %s", t, s.P95, b.MaxP95)
	}
	if s.FailureRate >= b.MaxFailureRate {
		return false, fmt.Sprintf("%s: failure rate %.2f not under %.2f", t, s.FailureRate, b.MaxFailureRate)
	}
	return true, fmt.Sprintf("%s: p95 %s and failure rate %.2f within bounds", t, s.P95, s.FailureRate)
}
