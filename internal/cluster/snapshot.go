// Package cluster holds the capacity view the allocator and advisor decide
// against. Snapshots are immutable once published.
package cluster

import (
	"sort"
	"time"
)

// Resources is a resource vector.
type Resources struct {
	CPUMilli     int64 `json:"cpu_milli" yaml:"cpu_milli"`
	MemoryBytes  int64 `json:"memory_bytes" yaml:"memory_bytes"`
	Accelerators int64 `json:"accelerators" yaml:"accelerators"`
}

func (r Resources) Add(o Resources) Resources {
	return Resources{r.CPUMilli + o.CPUMilli, r.MemoryBytes + o.MemoryBytes, r.Accelerators + o.Accelerators}
}

func (r Resources) Sub(o Resources) Resources {
	return Resources{r.CPUMilli - o.CPUMilli, r.MemoryBytes - o.MemoryBytes, r.Accelerators - o.Accelerators}
}

// Fits reports whether r fits inside o on every dimension.
func (r Resources) Fits(o Resources) bool {
	return r.CPUMilli <= o.CPUMilli && r.MemoryBytes <= o.MemoryBytes && r.Accelerators <= o.Accelerators
}

// Min takes the smaller value per dimension.
func (r Resources) Min(o Resources) Resources {
	return Resources{min64(r.CPUMilli, o.CPUMilli), min64(r.MemoryBytes, o.MemoryBytes), min64(r.Accelerators, o.Accelerators)}
}

func (r Resources) IsZero() bool { return r == Resources{} }

// Fraction is the smallest ratio r/of across dimensions of that are non-zero.
// It is 1 when of is zero.
func (r Resources) Fraction(of Resources) float64 {
	f := 1.0
	ratio := func(a, b int64) {
		if b <= 0 {
			return
		}
		v := float64(a) / float64(b)
		if v < f {
			f = v
		}
	}
	ratio(r.CPUMilli, of.CPUMilli)
	ratio(r.MemoryBytes, of.MemoryBytes)
	ratio(r.Accelerators, of.Accelerators)
	if f < 0 {
		return 0
	}
	return f
}

type ClassCapacity struct {
	Capacity  Resources `json:"capacity"`
	Available Resources `json:"available"`
}

type Snapshot struct {
	Classes map[string]ClassCapacity `json:"classes"`
	TakenAt time.Time                `json:"taken_at"`
	Stale   bool                     `json:"stale"`
}

// ClassNames returns the node classes in a stable order.
func (s Snapshot) ClassNames() []string {
	out := make([]string, 0, len(s.Classes))
	for k := range s.Classes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// AcceleratorFraction is available over total accelerators, or 1 when the
// cluster has none.
func (s Snapshot) AcceleratorFraction() float64 {
	var avail, total int64
	for _, c := range s.Classes {
		avail += c.Available.Accelerators
		total += c.Capacity.Accelerators
	}
	if total <= 0 {
		return 1
	}
	return float64(avail) / float64(total)
}

// MarkStale returns a copy of s flagged as stale.
func (s Snapshot) MarkStale() Snapshot {
	out := Snapshot{Classes: make(map[string]ClassCapacity, len(s.Classes)), TakenAt: s.TakenAt, Stale: true}
	for k, v := range s.Classes {
		out.Classes[k] = v
	}
	return out
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
