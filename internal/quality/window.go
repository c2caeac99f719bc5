package quality

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/wfcore/internal/state"
)

type Outcome struct {
	Success  bool
	Duration time.Duration
}

type Summary struct {
	Samples     int
	FailureRate float64
	P95         time.Duration
}

// Window keeps the most recent outcomes per (tier, complexity class).
type Window struct {
	mu    sync.Mutex
	size  int
	rings map[windowKey]*ring
}

type windowKey struct {
	tier       state.Tier
	complexity string
}

type ring struct {
	buf  []Outcome
	next int
	full bool
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = 200
	}
	return &Window{size: size, rings: make(map[windowKey]*ring)}
}

func (w *Window) Record(tier state.Tier, complexity string, o Outcome) {
	k := windowKey{tier: tier, complexity: normalizeClass(complexity)}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[k]
	if !ok {
		r = &ring{buf: make([]Outcome, w.size)}
		w.rings[k] = r
	}
	r.buf[r.next] = o
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (w *Window) Summary(tier state.Tier, complexity string) Summary {
	k := windowKey{tier: tier, complexity: normalizeClass(complexity)}
	w.mu.Lock()
	r, ok := w.rings[k]
	var samples []Outcome
	if ok {
		n := r.next
		if r.full {
			n = len(r.buf)
		}
		samples = append(samples, r.buf[:n]...)
	}
	w.mu.Unlock()
	if len(samples) == 0 {
		return Summary{}
	}
	failures := 0
	durations := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		if !s.Success {
			failures++
		}
		durations = append(durations, s.Duration)
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	idx := (len(durations)*95+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	return Summary{
		Samples:     len(samples),
		FailureRate: float64(failures) / float64(len(samples)),
		P95:         durations[idx],
	}
}

func normalizeClass(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return "default"
	}
	return c
}
