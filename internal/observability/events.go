package observability

import (
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"
)

// Event kinds emitted by the coordination core.
const (
	EventTransition       = "job.transition"
	EventAllocatorGrant   = "allocator.grant"
	EventAllocatorDeny    = "allocator.deny"
	EventAllocatorRelease = "allocator.release"
	EventAllocatorReclaim = "allocator.reclaim"
	EventCacheHit         = "cache.hit"
	EventCacheMiss        = "cache.miss"
	EventCacheWrite       = "cache.write"
	EventCacheConflict    = "cache.conflict"
	EventCacheDegraded    = "cache.degraded"
	EventCacheInvalidate  = "cache.invalidate"
	EventJobCompleted     = "job.completed"
	EventPolicyDecision   = "policy.decision"
)

type Event struct {
	Time   time.Time         `json:"time"`
	Kind   string            `json:"kind"`
	JobID  string            `json:"job_id,omitempty"`
	Tenant string            `json:"tenant,omitempty"`
	From   string            `json:"from,omitempty"`
	To     string            `json:"to,omitempty"`
	Tier   string            `json:"tier,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Sink receives structured events. Implementations must not block.
type Sink interface {
	Emit(Event)
}

type NopSink struct{}

func (NopSink) Emit(Event) {}

// LogSink writes one JSON object per event.
type LogSink struct {
	logger *log.Logger
}

func NewLogSink(w io.Writer) *LogSink {
	return &LogSink{logger: log.New(w, "", 0)}
}

func (s *LogSink) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		s.logger.Printf(`{"kind":"observability.error","reason":%q}`, err.Error())
		return
	}
	s.logger.Print(string(b))
}

type MultiSink []Sink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// MetricsSink turns events into counters on a Registry.
type MetricsSink struct {
	Registry *Registry
}

func (m MetricsSink) Emit(ev Event) {
	r := m.Registry
	if r == nil {
		r = Default
	}
	switch ev.Kind {
	case EventTransition:
		r.IncCounter("wfcore_job_transitions_total", map[string]string{"to": ev.To}, 1)
	case EventCacheHit, EventCacheMiss:
		result := "miss"
		if ev.Kind == EventCacheHit {
			result = "hit"
		}
		r.IncCounter("wfcore_cache_lookups_total", map[string]string{"result": result, "tier": ev.Tier}, 1)
	case EventAllocatorGrant, EventAllocatorDeny:
		decision := "grant"
		if ev.Kind == EventAllocatorDeny {
			decision = "deny"
		}
		r.IncCounter("wfcore_allocator_decisions_total", map[string]string{"decision": decision, "tier": ev.Tier}, 1)
	default:
		r.IncCounter("wfcore_events_total", map[string]string{"kind": ev.Kind}, 1)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many recorded events have the given kind.
func (r *Recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
