package observability

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry hands out prometheus counters and gauges by name. The label set of
// a metric is fixed by its first use; later calls fill missing labels with ""
// and drop unknown ones.
type Registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*counterVec
	gauges   map[string]*gaugeVec
}

type counterVec struct {
	labels []string
	vec    *prometheus.CounterVec
}

type gaugeVec struct {
	labels []string
	vec    *prometheus.GaugeVec
}

func NewRegistry() *Registry {
	return &Registry{
		prom:     prometheus.NewRegistry(),
		counters: make(map[string]*counterVec),
		gauges:   make(map[string]*gaugeVec),
	}
}

var Default = NewRegistry()

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta <= 0 {
		return
	}
	c := r.counter(name, labels)
	if c == nil {
		return
	}
	c.vec.With(fitLabels(c.labels, labels)).Add(delta)
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	g := r.gauge(name, labels)
	if g == nil {
		return
	}
	g.vec.With(fitLabels(g.labels, labels)).Set(value)
}

// CounterValue reads back a counter; zero when it was never incremented.
func (r *Registry) CounterValue(name string, labels map[string]string) float64 {
	r.mu.Lock()
	c := r.counters[sanitizeMetricName(name)]
	r.mu.Unlock()
	if c == nil {
		return 0
	}
	m := &dto.Metric{}
	if err := c.vec.With(fitLabels(c.labels, labels)).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func (r *Registry) GaugeValue(name string, labels map[string]string) float64 {
	r.mu.Lock()
	g := r.gauges[sanitizeMetricName(name)]
	r.mu.Unlock()
	if g == nil {
		return 0
	}
	m := &dto.Metric{}
	if err := g.vec.With(fitLabels(g.labels, labels)).Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func (r *Registry) Gatherer() prometheus.Gatherer { return r.prom }

// Handler serves the registry in the prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

func (r *Registry) counter(name string, labels map[string]string) *counterVec {
	name = sanitizeMetricName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	keys := labelNames(labels)
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, keys)
	if err := r.prom.Register(vec); err != nil {
		return nil
	}
	c := &counterVec{labels: keys, vec: vec}
	r.counters[name] = c
	return c
}

func (r *Registry) gauge(name string, labels map[string]string) *gaugeVec {
	name = sanitizeMetricName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	keys := labelNames(labels)
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, keys)
	if err := r.prom.Register(vec); err != nil {
		return nil
	}
	g := &gaugeVec{labels: keys, vec: vec}
	r.gauges[name] = g
	return g
}

func labelNames(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, sanitizeMetricName(k))
	}
	sort.Strings(keys)
	return keys
}

func fitLabels(names []string, labels map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(names))
	for _, n := range names {
		out[n] = ""
	}
	for k, v := range labels {
		k = sanitizeMetricName(k)
		if _, ok := out[k]; ok {
			out[k] = v
		}
	}
	return out
}

func sanitizeMetricName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "wfcore_metric"
	}
	out := make([]rune, 0, len(name))
	for i, r := range name {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if valid {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
