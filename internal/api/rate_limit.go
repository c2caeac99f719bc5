package api

import (
	"sync"
	"time"

	"github.com/example/wfcore/internal/config"
)

// submitLimiter is a sliding one-minute window over admissions, per tenant
// and across all tenants. A zero limit disables that check.
type submitLimiter struct {
	mu           sync.Mutex
	perTenantMax int
	globalMax    int
	window       time.Duration
	tenants      map[string][]int64
	global       []int64
}

func newSubmitLimiterFromEnv() *submitLimiter {
	return newSubmitLimiter(
		config.GetenvInt("WFCORE_SUBMIT_RATE_LIMIT_PER_MIN", 600),
		config.GetenvInt("WFCORE_SUBMIT_GLOBAL_RATE_LIMIT_PER_MIN", 3000),
	)
}

func newSubmitLimiter(perTenant, global int) *submitLimiter {
	if perTenant < 0 {
		perTenant = 0
	}
	if global < 0 {
		global = 0
	}
	return &submitLimiter{
		perTenantMax: perTenant,
		globalMax:    global,
		window:       time.Minute,
		tenants:      map[string][]int64{},
		global:       make([]int64, 0, 256),
	}
}

func (l *submitLimiter) allow(tenant string, now time.Time) bool {
	if l == nil || (l.perTenantMax == 0 && l.globalMax == 0) {
		return true
	}
	ts := now.UTC().UnixMilli()
	cutoff := ts - l.window.Milliseconds()
	if tenant == "" {
		tenant = "default"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.global = trimCutoff(l.global, cutoff)
	if l.globalMax > 0 && len(l.global) >= l.globalMax {
		return false
	}
	history := trimCutoff(l.tenants[tenant], cutoff)
	if l.perTenantMax > 0 && len(history) >= l.perTenantMax {
		l.tenants[tenant] = history
		return false
	}
	l.tenants[tenant] = append(history, ts)
	l.global = append(l.global, ts)
	return true
}

func trimCutoff(in []int64, cutoff int64) []int64 {
	i := 0
	for i < len(in) && in[i] <= cutoff {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]int64, len(in)-i)
	copy(out, in[i:])
	return out
}

// invalidateGuard caps cache invalidations per minute.
type invalidateGuard struct {
	perMin int
	mu     sync.Mutex
	recent []int64
}

func newInvalidateGuardFromEnv() *invalidateGuard {
	return &invalidateGuard{perMin: config.GetenvInt("WFCORE_INVALIDATE_RATE_LIMIT_PER_MIN", 30)}
}

func (g *invalidateGuard) allow(now time.Time) bool {
	if g == nil || g.perMin <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := now.Add(-time.Minute).UnixMilli()
	kept := g.recent[:0]
	for _, ts := range g.recent {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	g.recent = kept
	if len(g.recent) >= g.perMin {
		return false
	}
	g.recent = append(g.recent, now.UnixMilli())
	return true
}
