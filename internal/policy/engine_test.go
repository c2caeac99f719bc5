package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/example/wfcore/internal/state"
)

func TestEvaluateSubmitQuotaAndDenyRule(t *testing.T) {
	floor := 3
	engine := NewFromConfig(Config{
		DefaultAction: "allow",
		TenantQuotas: map[string]TenantQuota{
			"tenant-a": {MaxRunningJobs: 1},
		},
		Rules: []Rule{
			{
				Name:   "deny-low-priority-sculpture",
				Effect: "deny",
				Reason: "sculpture_requires_priority",
				Match: RuleMatch{
					Category:      "sculpture",
					PriorityBelow: &floor,
				},
			},
		},
	})

	d := engine.EvaluateSubmit(SubmitInput{Tenant: "tenant-a", Category: "Sculpture", Priority: 1})
	if d.Allowed {
		t.Fatalf("expected deny decision")
	}
	if d.ReasonCode != "sculpture_requires_priority" {
		t.Fatalf("unexpected reason code: %s", d.ReasonCode)
	}

	d = engine.EvaluateSubmit(SubmitInput{Tenant: "tenant-a", Category: "sculpture", Priority: 5})
	if !d.Allowed {
		t.Fatalf("expected allow for high priority, got %+v", d)
	}

	d = engine.EvaluateSubmit(SubmitInput{Tenant: "tenant-a", Category: "ceramic", RunningJobs: 1})
	if d.Allowed {
		t.Fatalf("expected quota deny decision")
	}
	if d.ReasonCode != "quota_running_jobs_exceeded" {
		t.Fatalf("unexpected quota reason code: %s", d.ReasonCode)
	}
}

func TestCeilingFromPlans(t *testing.T) {
	engine := NewFromConfig(Config{
		Plans: map[string]Plan{
			"basic": {MaxTier: state.TierMedium},
			"pro":   {MaxTier: state.TierHigh},
		},
		TenantPlans: map[string]string{"acme": "pro"},
		DefaultPlan: "basic",
	})
	if got := engine.Ceiling("acme"); got != state.TierHigh {
		t.Fatalf("acme ceiling: got %s", got)
	}
	if got := engine.Ceiling("walk-in"); got != state.TierMedium {
		t.Fatalf("default plan ceiling: got %s", got)
	}

	d := engine.EvaluateSubmit(SubmitInput{Tenant: "walk-in", RequestedTier: state.TierHigh})
	if d.Allowed || d.ReasonCode != ReasonCeilingExceeded {
		t.Fatalf("expected ceiling violation, got %+v", d)
	}
	d = engine.EvaluateSubmit(SubmitInput{Tenant: "walk-in", RequestedTier: state.TierMedium})
	if !d.Allowed {
		t.Fatalf("expected allow at ceiling, got %+v", d)
	}
}

func TestLoadFileParsesTierNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `
default_action: allow
default_plan: starter
plans:
  starter:
    max_tier: low
rules:
  - name: block-tenant
    effect: deny
    reason: tenant_blocked
    match:
      tenant: blocked
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	engine, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if engine.IsNoop() {
		t.Fatalf("engine with rules should not be noop")
	}
	if got := engine.Ceiling("anyone"); got != state.TierLow {
		t.Fatalf("expected Low ceiling, got %s", got)
	}
	if d := engine.EvaluateSubmit(SubmitInput{Tenant: "blocked"}); d.Allowed || d.ReasonCode != "tenant_blocked" {
		t.Fatalf("expected tenant_blocked deny, got %+v", d)
	}
}

func TestAllowAllDefaultsToHighCeiling(t *testing.T) {
	e := NewAllowAll()
	if !e.IsNoop() || e.Ceiling("x") != state.TierHigh {
		t.Fatalf("allow-all engine should be noop with High ceiling")
	}
}
