package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/example/wfcore/internal/state"
)

const ReasonCeilingExceeded = "tenant_ceiling_exceeded"

type TenantQuota struct {
	MaxRunningJobs int `yaml:"max_running_jobs"`
}

// Plan bounds the quality a tenant may buy.
type Plan struct {
	MaxTier state.Tier `yaml:"max_tier"`
}

type RuleMatch struct {
	Tenant        string     `yaml:"tenant"`
	Category      string     `yaml:"category"`
	RequestedTier state.Tier `yaml:"requested_tier"`
	// PriorityBelow matches submissions with a priority strictly lower than it.
	PriorityBelow *int `yaml:"priority_below"`
}

type Rule struct {
	Name   string    `yaml:"name"`
	Effect string    `yaml:"effect"` // allow|deny
	Reason string    `yaml:"reason"`
	Match  RuleMatch `yaml:"match"`
}

type Config struct {
	DefaultAction string                 `yaml:"default_action"` // allow|deny
	Rules         []Rule                 `yaml:"rules"`
	TenantQuotas  map[string]TenantQuota `yaml:"tenant_quotas"`
	Plans         map[string]Plan        `yaml:"plans"`
	TenantPlans   map[string]string      `yaml:"tenant_plans"`
	DefaultPlan   string                 `yaml:"default_plan"`
}

type Decision struct {
	Allowed    bool
	ReasonCode string
	Rule       string
	Message    string
}

type SubmitInput struct {
	Tenant        string
	Category      string
	Priority      int
	RequestedTier state.Tier
	RunningJobs   int
}

type Engine struct {
	defaultAction string
	rules         []Rule
	quotas        map[string]TenantQuota
	plans         map[string]Plan
	tenantPlans   map[string]string
	defaultPlan   string
	noop          bool
}

func NewAllowAll() *Engine {
	return &Engine{
		defaultAction: "allow",
		quotas:        map[string]TenantQuota{},
		plans:         map[string]Plan{},
		tenantPlans:   map[string]string{},
		noop:          true,
	}
}

// LoadFromEnv reads the YAML file named by WFCORE_POLICY_FILE, or allows
// everything at the High ceiling when it is unset.
func LoadFromEnv() (*Engine, error) {
	path := strings.TrimSpace(os.Getenv("WFCORE_POLICY_FILE"))
	if path == "" {
		return NewAllowAll(), nil
	}
	return LoadFile(path)
}

func LoadFile(path string) (*Engine, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return NewFromConfig(cfg), nil
}

func NewFromConfig(cfg Config) *Engine {
	e := &Engine{
		defaultAction: normalizeAction(cfg.DefaultAction),
		rules:         make([]Rule, 0, len(cfg.Rules)),
		quotas:        map[string]TenantQuota{},
		plans:         map[string]Plan{},
		tenantPlans:   map[string]string{},
		defaultPlan:   strings.TrimSpace(cfg.DefaultPlan),
	}
	for _, r := range cfg.Rules {
		r.Effect = normalizeAction(r.Effect)
		if r.Effect == "" {
			r.Effect = "deny"
		}
		e.rules = append(e.rules, r)
	}
	for k, v := range cfg.TenantQuotas {
		e.quotas[strings.TrimSpace(k)] = v
	}
	for k, v := range cfg.Plans {
		e.plans[strings.TrimSpace(k)] = v
	}
	for k, v := range cfg.TenantPlans {
		e.tenantPlans[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if e.defaultAction == "" {
		e.defaultAction = "allow"
	}
	if e.defaultAction == "allow" && len(e.rules) == 0 && len(e.quotas) == 0 && len(e.plans) == 0 {
		e.noop = true
	}
	return e
}

func (e *Engine) IsNoop() bool { return e != nil && e.noop }

// Ceiling returns the highest tier the tenant's plan allows. Tenants without
// a plan, or plans without max_tier, get High.
func (e *Engine) Ceiling(tenant string) state.Tier {
	if e == nil {
		return state.TierHigh
	}
	name, ok := e.tenantPlans[normalizeTenant(tenant)]
	if !ok {
		name = e.defaultPlan
	}
	p, ok := e.plans[name]
	if !ok || !p.MaxTier.Valid() {
		return state.TierHigh
	}
	return p.MaxTier
}

func (e *Engine) EvaluateSubmit(in SubmitInput) Decision {
	tenant := normalizeTenant(in.Tenant)
	if ceiling := e.Ceiling(tenant); in.RequestedTier.Valid() && in.RequestedTier > ceiling {
		return Decision{
			Allowed:    false,
			ReasonCode: ReasonCeilingExceeded,
			Rule:       "plans",
			Message:    fmt.Sprintf("requested tier %s exceeds plan ceiling %s", in.RequestedTier, ceiling),
		}
	}
	if q, ok := e.quotas[tenant]; ok && q.MaxRunningJobs > 0 && in.RunningJobs >= q.MaxRunningJobs {
		return Decision{
			Allowed:    false,
			ReasonCode: "quota_running_jobs_exceeded",
			Rule:       "tenant_quotas." + tenant,
			Message:    fmt.Sprintf("running jobs %d reached max_running_jobs %d", in.RunningJobs, q.MaxRunningJobs),
		}
	}
	for _, r := range e.rules {
		if !matches(r.Match, tenant, in) {
			continue
		}
		reason := "policy_rule_" + r.Effect
		if r.Reason != "" {
			reason = strings.TrimSpace(r.Reason)
		}
		msg := reason
		if r.Name != "" {
			msg = r.Name + ": " + reason
		}
		return Decision{
			Allowed:    r.Effect == "allow",
			ReasonCode: reason,
			Rule:       r.Name,
			Message:    msg,
		}
	}
	if e.defaultAction == "deny" {
		return Decision{
			Allowed:    false,
			ReasonCode: "default_deny",
			Rule:       "default_action",
			Message:    "request denied by default_action=deny",
		}
	}
	return Decision{
		Allowed:    true,
		ReasonCode: "default_allow",
		Rule:       "default_action",
		Message:    "request allowed by default_action=allow",
	}
}

func matches(rule RuleMatch, tenant string, in SubmitInput) bool {
	if rule.Tenant != "" && rule.Tenant != tenant {
		return false
	}
	if rule.Category != "" && !strings.EqualFold(rule.Category, in.Category) {
		return false
	}
	if rule.RequestedTier.Valid() && rule.RequestedTier != in.RequestedTier {
		return false
	}
	if rule.PriorityBelow != nil && in.Priority >= *rule.PriorityBelow {
		return false
	}
	return true
}

func normalizeTenant(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return "default"
	}
	return t
}

func normalizeAction(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "allow":
		return "allow"
	case "deny":
		return "deny"
	default:
		return ""
	}
}
