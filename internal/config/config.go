// Package config loads the coordinator's YAML configuration and the
// environment variables that select backends.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/wfcore/internal/allocator"
	"github.com/example/wfcore/internal/cluster"
	"github.com/example/wfcore/internal/quality"
	"github.com/example/wfcore/internal/state"
)

type ProfileConfig struct {
	Min         cluster.Resources `yaml:"min"`
	Max         cluster.Resources `yaml:"max"`
	NodeClasses []string          `yaml:"node_classes"`
}

type AllocatorConfig struct {
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	HeadroomThreshold float64       `yaml:"headroom_threshold"`
	AdmissionFloor    int           `yaml:"admission_floor"`
	ReclaimInterval   time.Duration `yaml:"reclaim_interval"`
}

type BoundsConfig struct {
	MaxP95         time.Duration `yaml:"max_p95"`
	MaxFailureRate float64       `yaml:"max_failure_rate"`
}

type AdvisorConfig struct {
	Bounds           map[string]BoundsConfig `yaml:"bounds"`
	MinSamples       int                     `yaml:"min_samples"`
	AcceleratorFloor float64                 `yaml:"accelerator_floor"`
	WindowSize       int                     `yaml:"window_size"`
}

type RetryConfig struct {
	MaxRetries int `yaml:"max_retries"`
	// DowngradeOnRetry re-reserves one tier lower after an engine failure.
	DowngradeOnRetry bool          `yaml:"downgrade_on_retry"`
	WaitDeadline     time.Duration `yaml:"wait_deadline"`
	WaitPoll         time.Duration `yaml:"wait_poll"`
	MaxWaiting       int           `yaml:"max_waiting"`
	StepRetries      int           `yaml:"step_retries"`
}

type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type Timeouts struct {
	Engine    time.Duration `yaml:"engine"`
	Cache     time.Duration `yaml:"cache"`
	Allocator time.Duration `yaml:"allocator"`
	Snapshot  time.Duration `yaml:"snapshot"`
	Artifacts time.Duration `yaml:"artifacts"`
}

type SnapshotConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type DispatcherConfig struct {
	Shards    int `yaml:"shards"`
	QueueSize int `yaml:"queue_size"`
}

type Config struct {
	PipelineVersion string                       `yaml:"pipeline_version"`
	Profiles        map[string]ProfileConfig     `yaml:"profiles"`
	NodeClasses     map[string]cluster.Resources `yaml:"node_classes"`
	Allocator       AllocatorConfig              `yaml:"allocator"`
	Advisor         AdvisorConfig                `yaml:"advisor"`
	Retry           RetryConfig                  `yaml:"retry"`
	Cache           CacheConfig                  `yaml:"cache"`
	Timeouts        Timeouts                     `yaml:"timeouts"`
	Snapshot        SnapshotConfig               `yaml:"snapshot"`
	Dispatcher      DispatcherConfig             `yaml:"dispatcher"`
}

const gib = int64(1) << 30

func Default() Config {
	return Config{
		PipelineVersion: "v1",
		Profiles: map[string]ProfileConfig{
			"high": {
				Min:         cluster.Resources{CPUMilli: 4000, MemoryBytes: 16 * gib, Accelerators: 1},
				Max:         cluster.Resources{CPUMilli: 8000, MemoryBytes: 32 * gib, Accelerators: 2},
				NodeClasses: []string{"gpu"},
			},
			"medium": {
				Min:         cluster.Resources{CPUMilli: 2000, MemoryBytes: 8 * gib},
				Max:         cluster.Resources{CPUMilli: 4000, MemoryBytes: 16 * gib, Accelerators: 1},
				NodeClasses: []string{"gpu", "cpu"},
			},
			"low": {
				Min:         cluster.Resources{CPUMilli: 1000, MemoryBytes: 2 * gib},
				Max:         cluster.Resources{CPUMilli: 2000, MemoryBytes: 4 * gib},
				NodeClasses: []string{"cpu"},
			},
		},
		NodeClasses: map[string]cluster.Resources{
			"gpu": {CPUMilli: 64000, MemoryBytes: 256 * gib, Accelerators: 8},
			"cpu": {CPUMilli: 128000, MemoryBytes: 512 * gib},
		},
		Allocator: AllocatorConfig{LeaseTTL: 2 * time.Minute, HeadroomThreshold: 0.15, AdmissionFloor: 5, ReclaimInterval: 15 * time.Second},
		Advisor: AdvisorConfig{
			Bounds: map[string]BoundsConfig{
				"high":   {MaxP95: 30 * time.Minute, MaxFailureRate: 0.10},
				"medium": {MaxP95: 15 * time.Minute, MaxFailureRate: 0.10},
				"low":    {MaxP95: 5 * time.Minute, MaxFailureRate: 0.20},
			},
			MinSamples:       5,
			AcceleratorFloor: 0.10,
			WindowSize:       200,
		},
		Retry:      RetryConfig{MaxRetries: 2, DowngradeOnRetry: false, WaitDeadline: 2 * time.Minute, WaitPoll: 5 * time.Second, MaxWaiting: 256, StepRetries: 1},
		Cache:      CacheConfig{TTL: 7 * 24 * time.Hour, SweepInterval: time.Minute},
		Timeouts:   Timeouts{Engine: 10 * time.Second, Cache: 2 * time.Second, Allocator: 2 * time.Second, Snapshot: 3 * time.Second, Artifacts: 10 * time.Second},
		Snapshot:   SnapshotConfig{Interval: 10 * time.Second},
		Dispatcher: DispatcherConfig{Shards: 8, QueueSize: 256},
	}
}

// Load overlays the YAML file at path onto Default. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadFromEnv() (Config, error) {
	return Load(os.Getenv("WFCORE_CONFIG_FILE"))
}

func (c Config) Validate() error {
	for name, p := range c.Profiles {
		if _, err := state.ParseTier(name); err != nil {
			return fmt.Errorf("profiles: %w", err)
		}
		if !p.Min.Fits(p.Max) {
			return fmt.Errorf("profiles.%s: min exceeds max", name)
		}
		if len(p.NodeClasses) == 0 {
			return fmt.Errorf("profiles.%s: node_classes is required", name)
		}
	}
	for name := range c.Advisor.Bounds {
		if _, err := state.ParseTier(name); err != nil {
			return fmt.Errorf("advisor.bounds: %w", err)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Allocator.HeadroomThreshold < 0 || c.Allocator.HeadroomThreshold > 1 {
		return fmt.Errorf("allocator.headroom_threshold must be within [0,1]")
	}
	return nil
}

func (c Config) AllocatorOptions() allocator.Options {
	profiles := make(map[state.Tier]allocator.Profile, len(c.Profiles))
	for name, p := range c.Profiles {
		tier, err := state.ParseTier(name)
		if err != nil {
			continue
		}
		profiles[tier] = allocator.Profile{
			Range:       allocator.Range{Min: p.Min, Max: p.Max},
			NodeClasses: append([]string(nil), p.NodeClasses...),
		}
	}
	ceilings := make(map[string]cluster.Resources, len(c.NodeClasses))
	for k, v := range c.NodeClasses {
		ceilings[k] = v
	}
	return allocator.Options{
		Profiles:          profiles,
		Ceilings:          ceilings,
		LeaseTTL:          c.Allocator.LeaseTTL,
		HeadroomThreshold: c.Allocator.HeadroomThreshold,
		AdmissionFloor:    c.Allocator.AdmissionFloor,
	}
}

func (c Config) AdvisorOptions() quality.Options {
	bounds := make(map[state.Tier]quality.Bounds, len(c.Advisor.Bounds))
	for name, b := range c.Advisor.Bounds {
		tier, err := state.ParseTier(name)
		if err != nil {
			continue
		}
		bounds[tier] = quality.Bounds{MaxP95: b.MaxP95, MaxFailureRate: b.MaxFailureRate}
	}
	return quality.Options{
		Bounds:           bounds,
		MinSamples:       c.Advisor.MinSamples,
		AcceleratorFloor: c.Advisor.AcceleratorFloor,
	}
}

func Getenv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func GetenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func GetenvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func GetenvCSV(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
