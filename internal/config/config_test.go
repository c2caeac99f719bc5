package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wfcore/internal/state"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wfcore.yaml")
	doc := `
pipeline_version: v7
node_classes:
  gpu: {cpu_milli: 16000, memory_bytes: 68719476736, accelerators: 4}
retry:
  max_retries: 4
  downgrade_on_retry: true
  wait_deadline: 45s
advisor:
  bounds:
    high: {max_p95: 20m, max_failure_rate: 0.05}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "v7", cfg.PipelineVersion)
	assert.Equal(t, 4, cfg.Retry.MaxRetries)
	assert.True(t, cfg.Retry.DowngradeOnRetry)
	assert.Equal(t, 45*time.Second, cfg.Retry.WaitDeadline)
	assert.Equal(t, 5*time.Second, cfg.Retry.WaitPoll, "unset fields keep defaults")
	assert.Equal(t, int64(4), cfg.NodeClasses["gpu"].Accelerators)

	adv := cfg.AdvisorOptions()
	assert.Equal(t, 20*time.Minute, adv.Bounds[state.TierHigh].MaxP95)
	alloc := cfg.AllocatorOptions()
	assert.Equal(t, []string{"gpu"}, alloc.Profiles[state.TierHigh].NodeClasses)
	assert.Equal(t, int64(16000), alloc.Ceilings["gpu"].CPUMilli)
}

func TestValidateRejectsBadProfiles(t *testing.T) {
	cfg := Default()
	p := cfg.Profiles["low"]
	p.Min.CPUMilli = p.Max.CPUMilli + 1
	cfg.Profiles["low"] = p
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Profiles["ultra"] = cfg.Profiles["high"]
	assert.Error(t, cfg.Validate())
}

func TestEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.AllocatorOptions().Profiles, 3)
}

func TestGetenvHelpers(t *testing.T) {
	t.Setenv("WFCORE_TEST_INT", "12")
	t.Setenv("WFCORE_TEST_BOOL", "yes")
	t.Setenv("WFCORE_TEST_CSV", "a, b,,c")
	assert.Equal(t, 12, GetenvInt("WFCORE_TEST_INT", 1))
	assert.Equal(t, 1, GetenvInt("WFCORE_TEST_MISSING", 1))
	assert.True(t, GetenvBool("WFCORE_TEST_BOOL", false))
	assert.Equal(t, []string{"a", "b", "c"}, GetenvCSV("WFCORE_TEST_CSV"))
	assert.Equal(t, "x", Getenv("WFCORE_TEST_MISSING", "x"))
}
