package bootstrap

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wfcore/internal/coordinator"
	"github.com/example/wfcore/internal/state"
)

func TestNewAppFromEnvRunsJobsOnLocalEngine(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WFCORE_STORE", "sqlite")
	t.Setenv("WFCORE_SQLITE_PATH", filepath.Join(dir, "jobs.db"))
	t.Setenv("WFCORE_ARTIFACTS_DIR", filepath.Join(dir, "artifacts"))
	t.Setenv("WFCORE_EVENT_LOG", "false")
	t.Setenv("WFCORE_LOCAL_ENGINE_DELAY_MS", "5")

	app, err := NewAppFromEnv(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ctx := context.Background()
	id, err := app.Coordinator.Submit(ctx, coordinator.SubmitRequest{
		Tenant:        "acme",
		RequestedTier: state.TierMedium,
		Descriptor:    json.RawMessage(`{"object":"lamp"}`),
	})
	require.NoError(t, err)

	var v coordinator.JobView
	require.Eventually(t, func() bool {
		v, err = app.Coordinator.GetStatus(ctx, id)
		return err == nil && v.State == state.JobCompleted
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, v.Result, "file://")
	assert.NotEmpty(t, v.Checkpoint)

	again, err := app.Coordinator.Submit(ctx, coordinator.SubmitRequest{
		Tenant:        "acme",
		RequestedTier: state.TierMedium,
		Descriptor:    json.RawMessage(`{" OBJECT ":"lamp  "}`),
	})
	require.NoError(t, err)
	hit, err := app.Coordinator.GetStatus(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, state.JobCompleted, hit.State)
	assert.Equal(t, v.Result, hit.Result)
}

func TestUnsupportedBackendsAreRejected(t *testing.T) {
	t.Setenv("WFCORE_STORE", "cassandra")
	_, err := NewAppFromEnv(context.Background())
	assert.ErrorContains(t, err, "WFCORE_STORE")

	t.Setenv("WFCORE_STORE", "memory")
	t.Setenv("WFCORE_CACHE", "memcached")
	_, err = NewAppFromEnv(context.Background())
	assert.ErrorContains(t, err, "WFCORE_CACHE")

	t.Setenv("WFCORE_CACHE", "memory")
	t.Setenv("WFCORE_STORE", "postgres")
	t.Setenv("WFCORE_POSTGRES_DSN", "")
	_, err = NewAppFromEnv(context.Background())
	assert.ErrorContains(t, err, "WFCORE_POSTGRES_DSN")
}
