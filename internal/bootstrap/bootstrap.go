// Package bootstrap wires the coordinator and its backends from the
// environment.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/example/wfcore/internal/allocator"
	"github.com/example/wfcore/internal/api"
	"github.com/example/wfcore/internal/artifacts"
	"github.com/example/wfcore/internal/cache"
	"github.com/example/wfcore/internal/cluster"
	"github.com/example/wfcore/internal/config"
	"github.com/example/wfcore/internal/coordinator"
	"github.com/example/wfcore/internal/engine"
	"github.com/example/wfcore/internal/ledger"
	"github.com/example/wfcore/internal/observability"
	"github.com/example/wfcore/internal/planner"
	"github.com/example/wfcore/internal/policy"
	"github.com/example/wfcore/internal/quality"
	"github.com/example/wfcore/internal/state"
)

type App struct {
	Config      config.Config
	Coordinator *coordinator.Coordinator
	Cache       *cache.Store
	Allocator   *allocator.Allocator
	Handler     http.Handler

	store state.Store
}

// Close stops the coordinator and closes the job store.
func (a *App) Close() error {
	a.Coordinator.Close()
	return a.store.Close()
}

// NewAppFromEnv builds every component named by WFCORE_* variables. Without
// WFCORE_ENGINE_URL jobs run on an in-process engine that reports success.
func NewAppFromEnv(ctx context.Context) (*App, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	pol, err := policy.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	store, err := newStore(config.Getenv("WFCORE_STORE", "memory"))
	if err != nil {
		return nil, err
	}
	backend, err := newCacheBackend(ctx, config.Getenv("WFCORE_CACHE", "memory"), cfg.Timeouts.Cache)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	blobs, err := newArtifactStore(config.Getenv("WFCORE_ARTIFACTS", "local"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sink := newSink()
	allocOpts := cfg.AllocatorOptions()
	allocOpts.Sink = sink
	alloc := allocator.New(allocOpts)

	refresher := cluster.NewRefresher(newProvider(cfg), cfg.Snapshot.Interval, cfg.Timeouts.Snapshot, alloc.Reconcile)
	if err := refresher.Refresh(ctx); err != nil {
		log.Printf("bootstrap: initial cluster snapshot failed, starting stale: %v", err)
	}

	results := cache.New(backend, cache.Options{DefaultTTL: cfg.Cache.TTL, Timeout: cfg.Timeouts.Cache, Sink: sink})
	window := quality.NewWindow(cfg.Advisor.WindowSize)

	var coord *coordinator.Coordinator
	eng, err := newEngine(func() *coordinator.Coordinator { return coord }, cfg.Timeouts.Engine)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	coord = coordinator.New(coordinator.Deps{
		Ledger:    ledger.New(store, ledger.Options{}),
		Allocator: alloc,
		Cache:     results,
		Advisor:   quality.NewAdvisor(window, cfg.AdvisorOptions()),
		Outcomes:  window,
		Snapshots: refresher,
		Engine:    eng,
		Planner:   planner.NewCompiler(cfg.Retry.StepRetries),
		Policy:    pol,
		Artifacts: blobs,
		Sink:      sink,
		Refresher: refresher,
	}, coordinator.Options{
		PipelineVersion:  cfg.PipelineVersion,
		MaxRetries:       cfg.Retry.MaxRetries,
		DowngradeOnRetry: cfg.Retry.DowngradeOnRetry,
		WaitDeadline:     cfg.Retry.WaitDeadline,
		WaitPoll:         cfg.Retry.WaitPoll,
		MaxWaiting:       cfg.Retry.MaxWaiting,
		CacheTTL:         cfg.Cache.TTL,
		Timeouts:         cfg.Timeouts,
		Shards:           cfg.Dispatcher.Shards,
		QueueSize:        cfg.Dispatcher.QueueSize,
		ReclaimInterval:  cfg.Allocator.ReclaimInterval,
		SweepInterval:    cfg.Cache.SweepInterval,
	})

	return &App{
		Config:      cfg,
		Coordinator: coord,
		Cache:       results,
		Allocator:   alloc,
		Handler:     api.NewServer(coord, results, observability.Default).Handler(),
		store:       store,
	}, nil
}

func newStore(kind string) (state.Store, error) {
	switch kind {
	case "memory":
		return state.NewMemoryStore(), nil
	case "sqlite":
		return state.NewSQLiteStore(config.Getenv("WFCORE_SQLITE_PATH", "wfcore.db"))
	case "postgres":
		dsn := os.Getenv("WFCORE_POSTGRES_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("WFCORE_POSTGRES_DSN is required when WFCORE_STORE=postgres")
		}
		return state.NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported WFCORE_STORE value %q", kind)
	}
}

func newCacheBackend(ctx context.Context, kind string, timeout time.Duration) (cache.Backend, error) {
	switch kind {
	case "memory":
		return cache.NewMemoryBackend(nil), nil
	case "redis":
		r := cache.NewRedisBackend(cache.RedisConfig{
			Addr:     config.Getenv("WFCORE_REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("WFCORE_REDIS_PASSWORD"),
			DB:       config.GetenvInt("WFCORE_REDIS_DB", 0),
			Prefix:   config.Getenv("WFCORE_REDIS_PREFIX", "wfcore:cache"),
			Timeout:  timeout,
		})
		if err := r.Ping(ctx); err != nil {
			log.Printf("bootstrap: redis cache unreachable, lookups will miss until it returns: %v", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported WFCORE_CACHE value %q", kind)
	}
}

func newArtifactStore(kind string) (artifacts.Store, error) {
	switch kind {
	case "none":
		return nil, nil
	case "local":
		dir := config.Getenv("WFCORE_ARTIFACTS_DIR", "artifacts")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifacts dir: %w", err)
		}
		return artifacts.LocalStore{Root: dir}, nil
	case "minio":
		return artifacts.NewMinIOStore(artifacts.MinIOConfig{
			Endpoint:  os.Getenv("WFCORE_MINIO_ENDPOINT"),
			AccessKey: os.Getenv("WFCORE_MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("WFCORE_MINIO_SECRET_KEY"),
			Bucket:    config.Getenv("WFCORE_MINIO_BUCKET", "wfcore-artifacts"),
			UseSSL:    config.GetenvBool("WFCORE_MINIO_USE_SSL", false),
		})
	default:
		return nil, fmt.Errorf("unsupported WFCORE_ARTIFACTS value %q", kind)
	}
}

func newProvider(cfg config.Config) cluster.Provider {
	if url := config.Getenv("WFCORE_CLUSTER_URL", ""); url != "" {
		return cluster.NewHTTPProvider(url, os.Getenv("WFCORE_CLUSTER_TOKEN"), cfg.Timeouts.Snapshot)
	}
	return cluster.StaticProvider{Classes: cfg.NodeClasses}
}

func newSink() observability.Sink {
	sinks := observability.MultiSink{observability.MetricsSink{Registry: observability.Default}}
	if config.GetenvBool("WFCORE_EVENT_LOG", true) {
		sinks = append(sinks, observability.NewLogSink(os.Stderr))
	}
	return sinks
}

// newEngine returns the HTTP engine client, or an in-process engine whose
// runs succeed shortly after submission.
func newEngine(coord func() *coordinator.Coordinator, timeout time.Duration) (engine.Engine, error) {
	if url := config.Getenv("WFCORE_ENGINE_URL", ""); url != "" {
		return engine.NewHTTPClient(url, os.Getenv("WFCORE_ENGINE_TOKEN"), os.Getenv("WFCORE_ENGINE_CALLBACK_URL"), timeout), nil
	}
	delay := time.Duration(config.GetenvInt("WFCORE_LOCAL_ENGINE_DELAY_MS", 50)) * time.Millisecond
	log.Printf("bootstrap: WFCORE_ENGINE_URL unset, running DAGs on the in-process engine")
	fake := engine.NewFake()
	fake.OnSubmit = func(sub engine.Submission) {
		go runLocally(coord(), sub, delay)
	}
	return fake, nil
}

func runLocally(c *coordinator.Coordinator, sub engine.Submission, delay time.Duration) {
	if c == nil {
		return
	}
	ctx := context.Background()
	_ = c.OnJobEvent(ctx, engine.JobEvent{JobID: sub.DAG.JobID, Handle: sub.Handle, Status: engine.JobStarted, At: time.Now().UTC()})
	outputs := make([]string, 0, len(sub.DAG.Steps))
	for _, st := range sub.DAG.Steps {
		if st.Skip {
			continue
		}
		time.Sleep(delay / time.Duration(len(sub.DAG.Steps)))
		_ = c.OnStepEvent(ctx, engine.StepEvent{JobID: sub.DAG.JobID, Handle: sub.Handle, StepID: st.StepID, Status: engine.StepSucceeded, At: time.Now().UTC()})
		outputs = append(outputs, fmt.Sprintf("local://%s/%s", sub.DAG.DAGID, st.StepID))
	}
	if err := c.OnJobEvent(ctx, engine.JobEvent{JobID: sub.DAG.JobID, Handle: sub.Handle, Status: engine.JobSucceeded, Outputs: outputs, At: time.Now().UTC()}); err != nil {
		log.Printf("local engine: report %s: %v", sub.DAG.JobID, err)
	}
}
