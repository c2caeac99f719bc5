package artifacts

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestLocalStoreManifestRoundTrip(t *testing.T) {
	store := LocalStore{Root: t.TempDir()}
	ctx := context.Background()
	m := Manifest{
		JobID:           "job-1",
		Fingerprint:     "abc",
		ChosenTier:      "High",
		Tier:            "Medium",
		PipelineVersion: "v3",
		Handle:          "run-1",
		Outputs:         []string{"s3://bucket/mesh.glb"},
	}
	uri, err := WriteManifest(ctx, store, m)
	if err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if !strings.HasPrefix(uri, "file://") || !strings.HasSuffix(uri, "manifests/abc/high/job-1.json") {
		t.Fatalf("unexpected uri: %s", uri)
	}
	got, err := ReadManifest(ctx, store, ManifestName(m))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if got.Tier != "Medium" || len(got.Outputs) != 1 || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected manifest: %+v", got)
	}
}

func TestLocalStoreRejectsEscapingNames(t *testing.T) {
	store := LocalStore{Root: t.TempDir()}
	uri, err := store.Put(context.Background(), "../../etc/passwd", []byte("x"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.Contains(uri, store.Root) {
		t.Fatalf("name was not confined to root: %s", uri)
	}
}

func TestMinIOStoreIntegration(t *testing.T) {
	endpoint := os.Getenv("WFCORE_MINIO_ENDPOINT_INTEGRATION")
	if endpoint == "" {
		t.Skip("set WFCORE_MINIO_ENDPOINT_INTEGRATION to run MinIO integration tests")
	}
	store, err := NewMinIOStore(MinIOConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("WFCORE_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("WFCORE_MINIO_SECRET_KEY"),
		Bucket:    "wfcore-itest",
	})
	if err != nil {
		t.Fatalf("new minio store: %v", err)
	}
	m := Manifest{JobID: "job-" + time.Now().UTC().Format("150405.000000"), Fingerprint: "fp", ChosenTier: "Low"}
	uri, err := WriteManifest(context.Background(), store, m)
	if err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if !strings.HasPrefix(uri, "s3://wfcore-itest/") {
		t.Fatalf("unexpected uri: %s", uri)
	}
	if _, err := ReadManifest(context.Background(), store, ManifestName(m)); err != nil {
		t.Fatalf("read manifest: %v", err)
	}
}
