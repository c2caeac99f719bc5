// Package artifacts persists the manifest describing a completed job's
// outputs. The manifest URI is what the cache stores and the job reports.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

type Store interface {
	Put(ctx context.Context, name string, body []byte) (uri string, err error)
	Get(ctx context.Context, name string) ([]byte, error)
}

type Manifest struct {
	JobID           string    `json:"job_id"`
	Tenant          string    `json:"tenant"`
	Fingerprint     string    `json:"fingerprint"`
	ChosenTier      string    `json:"chosen_tier"`
	Tier            string    `json:"tier"`
	PipelineVersion string    `json:"pipeline_version"`
	Category        string    `json:"category,omitempty"`
	Handle          string    `json:"handle"`
	Outputs         []string  `json:"outputs"`
	CreatedAt       time.Time `json:"created_at"`
}

// ManifestName is the object name a manifest is stored under.
func ManifestName(m Manifest) string {
	return path.Join("manifests", m.Fingerprint, strings.ToLower(m.ChosenTier), m.JobID+".json")
}

func WriteManifest(ctx context.Context, s Store, m Manifest) (string, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Outputs == nil {
		m.Outputs = []string{}
	}
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	uri, err := s.Put(ctx, ManifestName(m), body)
	if err != nil {
		return "", fmt.Errorf("write manifest for %s: %w", m.JobID, err)
	}
	return uri, nil
}

func ReadManifest(ctx context.Context, s Store, name string) (Manifest, error) {
	body, err := s.Get(ctx, name)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", name, err)
	}
	return m, nil
}
