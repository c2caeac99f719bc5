package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Provider reports the current cluster capacity.
type Provider interface {
	GetSnapshot(ctx context.Context) (Snapshot, error)
}

// StaticProvider always reports the configured classes as fully available.
type StaticProvider struct {
	Classes map[string]Resources
	Now     func() time.Time
}

func (p StaticProvider) GetSnapshot(context.Context) (Snapshot, error) {
	now := time.Now().UTC()
	if p.Now != nil {
		now = p.Now()
	}
	s := Snapshot{Classes: make(map[string]ClassCapacity, len(p.Classes)), TakenAt: now}
	for name, r := range p.Classes {
		s.Classes[name] = ClassCapacity{Capacity: r, Available: r}
	}
	return s, nil
}

// HTTPProvider polls a JSON endpoint that returns a Snapshot document.
type HTTPProvider struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewHTTPProvider(url, token string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		URL:    strings.TrimRight(url, "/"),
		Token:  token,
		Client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) GetSnapshot(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Snapshot{}, err
	}
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Snapshot{}, fmt.Errorf("capacity endpoint returned status %d", resp.StatusCode)
	}
	var s Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("decode capacity snapshot: %w", err)
	}
	if s.TakenAt.IsZero() {
		s.TakenAt = time.Now().UTC()
	}
	s.Stale = false
	return s, nil
}
