// Package cache is a content-addressable artifact cache keyed by
// (fingerprint, tier). Writes are guarded by per-key leases so that only the
// job currently computing a key may publish it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/wfcore/internal/observability"
	"github.com/example/wfcore/internal/state"
)

var (
	ErrConflict    = errors.New("cache write conflict")
	ErrUnavailable = errors.New("cache backend unavailable")
	ErrMiss        = errors.New("cache miss")
)

type Entry struct {
	Key         string     `json:"key"`
	Fingerprint string     `json:"fingerprint"`
	Tier        state.Tier `json:"tier"`
	Value       string     `json:"value"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	JobID       string     `json:"job_id"`
	Generation  uint64     `json:"generation"`
}

func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Token is a write lease on one key.
type Token struct {
	Key        string
	JobID      string
	Generation uint64
}

func (t Token) IsZero() bool { return t.Key == "" }

// String encodes the token for storage on the job record.
func (t Token) String() string {
	if t.IsZero() {
		return ""
	}
	return t.Key + "|" + t.JobID + "|" + strconv.FormatUint(t.Generation, 10)
}

func ParseToken(s string) (Token, error) {
	if s == "" {
		return Token{}, nil
	}
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return Token{}, fmt.Errorf("malformed cache token %q", s)
	}
	gen, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("malformed cache token generation: %w", err)
	}
	return Token{Key: parts[0], JobID: parts[1], Generation: gen}, nil
}

// Key is the backend key for a fingerprint at a tier.
func Key(fp string, tier state.Tier) string {
	return fp + ":" + strings.ToLower(tier.String())
}

// Backend is a key/value store with TTL and tag-indexed deletion.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, e Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByTag(ctx context.Context, tag string) (int, error)
}

// Sweeper is implemented by backends that need help expiring entries.
type Sweeper interface {
	Sweep(now time.Time) int
}

type Options struct {
	DefaultTTL time.Duration
	Timeout    time.Duration
	Sink       observability.Sink
	Now        func() time.Time
}

const stripes = 64

type Store struct {
	backend Backend
	opts    Options

	locks [stripes]sync.Mutex

	mu      sync.Mutex
	leases  map[string]Token
	lastGen uint64
}

func New(backend Backend, opts Options) *Store {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 24 * time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Sink == nil {
		opts.Sink = observability.NopSink{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{backend: backend, opts: opts, leases: make(map[string]Token)}
}

// Get returns the live entry for (fp, tier). Backend failures are reported as
// a miss.
func (s *Store) Get(ctx context.Context, fp string, tier state.Tier) (Entry, bool) {
	ctx, span := observability.StartSpan(ctx, "cache.get")
	defer span.End()
	key := Key(fp, tier)
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	e, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.degraded("get", key, err)
		s.emit(observability.EventCacheMiss, key, tier, "backend_unavailable")
		return Entry{}, false
	}
	if !ok || e.Expired(s.opts.Now()) {
		s.emit(observability.EventCacheMiss, key, tier, "")
		return Entry{}, false
	}
	s.emit(observability.EventCacheHit, key, tier, "")
	return e, true
}

// Lease hands jobID the write lease on (fp, tier), superseding any earlier
// holder.
func (s *Store) Lease(fp string, tier state.Tier, jobID string) Token {
	key := Key(fp, tier)
	s.mu.Lock()
	defer s.mu.Unlock()
	gen := uint64(s.opts.Now().UnixNano())
	if gen <= s.lastGen {
		gen = s.lastGen + 1
	}
	s.lastGen = gen
	t := Token{Key: key, JobID: jobID, Generation: gen}
	s.leases[key] = t
	return t
}

// Abandon drops the lease if token still holds it.
func (s *Store) Abandon(token Token) {
	if token.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases[token.Key] == token {
		delete(s.leases, token.Key)
	}
}

// Put publishes value under (fp, tier). Only the current lease holder may
// write, and never over an entry written under a newer lease. A successful
// Put consumes the lease. Backend failures return ErrUnavailable and leave
// the lease in place.
func (s *Store) Put(ctx context.Context, fp string, tier state.Tier, value string, tags []string, ttl time.Duration, token Token) (err error) {
	ctx, span := observability.StartSpan(ctx, "cache.put")
	defer func() { observability.EndSpan(span, err) }()
	key := Key(fp, tier)
	if token.Key != key {
		return fmt.Errorf("%w: token for %q used on %q", ErrConflict, token.Key, key)
	}
	stripe := &s.locks[stripeOf(key)]
	stripe.Lock()
	defer stripe.Unlock()

	s.mu.Lock()
	current := s.leases[key]
	s.mu.Unlock()
	if current != token {
		s.emit(observability.EventCacheConflict, key, tier, "stale_lease")
		return fmt.Errorf("%w: lease for %s held by %s", ErrConflict, key, current.JobID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	live, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		s.degraded("put", key, err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ok && !live.Expired(s.opts.Now()) && live.Generation > token.Generation {
		s.emit(observability.EventCacheConflict, key, tier, "newer_entry")
		return fmt.Errorf("%w: %s already written by a newer lease", ErrConflict, key)
	}

	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	now := s.opts.Now()
	e := Entry{
		Key:         key,
		Fingerprint: fp,
		Tier:        tier,
		Value:       value,
		Tags:        dedupeTags(tags),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		JobID:       token.JobID,
		Generation:  token.Generation,
	}
	if err := s.backend.Set(ctx, e, ttl); err != nil {
		s.degraded("put", key, err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.Abandon(token)
	s.emit(observability.EventCacheWrite, key, tier, token.JobID)
	return nil
}

// InvalidateByTag deletes every live entry carrying tag and reports how many
// were removed.
func (s *Store) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	ctx, span := observability.StartSpan(ctx, "cache.invalidate")
	defer span.End()
	tag = normalizeTag(tag)
	if tag == "" {
		return 0, errors.New("tag is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	n, err := s.backend.DeleteByTag(ctx, tag)
	if err != nil {
		s.degraded("invalidate", tag, err)
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.opts.Sink.Emit(observability.Event{
		Time:   s.opts.Now(),
		Kind:   observability.EventCacheInvalidate,
		Reason: tag,
		Fields: map[string]string{"removed": strconv.Itoa(n)},
	})
	return n, nil
}

// Sweep expires entries on backends that do not do it themselves.
func (s *Store) Sweep() int {
	if sw, ok := s.backend.(Sweeper); ok {
		return sw.Sweep(s.opts.Now())
	}
	return 0
}

func (s *Store) degraded(op, key string, err error) {
	log.Printf("cache: %s %s degraded: %v", op, key, err)
	s.opts.Sink.Emit(observability.Event{
		Time:   s.opts.Now(),
		Kind:   observability.EventCacheDegraded,
		Reason: err.Error(),
		Fields: map[string]string{"op": op, "key": key},
	})
}

func (s *Store) emit(kind, key string, tier state.Tier, reason string) {
	s.opts.Sink.Emit(observability.Event{
		Time:   s.opts.Now(),
		Kind:   kind,
		Tier:   tier.String(),
		Reason: reason,
		Fields: map[string]string{"key": key},
	})
}

// Tags for a completed artifact.
func Tags(pipelineVersion, category string, tier state.Tier) []string {
	out := make([]string, 0, 3)
	if pipelineVersion != "" {
		out = append(out, "pipeline:"+pipelineVersion)
	}
	if category != "" {
		out = append(out, "category:"+category)
	}
	out = append(out, "tier:"+tier.String())
	return dedupeTags(out)
}

func normalizeTag(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

func dedupeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = normalizeTag(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func stripeOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % stripes
}
