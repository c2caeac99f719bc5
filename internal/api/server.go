package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/wfcore/internal/coordinator"
	"github.com/example/wfcore/internal/engine"
	"github.com/example/wfcore/internal/observability"
	"github.com/example/wfcore/internal/state"
	"github.com/example/wfcore/pkg/wfapi"
)

// Coordinator is the part of coordinator.Coordinator the HTTP surface uses.
type Coordinator interface {
	Submit(ctx context.Context, req coordinator.SubmitRequest) (string, error)
	GetStatus(ctx context.Context, id string) (coordinator.JobView, error)
	History(ctx context.Context, id string) ([]state.TransitionRecord, error)
	List(ctx context.Context, q state.JobQuery) ([]coordinator.JobView, error)
	Cancel(ctx context.Context, id string) error
	OnStepEvent(ctx context.Context, ev engine.StepEvent) error
	OnJobEvent(ctx context.Context, ev engine.JobEvent) error
}

type Invalidator interface {
	InvalidateByTag(ctx context.Context, tag string) (int, error)
}

type Server struct {
	coord   Coordinator
	cache   Invalidator
	metrics *observability.Registry
	auth    *authorizer
	limiter *submitLimiter
	guard   *invalidateGuard
	now     func() time.Time
}

// NewServer reads auth tokens and rate limits from the environment. A nil
// registry serves observability.Default.
func NewServer(c Coordinator, inv Invalidator, metrics *observability.Registry) *Server {
	if metrics == nil {
		metrics = observability.Default
	}
	return &Server{
		coord:   c,
		cache:   inv,
		metrics: metrics,
		auth:    newAuthorizerFromEnv(),
		limiter: newSubmitLimiterFromEnv(),
		guard:   newInvalidateGuardFromEnv(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(withLogging)
	r.Use(withTracing)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleList)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/history", s.handleHistory)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Post("/engine/events", s.handleEngineEvent)
		r.Post("/cache/invalidate", s.handleInvalidate)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r, "metrics", "operator"); !ok {
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req wfapi.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tier := state.TierUnknown
	if strings.TrimSpace(req.RequestedTier) != "" {
		t, err := state.ParseTier(req.RequestedTier)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		tier = t
	}
	tenant := tenantFromRequest(r, req.Tenant)
	if _, ok := s.requireTenantAction(w, r, tenant, "submit"); !ok {
		return
	}
	if !s.limiter.allow(tenant, s.now()) {
		observability.Default.IncCounter("wfcore_submit_throttled_total", map[string]string{"tenant": tenant}, 1)
		writeError(w, http.StatusTooManyRequests, "submit rate limit exceeded")
		return
	}

	id, err := s.coord.Submit(r.Context(), coordinator.SubmitRequest{
		Tenant:          tenant,
		Category:        req.Category,
		Complexity:      req.Complexity,
		Priority:        req.Priority,
		RequestedTier:   tier,
		PipelineVersion: req.PipelineVersion,
		Descriptor:      req.Descriptor,
	})
	var adm *coordinator.AdmissionError
	switch {
	case errors.As(err, &adm):
		status := http.StatusForbidden
		if adm.ReasonCode == coordinator.ReasonInvalidDescriptor {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, wfapi.ErrorResponse{Error: adm.Message, ReasonCode: adm.ReasonCode, JobID: adm.JobID})
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := wfapi.SubmitJobResponse{JobID: id}
	if v, err := s.coord.GetStatus(r.Context(), id); err == nil {
		resp.State = string(v.State)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenant := tenantFromRequest(r, q.Get("tenant"))
	if _, ok := s.requireTenantAction(w, r, tenant, "read"); !ok {
		return
	}
	query := state.JobQuery{Tenant: tenant, Limit: 100}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		query.Limit = n
	}
	for _, st := range q["state"] {
		query.States = append(query.States, state.JobState(st))
	}
	jobs, err := s.coord.List(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := wfapi.ListJobsResponse{Jobs: make([]wfapi.JobStatusResponse, 0, len(jobs))}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, statusResponse(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	v, ok := s.loadJob(w, r, "read")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(v))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	v, ok := s.loadJob(w, r, "read")
	if !ok {
		return
	}
	trs, err := s.coord.History(r.Context(), v.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := wfapi.JobHistoryResponse{JobID: v.ID, Transitions: make([]wfapi.Transition, 0, len(trs))}
	for _, tr := range trs {
		out.Transitions = append(out.Transitions, wfapi.Transition{
			From:      string(tr.From),
			To:        string(tr.To),
			Tier:      tierString(tr.Tier),
			Reason:    tr.Reason,
			CreatedAt: tr.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	v, ok := s.loadJob(w, r, "cancel")
	if !ok {
		return
	}
	if err := s.coord.Cancel(r.Context(), v.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	after, err := s.coord.GetStatus(r.Context(), v.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wfapi.CancelJobResponse{Accepted: after.State == state.JobCancelled, State: string(after.State)})
}

func (s *Server) handleEngineEvent(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r, "engine:callback", "operator"); !ok {
		return
	}
	var ev wfapi.EngineEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(ev.Handle) == "" {
		writeError(w, http.StatusBadRequest, "handle is required")
		return
	}
	var err error
	if ev.StepID != "" {
		status := engine.StepStatus(strings.ToLower(ev.Status))
		switch status {
		case engine.StepStarted, engine.StepSucceeded, engine.StepFailed:
		default:
			writeError(w, http.StatusBadRequest, "unknown step status "+ev.Status)
			return
		}
		err = s.coord.OnStepEvent(r.Context(), engine.StepEvent{
			JobID: ev.JobID, Handle: engine.Handle(ev.Handle), StepID: ev.StepID,
			Status: status, Message: ev.Message, At: s.now(),
		})
	} else {
		status := engine.JobStatus(strings.ToLower(ev.Status))
		switch status {
		case engine.JobStarted, engine.JobSucceeded, engine.JobFailed:
		default:
			writeError(w, http.StatusBadRequest, "unknown job status "+ev.Status)
			return
		}
		err = s.coord.OnJobEvent(r.Context(), engine.JobEvent{
			JobID: ev.JobID, Handle: engine.Handle(ev.Handle), Status: status,
			Outputs: ev.Outputs, Error: ev.Error, At: s.now(),
		})
	}
	switch {
	case errors.Is(err, coordinator.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "unknown job or handle")
	case errors.Is(err, coordinator.ErrMissingHandle):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
	}
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireScopes(w, r, "cache:invalidate", "operator")
	if !ok {
		return
	}
	var req wfapi.InvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Tag) == "" {
		writeError(w, http.StatusBadRequest, "tag is required")
		return
	}
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache not configured")
		return
	}
	if !s.guard.allow(s.now()) {
		writeError(w, http.StatusTooManyRequests, "invalidation rate limit exceeded")
		return
	}
	n, err := s.cache.InvalidateByTag(r.Context(), req.Tag)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	log.Printf("cache invalidate tag=%s removed=%d actor=%s", req.Tag, n, p.id)
	writeJSON(w, http.StatusOK, wfapi.InvalidateResponse{Tag: req.Tag, Removed: n})
}

// loadJob resolves {id} and checks that the caller may act on its tenant.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request, action string) (coordinator.JobView, bool) {
	p, status, msg := s.auth.authorize(r)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return coordinator.JobView{}, false
	}
	v, err := s.coord.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, coordinator.ErrUnknownJob) {
		writeError(w, http.StatusNotFound, "job not found")
		return coordinator.JobView{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return coordinator.JobView{}, false
	}
	if !p.canTenantAction(v.Tenant, action) {
		writeError(w, http.StatusForbidden, "tenant access denied")
		return coordinator.JobView{}, false
	}
	return v, true
}

func (s *Server) requireScopes(w http.ResponseWriter, r *http.Request, scopes ...string) (principal, bool) {
	p, status, msg := s.auth.authorize(r, scopes...)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return principal{}, false
	}
	return p, true
}

func (s *Server) requireTenantAction(w http.ResponseWriter, r *http.Request, tenant, action string) (principal, bool) {
	p, status, msg := s.auth.authorize(r)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return principal{}, false
	}
	if !p.canTenantAction(tenant, action) {
		writeError(w, http.StatusForbidden, "tenant access denied")
		return principal{}, false
	}
	return p, true
}

func tenantFromRequest(r *http.Request, reqTenant string) string {
	if t := strings.TrimSpace(reqTenant); t != "" {
		return t
	}
	if t := strings.TrimSpace(r.Header.Get("X-WFCore-Tenant")); t != "" {
		return t
	}
	return "default"
}

func statusResponse(v coordinator.JobView) wfapi.JobStatusResponse {
	out := wfapi.JobStatusResponse{
		JobID:         v.ID,
		Tenant:        v.Tenant,
		State:         string(v.State),
		Terminal:      v.Terminal,
		Fingerprint:   v.Fingerprint,
		RequestedTier: tierString(v.RequestedTier),
		ChosenTier:    tierString(v.ChosenTier),
		Tier:          tierString(v.Tier),
		Downgraded:    v.Downgraded,
		Rationale:     v.Rationale,
		ReasonCode:    v.ReasonCode,
		LastError:     v.LastError,
		Result:        v.Result,
		DAGHandle:     v.DAGHandle,
		Checkpoint:    v.Checkpoint,
		RetryCount:    v.RetryCount,
		CreatedAt:     v.RequestedAt.Format(time.RFC3339Nano),
		UpdatedAt:     v.UpdatedAt.Format(time.RFC3339Nano),
	}
	if res := v.Reservation; res != nil {
		out.Reservation = &wfapi.Reservation{
			ID:               res.ID,
			NodeClass:        res.NodeClass,
			CPUMilli:         res.CPUMilli,
			MemoryBytes:      res.MemoryBytes,
			AcceleratorUnits: res.AcceleratorUnits,
			ExpiresAt:        res.ExpiresAt,
			Active:           res.Active,
		}
	}
	return out
}

func tierString(t state.Tier) string {
	if !t.Valid() {
		return ""
	}
	return t.String()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, wfapi.ErrorResponse{Error: msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Printf("%s %s %d %s req=%s", r.Method, r.URL.Path, sw.status, time.Since(start).Round(time.Microsecond), middleware.GetReqID(r.Context()))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		if traceID := span.SpanContext().TraceID(); traceID.IsValid() {
			sw.Header().Set("X-Trace-ID", traceID.String())
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
