package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"accessbridge/internal/config"
	"accessbridge/internal/models"
	"accessbridge/internal/store"
	"accessbridge/internal/telemetry"
)

// JobStore is the slice of the store the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, job models.Job, auditMessage string) error
	Finalize(ctx context.Context, correlationID, newStatus, auditMessage string, ref *models.ExternalReference) error
	GetStatus(ctx context.Context, correlationID string) (models.StatusView, error)
	Ping(ctx context.Context) error
}

// WorkQueue is the slice of the queue the API needs.
type WorkQueue interface {
	Enqueue(ctx context.Context, domain string, msg models.QueueMessage) error
	DLQPeek(ctx context.Context, domain string, count int64) ([]string, error)
	Ping(ctx context.Context) error
}

// StatusCache is consulted first on status reads and seeded on writes.
type StatusCache interface {
	Get(ctx context.Context, correlationID string) (models.StatusView, bool, error)
	Set(ctx context.Context, correlationID, status string) error
}

// Limiter gates request admission per client.
type Limiter interface {
	Allow(ctx context.Context, clientID string) (bool, float64, error)
}

// Server wires the ingestion and status HTTP handlers.
type Server struct {
	cfg     config.Config
	store   JobStore
	queue   WorkQueue
	cache   StatusCache
	limiter Limiter
	log     *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate
// limiting (tests, local development).
func New(cfg config.Config, st JobStore, q WorkQueue, c StatusCache, limiter Limiter, log *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		cache:   c,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router. Auth and rate limiting are composed as
// middleware around the request handlers only; probes and metrics stay open.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authToken)
		r.Use(s.rateLimit)
		r.Post("/requests", s.handleCreate)
		r.Get("/requests/{correlationID}", s.handleStatus)
		r.Get("/dlq/{domain}", s.handleDLQ)
	})
	return r
}

type createRequest struct {
	ClientRequestID string `json:"client_request_id"`
	AccountID       string `json:"account_id"`
	TargetCloud     string `json:"target_cloud"`
	Principal       string `json:"principal"`
	PrincipalType   string `json:"principal_type"`
	Entitlement     string `json:"entitlement"`
	EntitlementType string `json:"entitlement_type"`
	Action          string `json:"action"`
}

func (req *createRequest) validate() string {
	switch {
	case req.ClientRequestID == "":
		return "client_request_id is required"
	case req.AccountID == "":
		return "account_id is required"
	case req.TargetCloud == "":
		return "target_cloud is required"
	case req.Principal == "":
		return "principal is required"
	case !models.ValidPrincipalType(req.PrincipalType):
		return "principal_type must be User or Role"
	case req.Entitlement == "":
		return "entitlement is required"
	case !models.ValidEntitlementType(req.EntitlementType):
		return "entitlement_type must be default or custom"
	case !models.ValidAction(req.Action):
		return "action must be add or remove"
	}
	return ""
}

type createResponse struct {
	Status          string    `json:"status"`
	ClientRequestID string    `json:"client_request_id"`
	CorrelationID   string    `json:"correlation_id"`
	ReceivedAt      time.Time `json:"received_at"`
}

// handleCreate records a change-request durably, enqueues it, and seeds the
// status cache. Duplicate client_request_ids are accepted as-is; the worker
// admission guard handles duplicate deliveries downstream.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	correlationID := uuid.New().String()
	receivedAt := time.Now().UTC()
	log := s.log.With("correlation_id", correlationID)

	job := models.Job{
		CorrelationID:   correlationID,
		ClientRequestID: req.ClientRequestID,
		AccountID:       req.AccountID,
		Principal:       req.Principal,
		PrincipalType:   req.PrincipalType,
		Entitlement:     req.Entitlement,
		EntitlementType: req.EntitlementType,
		Action:          req.Action,
		CloudProvider:   req.TargetCloud,
		Status:          models.StatusQueued,
		CreatedAt:       receivedAt,
		LastUpdatedAt:   receivedAt,
	}
	if err := s.store.CreateJob(r.Context(), job, "API request received"); err != nil {
		log.Error("create job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "backend service communication failed")
		return
	}

	msg := models.QueueMessage{
		CorrelationID:   correlationID,
		ClientRequestID: req.ClientRequestID,
		AccountID:       req.AccountID,
		Principal:       req.Principal,
		PrincipalType:   req.PrincipalType,
		Entitlement:     req.Entitlement,
		EntitlementType: req.EntitlementType,
		Action:          req.Action,
		TargetCloud:     req.TargetCloud,
		Status:          models.StatusQueued,
		ReceivedAt:      receivedAt,
	}
	if err := s.queue.Enqueue(r.Context(), req.TargetCloud, msg); err != nil {
		// The row exists but no worker will ever see it; fail it durably so
		// the audit trail explains what happened.
		log.Error("enqueue failed, failing job", "error", err)
		if fErr := s.store.Finalize(r.Context(), correlationID, models.StatusFailed,
			"work queue unavailable at submission", nil); fErr != nil {
			log.Error("finalize after enqueue failure also failed", "error", fErr)
		}
		writeError(w, http.StatusInternalServerError, "backend service communication failed")
		return
	}

	if err := s.cache.Set(r.Context(), correlationID, models.StatusQueued); err != nil {
		log.Warn("status cache seed failed", "error", err)
	}

	telemetry.RequestsAccepted.Inc()
	log.Info("request accepted", "account_id", req.AccountID, "action", req.Action)
	writeJSON(w, http.StatusAccepted, createResponse{
		Status:          "Request accepted",
		ClientRequestID: req.ClientRequestID,
		CorrelationID:   correlationID,
		ReceivedAt:      receivedAt,
	})
}

// handleStatus answers status queries through the cache-aside path: cache
// first, store on miss, repopulate on the way out.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlationID")
	log := s.log.With("correlation_id", correlationID)

	if view, hit, err := s.cache.Get(r.Context(), correlationID); err != nil {
		log.Warn("status cache read failed, falling back to store", "error", err)
	} else if hit {
		writeJSON(w, http.StatusOK, view)
		return
	}

	view, err := s.store.GetStatus(r.Context(), correlationID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		log.Error("status read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "backend service communication failed")
		return
	}

	if err := s.cache.Set(r.Context(), correlationID, view.Status); err != nil {
		log.Warn("status cache repopulate failed", "error", err)
	}
	writeJSON(w, http.StatusOK, view)
}

// handleDLQ returns dead-lettered payloads for a domain, for manual review.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	items, err := s.queue.DLQPeek(r.Context(), domain, 100)
	if err != nil {
		s.log.Error("dlq peek failed", "queue", domain, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read dead-letter queue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domain": domain, "items": items})
}

// handleReady reports readiness only when both backing services answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Error("readiness: store ping failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	if err := s.queue.Ping(r.Context()); err != nil {
		s.log.Error("readiness: queue ping failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "work queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// authToken enforces the static API token when one is configured.
func (s *Server) authToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIAuthToken != "" && r.Header.Get("X-Auth-Token") != s.cfg.APIAuthToken {
			s.log.Warn("request unauthorized: token check failed", "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid API token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit consumes one token per request from the client's bucket.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), clientID(r))
		if err != nil {
			// A broken limiter should not take the API down with it.
			s.log.Warn("rate limiter unavailable, admitting request", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientID(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
