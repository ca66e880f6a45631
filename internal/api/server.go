// Package api exposes the operation intake and checkpoint endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"portal-runner/internal/accounts"
	"portal-runner/internal/audit"
	"portal-runner/internal/config"
	"portal-runner/internal/models"
	"portal-runner/internal/store"
	"portal-runner/internal/telemetry"
)

// Store is the persistence surface the API needs.
type Store interface {
	CreateOperation(ctx context.Context, p store.CreateOperationParams) (models.Operation, error)
	GetOperation(ctx context.Context, id string) (models.Operation, error)
	SetCaptchaSolution(ctx context.Context, id, solution string) (bool, error)
	SetSelectedToken(ctx context.Context, id, token, promo string) (bool, error)
	RequestConfirm(ctx context.Context, id string) (bool, error)
	MarkCancelled(ctx context.Context, id, message string) (bool, error)
	AuditTrail(ctx context.Context, operationID string, limit int) ([]models.AuditEvent, error)
}

// Queue is the intake side of the work queue.
type Queue interface {
	Enqueue(ctx context.Context, operationID string) error
	Cancel(ctx context.Context, operationID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter gates intake per account. Implemented by ratelimit.TokenBucket.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server routes HTTP requests to the store and queue.
type Server struct {
	cfg      config.Config
	store    Store
	queue    Queue
	limiter  Limiter
	registry *accounts.Registry
	tracker  *audit.Tracker
	router   chi.Router
}

// NewServer builds the router.
func NewServer(cfg config.Config, st Store, q Queue, limiter Limiter, reg *accounts.Registry, tracker *audit.Tracker) *Server {
	s := &Server{cfg: cfg, store: st, queue: q, limiter: limiter, registry: reg, tracker: tracker}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Route("/operations", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Post("/captcha", s.handleCaptcha)
			r.Post("/package", s.handlePackage)
			r.Post("/confirm", s.handleConfirm)
			r.Post("/cancel", s.handleCancel)
			r.Get("/audit", s.handleAudit)
		})
	})
	r.Get("/dlq", s.handleDLQ)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type createRequest struct {
	Type       string `json:"type"`
	CardNumber string `json:"card_number"`
	AccountID  string `json:"account_id,omitempty"`
}

func validType(t string) bool {
	switch t {
	case models.TypeRenew, models.TypeCheckBalance, models.TypeSignalRefresh:
		return true
	}
	return false
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !validType(req.Type) {
		writeError(w, http.StatusBadRequest, "unknown operation type")
		return
	}
	if req.CardNumber == "" {
		writeError(w, http.StatusBadRequest, "card_number is required")
		return
	}

	acct, err := s.registry.Assign(req.AccountID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	allowed, retryIn, err := s.limiter.Allow(r.Context(), acct.ID)
	if err != nil {
		log.Printf("rate limiter: %v", err)
	} else if !allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", formatSeconds(retryIn))
		writeError(w, http.StatusTooManyRequests, "intake rate exceeded for this account")
		return
	}

	op, err := s.store.CreateOperation(r.Context(), store.CreateOperationParams{
		Type:        req.Type,
		CardNumber:  req.CardNumber,
		AccountID:   acct.ID,
		MaxAttempts: s.cfg.MaxAttempts,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create operation")
		return
	}
	if err := s.queue.Enqueue(r.Context(), op.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "could not queue operation")
		return
	}

	telemetry.IntakeCounter.Inc()
	s.tracker.Record(op.ID, "created", "type="+op.Type+" account="+acct.ID)
	writeJSON(w, http.StatusCreated, op)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	op, ok := s.loadOperation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, op)
}

type captchaRequest struct {
	Solution string `json:"solution"`
}

func (s *Server) handleCaptcha(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req captchaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Solution == "" {
		writeError(w, http.StatusBadRequest, "solution is required")
		return
	}
	ok, err := s.store.SetCaptchaSolution(r.Context(), id, req.Solution)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not record solution")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "operation is not awaiting a captcha solution")
		return
	}
	s.tracker.Record(id, "captcha_submitted", "")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type packageRequest struct {
	Token     string `json:"token"`
	PromoCode string `json:"promo_code,omitempty"`
}

func (s *Server) handlePackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req packageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	ok, err := s.store.SetSelectedToken(r.Context(), id, req.Token, req.PromoCode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not record selection")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "operation is not awaiting a package selection")
		return
	}
	s.tracker.Record(id, "package_submitted", "token="+req.Token)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.store.RequestConfirm(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not record confirmation")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "operation is not awaiting confirmation or the window expired")
		return
	}
	s.tracker.Record(id, "confirm_requested", "")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	op, ok := s.loadOperation(w, r)
	if !ok {
		return
	}
	if !models.Cancellable(op.Status) {
		writeError(w, http.StatusConflict, "operation in state "+op.Status+" can no longer be cancelled")
		return
	}

	id := op.ID
	ok, err := s.store.MarkCancelled(r.Context(), id, "cancelled by operator")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not cancel operation")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "operation can no longer be cancelled")
		return
	}
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		log.Printf("remove %s from queue: %v", id, err)
	}
	telemetry.OperationsCancel.Inc()
	s.tracker.Record(id, "cancelled", "by operator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := s.store.AuditTrail(r.Context(), id, 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load audit trail")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation_id": id, "events": events})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	ids, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not read dead letter queue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation_ids": ids})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) loadOperation(w http.ResponseWriter, r *http.Request) (models.Operation, bool) {
	id := chi.URLParam(r, "id")
	op, err := s.store.GetOperation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "operation not found")
		} else {
			writeError(w, http.StatusInternalServerError, "could not load operation")
		}
		return models.Operation{}, false
	}
	return op, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func formatSeconds(seconds float64) string {
	s := int(seconds + 0.999)
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
