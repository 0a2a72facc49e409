package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/phuslu/log"

	"campus-job-queue/internal/chain"
	"campus-job-queue/internal/config"
	"campus-job-queue/internal/enqueue"
	"campus-job-queue/internal/jobtype"
	"campus-job-queue/internal/models"
	"campus-job-queue/internal/ratelimit"
	"campus-job-queue/internal/reconciler"
	"campus-job-queue/internal/store"
	"campus-job-queue/internal/telemetry"
	"campus-job-queue/internal/worker"
)

// Server wires the HTTP boundary: enqueue, status reads, the worker and
// reconcile triggers for schedule-driven hosts, manual requeue, and
// chaining control.
type Server struct {
	cfg        config.Config
	store      store.JobStore
	enqueuer   *enqueue.Enqueuer
	worker     *worker.Worker
	reconciler *reconciler.Reconciler
	chains     *chain.Controller
	limiter    *ratelimit.TokenBucket
}

func New(cfg config.Config, st store.JobStore, enq *enqueue.Enqueuer, w *worker.Worker, rec *reconciler.Reconciler, chains *chain.Controller, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		enqueuer:   enq,
		worker:     w,
		reconciler: rec,
		chains:     chains,
		limiter:    limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/queues/{queue}", func(r chi.Router) {
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/requeue", s.handleRequeue)
		r.Post("/worker/run", s.handleWorkerRun)
	})
	r.Post("/reconcile", s.handleReconcile)

	r.Post("/chains", s.handleCreateChain)
	r.Get("/chains/{id}", s.handleGetChain)
	r.Post("/chains/{id}/pause", s.handleChainPause)
	r.Post("/chains/{id}/resume", s.handleChainResume)

	return r
}

type enqueueRequest struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	MaxRetries int             `json:"max_retries"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	q := models.Queue(chi.URLParam(r, "queue"))
	if !q.Valid() {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown queue %q", q))
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	tenant := tenantFromRequest(r)

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), "rl:"+tenant)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, err := s.enqueuer.Enqueue(r.Context(), q, req.Type, tenant, req.Payload, enqueue.Options{MaxRetries: req.MaxRetries})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "job_id": job.ID, "job": job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	q := models.Queue(chi.URLParam(r, "queue"))
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), q, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("events_limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.store.ListEvents(r.Context(), q, id, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": job, "events": events})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	q := models.Queue(chi.URLParam(r, "queue"))
	id := chi.URLParam(r, "id")
	job, err := s.store.RequeueDeadLetter(r.Context(), q, id, time.Now().UTC())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.store.AppendEvent(r.Context(), q, models.JobEvent{
		JobID:   id,
		Status:  models.StatusPending,
		Stage:   "manual_requeue",
		Message: "requeued by operator",
	}); err != nil {
		log.Warn().Err(err).Str("job_id", id).Msg("append requeue event")
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": job})
}

type workerRunRequest struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleWorkerRun(w http.ResponseWriter, r *http.Request) {
	q := models.Queue(chi.URLParam(r, "queue"))
	if !q.Valid() {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown queue %q", q))
		return
	}
	var req workerRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	summary, err := s.worker.RunOnce(r.Context(), q, req.JobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "summary": summary})
}

type reconcileRequest struct {
	Tenant string `json:"tenant"`
	Queue  string `json:"queue"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if req.Queue != "" {
		q := models.Queue(req.Queue)
		if !q.Valid() {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown queue %q", q))
			return
		}
		qr, err := s.reconciler.SweepOne(r.Context(), q, req.Tenant)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": reconciler.Result{q: qr}})
		return
	}
	result, err := s.reconciler.Sweep(r.Context(), req.Tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

type createChainRequest struct {
	Queue    string            `json:"queue"`
	Type     string            `json:"type"`
	Payloads []json.RawMessage `json:"payloads"`
}

func (s *Server) handleCreateChain(w http.ResponseWriter, r *http.Request) {
	var req createChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	q := models.Queue(req.Queue)
	if !q.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown queue %q", q))
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if len(req.Payloads) == 0 {
		writeError(w, http.StatusBadRequest, "payloads is required")
		return
	}
	ch, err := s.chains.Create(r.Context(), chain.CreateParams{
		Queue:    q,
		Type:     req.Type,
		Tenant:   tenantFromRequest(r),
		Payloads: req.Payloads,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "chain": ch})
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	ch, err := s.store.GetChain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "chain": ch})
}

func (s *Server) handleChainPause(w http.ResponseWriter, r *http.Request) {
	ch, err := s.chains.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "chain_id": ch.ID, "chaining_enabled": ch.ChainingEnabled})
}

func (s *Server) handleChainResume(w http.ResponseWriter, r *http.Request) {
	ch, err := s.chains.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "chain_id": ch.ID, "chaining_enabled": ch.ChainingEnabled})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrJobNotFound), errors.Is(err, store.ErrChainNotFound), errors.Is(err, store.ErrUnknownQueue):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrNotDeadLetter), errors.Is(err, store.ErrLeaseLost):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobtype.ErrUnknownJobType):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		if isValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// isValidationError distinguishes payload validation rejections, which
// surface as wrapped "invalid payload" errors from the registry.
func isValidationError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "invalid payload") || strings.Contains(err.Error(), "not valid JSON"))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": map[string]any{"message": msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
