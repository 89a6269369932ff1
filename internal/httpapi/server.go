// Package httpapi exposes the pool over HTTP: job admission, status,
// results, cancellation, worker views and the job archive.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/flowpool/internal/archive"
	"github.com/ChuLiYu/flowpool/internal/ledger"
	"github.com/ChuLiYu/flowpool/internal/pool"
	"github.com/ChuLiYu/flowpool/internal/registry"
	"github.com/ChuLiYu/flowpool/pkg/failure"
	"github.com/ChuLiYu/flowpool/pkg/graph"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

// maxWait caps how long a result request may block.
const maxWait = 10 * time.Minute

type Server struct {
	Pool    *pool.Pool
	Archive *archive.Archive // optional
	Metrics http.Handler     // optional
	Logger  *slog.Logger
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealth)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/result", s.handleGetResult)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/workers", s.handleListWorkers)
		r.Post("/workers/{id}/unblock", s.handleUnblock)
		r.Get("/stats", s.handleStats)
		r.Get("/archive", s.handleListArchive)
		r.Get("/archive/{id}", s.handleGetArchived)
	})
	return r
}

func (s Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger().Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"took", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()),
		)
	})
}

func (s Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.Pool.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "no workers available"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// createJobRequest is the body of POST /v1/jobs.
type createJobRequest struct {
	Graph            graph.Graph       `json:"graph"`
	Priority         int               `json:"priority"`
	PreferredWorkers []string          `json:"preferred_workers"`
	ExcludedWorkers  []string          `json:"excluded_workers"`
	WorkerPriorities map[string]int    `json:"worker_priorities"`
	MaxAttempts      int               `json:"max_attempts"`
	RetryDelay       string            `json:"retry_delay"` // Go duration, e.g. "2s"
	Outputs          map[string]string `json:"outputs"`
	Bypass           []string          `json:"bypass"`
}

func (req createJobRequest) options() (pool.AdmitOptions, error) {
	opts := pool.AdmitOptions{
		Priority:         req.Priority,
		PreferredWorkers: req.PreferredWorkers,
		ExcludedWorkers:  req.ExcludedWorkers,
		WorkerPriorities: req.WorkerPriorities,
		MaxAttempts:      req.MaxAttempts,
		Outputs:          req.Outputs,
		Bypass:           req.Bypass,
	}
	if req.MaxAttempts < 0 {
		return opts, fmt.Errorf("max_attempts must not be negative")
	}
	if req.RetryDelay != "" {
		d, err := time.ParseDuration(req.RetryDelay)
		if err != nil || d < 0 {
			return opts, fmt.Errorf("invalid retry_delay: %q", req.RetryDelay)
		}
		opts.RetryDelay = d
	}
	return opts, nil
}

func (s Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	opts, err := req.options()
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.Pool.AdmitJob(req.Graph, opts)
	switch {
	case errors.Is(err, ledger.ErrEmptyGraph), errors.Is(err, ledger.ErrUnknownNode):
		writeErr(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, pool.ErrClosed):
		writeErr(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	job, _ := s.Pool.Job(id)
	w.Header().Set("Location", "/v1/jobs/"+string(id))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":          id,
		"status":      job.Status,
		"fingerprint": job.Fingerprint,
	})
}

// jobView is a job without its graph.
type jobView struct {
	ID          types.JobID      `json:"id"`
	Status      types.JobStatus  `json:"status"`
	Fingerprint string           `json:"fingerprint"`
	Priority    int              `json:"priority,omitempty"`
	Attempts    int              `json:"attempts"`
	WorkerID    string           `json:"worker_id,omitempty"`
	RunID       string           `json:"run_id,omitempty"`
	Error       string           `json:"error,omitempty"`
	Result      *resultView      `json:"result,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Options     types.JobOptions `json:"options"`
}

type resultView struct {
	Status    types.JobStatus `json:"status"`
	Outputs   map[string]any  `json:"outputs,omitempty"`
	Raw       map[string]any  `json:"raw,omitempty"`
	Cached    bool            `json:"cached,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind failure.Kind    `json:"error_kind,omitempty"`
}

func viewJob(j types.Job) jobView {
	v := jobView{
		ID:          j.ID,
		Status:      j.Status,
		Fingerprint: j.Fingerprint,
		Priority:    j.Options.Priority,
		Attempts:    j.Attempts,
		WorkerID:    j.WorkerID,
		RunID:       j.RunID,
		Error:       j.ErrorText,
		CreatedAt:   time.UnixMilli(j.CreatedAt).UTC(),
		UpdatedAt:   time.UnixMilli(j.UpdatedAt).UTC(),
		Options:     j.Options,
	}
	if j.Result != nil {
		rv := viewResult(*j.Result)
		v.Result = &rv
	}
	return v
}

func viewResult(r types.Result) resultView {
	v := resultView{Status: r.Status, Outputs: r.Outputs, Raw: r.Raw, Cached: r.Cached}
	if r.Err != nil {
		v.Error = r.Err.Error()
		v.ErrorKind = failure.KindOf(r.Err)
	}
	return v
}

var knownStatuses = map[types.JobStatus]bool{
	types.StatusPending:   true,
	types.StatusAssigned:  true,
	types.StatusRunning:   true,
	types.StatusCompleted: true,
	types.StatusFailed:    true,
	types.StatusCanceled:  true,
	types.StatusNoWorker:  true,
}

func parseStatus(r *http.Request) (types.JobStatus, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("status"))
	if raw == "" {
		return "", nil
	}
	st := types.JobStatus(raw)
	if !knownStatuses[st] {
		return "", fmt.Errorf("invalid status: %s", raw)
	}
	return st, nil
}

func parseLimit(r *http.Request, def, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit: %s", raw)
	}
	return min(n, max), nil
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatus(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	var jobs []types.Job
	if status != "" {
		jobs = s.Pool.Jobs(status)
	} else {
		jobs = s.Pool.Jobs()
	}
	resp := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, viewJob(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Pool.Job(types.JobID(chi.URLParam(r, "id")))
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, viewJob(job))
}

// handleGetResult returns the result of a finished job. With wait=1 it
// blocks until the job finishes, the optional timeout passes, or the client
// goes away.
func (s Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	job, err := s.Pool.Job(id)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	if job.Status.Terminal() && job.Result != nil {
		writeJSON(w, http.StatusOK, viewResult(*job.Result))
		return
	}

	q := r.URL.Query()
	if wait, _ := strconv.ParseBool(q.Get("wait")); !wait {
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": job.Status})
		return
	}
	timeout := maxWait
	if raw := q.Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid timeout: %s", raw))
			return
		}
		timeout = min(d, maxWait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	res, err := s.Pool.AwaitResult(ctx, id)
	if err != nil {
		job, _ = s.Pool.Job(id)
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": job.Status})
		return
	}
	writeJSON(w, http.StatusOK, viewResult(res))
}

func (s Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	if err := s.Pool.CancelJob(r.Context(), id); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s Server) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Pool.Workers())
}

func (s Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Fingerprint == "" {
		writeErr(w, http.StatusBadRequest, errors.New("body must be {\"fingerprint\": \"...\"}"))
		return
	}
	if err := s.Pool.UnblockWorker(chi.URLParam(r, "id"), body.Fingerprint); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  s.Pool.Stats(),
		"queue": s.Pool.QueueDepth(),
	})
}

func (s Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	if s.Archive == nil {
		writeErr(w, http.StatusNotFound, errors.New("archive disabled"))
		return
	}
	status, err := parseStatus(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	limit, err := parseLimit(r, 50, 500)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	recs, err := s.Archive.List(r.Context(), archive.Filter{Status: status, Limit: limit})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []archive.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s Server) handleGetArchived(w http.ResponseWriter, r *http.Request) {
	if s.Archive == nil {
		writeErr(w, http.StatusNotFound, errors.New("archive disabled"))
		return
	}
	rec, err := s.Archive.Get(r.Context(), types.JobID(chi.URLParam(r, "id")))
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrJobNotFound),
		errors.Is(err, registry.ErrWorkerNotFound),
		errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyFinished),
		errors.Is(err, registry.ErrNotBlocked):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
