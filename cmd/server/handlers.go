package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Simplici0/lpbf-planner/internal/apperr"
	"github.com/Simplici0/lpbf-planner/internal/estimator"
	"github.com/Simplici0/lpbf-planner/internal/metrics"
	"github.com/Simplici0/lpbf-planner/internal/planner"
	"github.com/Simplici0/lpbf-planner/internal/store"
)

const maxBodyBytes = 1 << 20

// plannerService is the part of *planner.Service the handlers call.
type plannerService interface {
	Estimate(ctx context.Context, req planner.EstimateRequest) (estimator.Prediction, error)
	Train(ctx context.Context, segmentKey string) ([]estimator.TrainingReport, error)
	ModelStatus(ctx context.Context) ([]estimator.SegmentStatus, error)
	CreateInquiry(ctx context.Context, in planner.InquiryInput) (*store.Inquiry, error)
	GetInquiry(ctx context.Context, id int64) (*store.Inquiry, error)
	CreateBuildJob(ctx context.Context, in planner.BuildJobInput) (*store.BuildJob, error)
	GetBuildJob(ctx context.Context, id int64) (*planner.BuildJobView, error)
	UpdateBuildJobStatus(ctx context.Context, id int64, status string) (*store.BuildJob, error)
	RunBatchScheduling(ctx context.Context, jobID int64) (*planner.ScheduleResult, error)
	DecisionLog(ctx context.Context, jobID int64, limit int) ([]store.DecisionRecord, error)
	CreateCalculation(ctx context.Context, in planner.CalculationInput) (*planner.CalculationView, error)
	GetCalculation(ctx context.Context, id int64) (*planner.CalculationView, error)
	AddCalculationParts(ctx context.Context, calcID int64, in planner.AddPartsInput) (*planner.AddPartsResult, error)
	UpdateCalculationPart(ctx context.Context, calcID, cpID int64, upd planner.CalcPartUpdate) (*planner.CalcLine, error)
}

type server struct {
	planner  plannerService
	gatherer prometheus.Gatherer
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler(s.gatherer))

	r.Route("/api", func(r chi.Router) {
		r.Post("/estimate", s.handleEstimate)

		r.Post("/ml/train", s.handleTrain)
		r.Get("/ml/status", s.handleModelStatus)

		r.Post("/inquiries", s.handleCreateInquiry)
		r.Get("/inquiries/{id}", s.handleGetInquiry)

		r.Post("/buildjobs", s.handleCreateBuildJob)
		r.Get("/buildjobs/{id}", s.handleGetBuildJob)
		r.Put("/buildjobs/{id}/status", s.handleUpdateBuildJobStatus)

		r.Post("/nesting/run/{jobID}", s.handleRunNesting)
		r.Get("/nesting/log", s.handleNestingLog)

		r.Post("/calculations", s.handleCreateCalculation)
		r.Get("/calculations/{id}", s.handleGetCalculation)
		r.Post("/calculations/{id}/parts", s.handleAddCalculationParts)
		r.Put("/calculations/{id}/parts/{cpID}", s.handleUpdateCalculationPart)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req planner.EstimateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pred, err := s.planner.Estimate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

func (s *server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Segment string `json:"segment"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return
	}
	if q := r.URL.Query().Get("segment"); q != "" {
		req.Segment = q
	}
	reports, err := s.planner.Train(r.Context(), req.Segment)
	if err != nil && reports == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		// Segments finished before the interruption stay trained.
		status, msg := errorStatus(err)
		writeJSON(w, status, map[string]any{"results": reports, "error": msg})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": reports})
}

func (s *server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.planner.ModelStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segments": status})
}

func (s *server) handleCreateInquiry(w http.ResponseWriter, r *http.Request) {
	var in planner.InquiryInput
	if !decodeJSON(w, r, &in) {
		return
	}
	inq, err := s.planner.CreateInquiry(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inq)
}

func (s *server) handleGetInquiry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "inquiry")
	if !ok {
		return
	}
	inq, err := s.planner.GetInquiry(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inq)
}

func (s *server) handleCreateBuildJob(w http.ResponseWriter, r *http.Request) {
	var in planner.BuildJobInput
	if !decodeJSON(w, r, &in) {
		return
	}
	job, err := s.planner.CreateBuildJob(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *server) handleGetBuildJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "build job")
	if !ok {
		return
	}
	job, err := s.planner.GetBuildJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *server) handleUpdateBuildJobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "build job")
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	job, err := s.planner.UpdateBuildJobStatus(r.Context(), id, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *server) handleRunNesting(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "jobID", "build job")
	if !ok {
		return
	}
	res, err := s.planner.RunBatchScheduling(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleNestingLog(w http.ResponseWriter, r *http.Request) {
	var jobID int64
	if raw := r.URL.Query().Get("job_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid job_id", http.StatusBadRequest)
			return
		}
		jobID = id
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.planner.DecisionLog(r.Context(), jobID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *server) handleCreateCalculation(w http.ResponseWriter, r *http.Request) {
	var in planner.CalculationInput
	if !decodeJSON(w, r, &in) {
		return
	}
	calc, err := s.planner.CreateCalculation(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, calc)
}

func (s *server) handleGetCalculation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "calculation")
	if !ok {
		return
	}
	calc, err := s.planner.GetCalculation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calc)
}

func (s *server) handleAddCalculationParts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "calculation")
	if !ok {
		return
	}
	var in planner.AddPartsInput
	if !decodeJSON(w, r, &in) {
		return
	}
	res, err := s.planner.AddCalculationParts(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleUpdateCalculationPart(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "calculation")
	if !ok {
		return
	}
	cpID, ok := pathID(w, r, "cpID", "calculation part")
	if !ok {
		return
	}
	var upd planner.CalcPartUpdate
	if !decodeJSON(w, r, &upd) {
		return
	}
	line, err := s.planner.UpdateCalculationPart(r.Context(), id, cpID, upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func pathID(w http.ResponseWriter, r *http.Request, param, entity string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid "+entity+" id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps err to a status code and the message shown to the caller.
// Unexpected errors are logged and hidden.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, apperr.ErrInvalidState):
		return http.StatusConflict, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "interrupted: " + err.Error()
	}
	slog.Error("request failed", "error", err)
	return http.StatusInternalServerError, "internal error"
}
