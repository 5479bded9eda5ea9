package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/whale-analyst/internal/job"
	"github.com/sells-group/whale-analyst/internal/model"
	"github.com/sells-group/whale-analyst/internal/monitoring"
	"github.com/sells-group/whale-analyst/internal/store"
)

const maxRequestBody = 1 << 20

// submitter accepts analysis requests. *job.Orchestrator satisfies it.
type submitter interface {
	Submit(ctx context.Context, subjectKey string, kind model.AnalysisKind, input model.TransactionInput) (*job.Submission, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// api serves the job endpoints.
type api struct {
	jobs          submitter
	status        *job.StatusReader
	collector     *monitoring.Collector
	health        pinger
	lookbackHours int
}

// submitRequest is the POST /v1/jobs body.
type submitRequest struct {
	SubjectKey string                 `json:"subject_key,omitempty"`
	Kind       model.AnalysisKind     `json:"kind,omitempty"`
	Input      model.TransactionInput `json:"input"`
}

type errorBody struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// buildMux returns the HTTP handler for the service.
func buildMux(a *api, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", a.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", a.handleSubmit)
		r.Get("/jobs", a.handleList)
		r.Get("/jobs/{id}", a.handleGet)
		r.Get("/metrics", a.handleMetrics)
	})
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Error: "invalid_json", Message: err.Error()})
		return
	}
	if req.Kind == "" {
		req.Kind = model.KindTransaction
	}

	sub, err := a.jobs.Submit(r.Context(), req.SubjectKey, req.Kind, req.Input)
	if err != nil {
		var ve *job.ValidationError
		var se *job.StoreError
		switch {
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, errorBody{Error: "validation", Message: ve.Error(), Fields: ve.Fields})
		case errors.As(err, &se):
			zap.L().Error("submit: store unavailable", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, errorBody{Error: "store_unavailable", Message: "job could not be recorded, retry later"})
		default:
			zap.L().Error("submit failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: "submit failed"})
		}
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	st, err := a.status.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "no job with that id"})
		return
	}
	if err != nil {
		zap.L().Error("get job failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, errorBody{Error: "store_unavailable", Message: "job status unavailable, retry later"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Status:     model.JobStatus(q.Get("status")),
		Kind:       model.AnalysisKind(q.Get("kind")),
		SubjectKey: q.Get("subject_key"),
		Limit:      queryInt(q.Get("limit"), 50),
		Offset:     queryInt(q.Get("offset"), 0),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, errorBody{Error: "validation", Message: "unknown status " + string(filter.Status), Fields: []string{"status"}})
		return
	}

	jobs, err := a.status.List(r.Context(), filter)
	if err != nil {
		zap.L().Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, errorBody{Error: "store_unavailable", Message: "job list unavailable, retry later"})
		return
	}
	if jobs == nil {
		jobs = []job.Status{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (a *api) handleMetrics(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r.URL.Query().Get("lookback_hours"), a.lookbackHours)
	if hours <= 0 {
		hours = 24
	}
	snap, err := a.collector.Collect(r.Context(), hours)
	if err != nil {
		zap.L().Error("collect metrics failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, errorBody{Error: "store_unavailable", Message: "metrics unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = buf.WriteTo(w)
}

func writeError(w http.ResponseWriter, code int, body errorBody) {
	writeJSON(w, code, body)
}
