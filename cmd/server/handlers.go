package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helix-bio/recalibra/internal/accuracy"
	"github.com/helix-bio/recalibra/internal/api"
	"github.com/helix-bio/recalibra/internal/auth"
	"github.com/helix-bio/recalibra/internal/drift"
	"github.com/helix-bio/recalibra/internal/wal"
	"github.com/helix-bio/recalibra/pkg/otel"
)

const maxBodyBytes = 4 << 20

// requireScope rejects the request when gateway auth is on and the caller's
// scopes do not include the required one.
func (s *Server) requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	if !s.authEnabled {
		return true
	}
	if !auth.HasScope(r.Context(), scope) {
		http.Error(w, "Forbidden: missing scope "+scope, http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !s.requireScope(w, r, auth.ScopeRead) {
			return
		}
		respondJSON(w, http.StatusOK, s.registry.List())
	case http.MethodPost:
		if !s.requireScope(w, r, auth.ScopeWrite) {
			return
		}
		var model api.Model
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&model); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if err := s.registry.Register(model); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		respondJSON(w, http.StatusCreated, model)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	s.handleIngest(w, r, wal.KindPrediction)
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	s.handleIngest(w, r, wal.KindObservation)
}

// handleIngest journals the raw batch before parsing it, so an accepted
// submission survives a crash between accept and insert.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request, kind string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireScope(w, r, auth.ScopeWrite) {
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	s.metrics.IngestTotal.Inc()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	if err := s.journal.Append(kind, body); err != nil {
		log.Printf("Journal append error: %v", err)
		s.metrics.JournalErrors.Inc()
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	var accepted int
	switch kind {
	case wal.KindPrediction:
		var records []api.PredictionRecord
		if err := json.Unmarshal(body, &records); err != nil {
			s.rejectIngest(w, "Invalid JSON")
			return
		}
		if msg := validatePredictions(records); msg != "" {
			s.rejectIngest(w, msg)
			return
		}
		if err := s.repo.AddPredictions(ctx, records); err != nil {
			log.Printf("Prediction insert error: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		accepted = len(records)
	case wal.KindObservation:
		var records []api.ObservationRecord
		if err := json.Unmarshal(body, &records); err != nil {
			s.rejectIngest(w, "Invalid JSON")
			return
		}
		if msg := validateObservations(records); msg != "" {
			s.rejectIngest(w, msg)
			return
		}
		if err := s.repo.AddObservations(ctx, records); err != nil {
			log.Printf("Observation insert error: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		accepted = len(records)
	}

	respondJSON(w, http.StatusOK, map[string]int{"accepted": accepted})
}

func (s *Server) rejectIngest(w http.ResponseWriter, msg string) {
	s.metrics.IngestErrors.Inc()
	http.Error(w, msg, http.StatusBadRequest)
}

func validatePredictions(records []api.PredictionRecord) string {
	for i, r := range records {
		if r.EntityID == "" || r.ModelID == "" {
			return "entity_id and model_id are required (record " + strconv.Itoa(i) + ")"
		}
		if r.ProducedAt.IsZero() {
			return "produced_at is required (record " + strconv.Itoa(i) + ")"
		}
		if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
			return "confidence must be in [0,1] (record " + strconv.Itoa(i) + ")"
		}
	}
	return ""
}

func validateObservations(records []api.ObservationRecord) string {
	for i, r := range records {
		if r.EntityID == "" || r.AssayID == "" {
			return "entity_id and assay_id are required (record " + strconv.Itoa(i) + ")"
		}
		if r.ObservedAt.IsZero() {
			return "observed_at is required (record " + strconv.Itoa(i) + ")"
		}
		if r.Uncertainty != nil && *r.Uncertainty < 0 {
			return "uncertainty must be non-negative (record " + strconv.Itoa(i) + ")"
		}
	}
	return ""
}

func (s *Server) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireScope(w, r, auth.ScopeRead) {
		return
	}
	modelID := r.URL.Query().Get("model_id")
	if modelID == "" {
		http.Error(w, "model_id is required", http.StatusBadRequest)
		return
	}
	if _, err := s.registry.GetModel(modelID); err != nil {
		http.Error(w, "Unknown model", http.StatusNotFound)
		return
	}

	alignment, err := s.source.Pairs(r.Context(), modelID)
	if err != nil {
		log.Printf("Pair alignment failed for %s: %v", modelID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if bucket := r.URL.Query().Get("bucket"); bucket != "" {
		series, err := accuracy.ComputeTimeseries(alignment.Pairs, api.BucketSize(bucket))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		respondJSON(w, http.StatusOK, series)
		return
	}

	snapshot, err := accuracy.Compute(alignment.Pairs)
	if err != nil {
		var insufficient *accuracy.InsufficientDataError
		if errors.As(err, &insufficient) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"model_id": modelID,
		"accuracy": snapshot,
		"skipped":  alignment.Skipped,
	})
}

type driftCheckRequest struct {
	ModelID string `json:"model_id"`
}

func (s *Server) handleDriftCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.requireScope(w, r, auth.ScopeWrite) {
		return
	}

	var req driftCheckRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ModelID == "" {
		http.Error(w, "model_id is required", http.StatusBadRequest)
		return
	}
	model, err := s.registry.GetModel(req.ModelID)
	if err != nil {
		http.Error(w, "Unknown model", http.StatusNotFound)
		return
	}

	ctx := r.Context()
	alignment, err := s.source.Pairs(ctx, req.ModelID)
	if err != nil {
		log.Printf("Pair alignment failed for %s: %v", req.ModelID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	ctx, span := otel.StartSpan(ctx, "recalibra", "drift.check",
		otel.CheckAttributes(req.ModelID, len(alignment.Pairs), alignment.Skipped)...)
	defer span.End()
	span.SetAttributes(otel.AttrModelKind.String(string(model.Kind)))
	if version, err := s.repo.DataVersion(ctx, req.ModelID); err == nil {
		span.SetAttributes(otel.AttrDataVersion.Int64(version))
	}

	started := time.Now()
	result := drift.Check(req.ModelID, alignment.Pairs, s.driftCfg)
	s.metrics.CheckDuration.Observe(time.Since(started).Seconds())
	s.metrics.ChecksTotal.WithLabelValues(req.ModelID).Inc()

	if result.Detected == nil {
		s.metrics.InsufficientData.WithLabelValues(req.ModelID).Inc()
	} else if *result.Detected {
		s.metrics.DriftDetected.WithLabelValues(req.ModelID).Inc()
		span.SetAttributes(otel.AttrDriftDetected.Bool(true))
		span.SetAttributes(otel.AttrDriftTests.StringSlice(result.TriggeredTests))
	}

	if err := s.repo.SaveDriftCheck(ctx, result); err != nil {
		otel.RecordError(span, err, "drift check persistence failed")
		log.Printf("Failed to persist drift check for %s: %v", req.ModelID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	span.SetAttributes(otel.AttrCheckID.String(result.ID))

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleListChecks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireScope(w, r, auth.ScopeRead) {
		return
	}
	modelID := r.URL.Query().Get("model_id")
	if modelID == "" {
		http.Error(w, "model_id is required", http.StatusBadRequest)
		return
	}

	checks, err := s.repo.ListDriftChecks(r.Context(), modelID, queryInt(r, "limit", 50))
	if err != nil {
		log.Printf("Failed to list drift checks: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, checks)
}

type recalibrateRequest struct {
	ModelID     string `json:"model_id"`
	TriggeredBy string `json:"triggered_by"`
	Strategy    string `json:"strategy"`
}

// handleRecalibrate queues the fit and answers 202 with the pending run; the
// caller polls /v1/runs/{id} for the terminal state.
func (s *Server) handleRecalibrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.requireScope(w, r, auth.ScopeRecalibrate) {
		return
	}

	var req recalibrateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ModelID == "" {
		http.Error(w, "model_id is required", http.StatusBadRequest)
		return
	}
	if _, err := s.registry.GetModel(req.ModelID); err != nil {
		http.Error(w, "Unknown model", http.StatusNotFound)
		return
	}

	ctx, span := otel.StartSpan(r.Context(), "recalibra", "recalibration.submit")
	defer span.End()

	alignment, err := s.source.Pairs(ctx, req.ModelID)
	if err != nil {
		otel.RecordError(span, err, "pair alignment failed")
		log.Printf("Pair alignment failed for %s: %v", req.ModelID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	run, err := s.runner.Submit(ctx, req.ModelID, alignment.Pairs, req.TriggeredBy, req.Strategy)
	if err != nil {
		otel.RecordError(span, err, "recalibration submit failed")
		log.Printf("Recalibration submit failed for %s: %v", req.ModelID, err)
		http.Error(w, "Recalibration queue unavailable", http.StatusServiceUnavailable)
		return
	}
	span.SetAttributes(otel.RunAttributes(run.ID, run.ModelID, string(run.Strategy))...)
	span.SetAttributes(otel.AttrRunStatus.String(string(run.Status)))

	s.metrics.Recalibrations.WithLabelValues(req.ModelID).Inc()
	respondJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireScope(w, r, auth.ScopeRead) {
		return
	}
	modelID := r.URL.Query().Get("model_id")
	if modelID == "" {
		http.Error(w, "model_id is required", http.StatusBadRequest)
		return
	}

	runs, err := s.repo.ListRecalibrationRuns(r.Context(), modelID, queryInt(r, "limit", 50))
	if err != nil {
		log.Printf("Failed to list runs: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireScope(w, r, auth.ScopeRead) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if id == "" {
		http.Error(w, "run id is required", http.StatusBadRequest)
		return
	}

	run, err := s.repo.GetRecalibrationRun(r.Context(), id)
	if err != nil {
		log.Printf("Failed to load run %s: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
