package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sigengine/sigengine/internal/engine"
	"github.com/sigengine/sigengine/internal/experiment"
	"github.com/sigengine/sigengine/internal/stats"
	"github.com/sigengine/sigengine/internal/store"
)

type HealthResponse struct {
	Status           string `json:"status"`
	ExperimentsCount int    `json:"experiments_count"`
	DBSizeBytes      int64  `json:"db_size_bytes"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	exps, err := s.store.ListExperiments(r.Context())
	if err != nil {
		s.internalError(w, "failed to list experiments", err)
		return
	}

	// Get database size
	var dbSize int64
	row := s.store.DB().QueryRow("SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()")
	if err := row.Scan(&dbSize); err != nil {
		dbSize = 0
	}

	response := HealthResponse{
		Status:           "ok",
		ExperimentsCount: len(exps),
		DBSizeBytes:      dbSize,
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
	}

	writeJSON(w, http.StatusOK, response)
}

// EvaluateRequest is a stateless evaluation of caller-supplied metrics.
// Alpha and the guardrail ratios default to the server's engine config.
type EvaluateRequest struct {
	Control    engine.VariantMetrics   `json:"control"`
	Treatments []engine.VariantMetrics `json:"treatments"`
	Alpha      *float64                `json:"alpha,omitempty"`
	Guardrails *GuardrailOverrides     `json:"guardrails,omitempty"`
}

type GuardrailOverrides struct {
	UnsubscribeRatio *float64 `json:"unsubscribe_ratio,omitempty"`
	ComplaintRatio   *float64 `json:"complaint_ratio,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	cfg := s.engineCfg
	if req.Alpha != nil {
		cfg.Alpha = *req.Alpha
	}
	if req.Guardrails != nil {
		if req.Guardrails.UnsubscribeRatio != nil {
			cfg.UnsubscribeRatio = *req.Guardrails.UnsubscribeRatio
		}
		if req.Guardrails.ComplaintRatio != nil {
			cfg.ComplaintRatio = *req.Guardrails.ComplaintRatio
		}
	}

	decision, err := engine.Evaluate(req.Control, req.Treatments, cfg)
	if err != nil {
		if engine.IsValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.internalError(w, "evaluation failed", err)
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

// PlanRequest asks how many visits per variant a test needs. Power and
// significance default to the server's engine config.
type PlanRequest struct {
	BaselineRate            float64  `json:"baseline_rate"`
	MinimumDetectableEffect float64  `json:"minimum_detectable_effect"`
	Power                   *float64 `json:"power,omitempty"`
	Significance            *float64 `json:"significance,omitempty"`
}

type PlanResponse struct {
	RequiredSampleSize int64 `json:"required_sample_size"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	cfg := s.engineCfg
	if req.Power != nil {
		cfg.Power = *req.Power
	}
	if req.Significance != nil {
		cfg.Significance = *req.Significance
	}

	n, err := engine.RequiredSampleSize(req.BaselineRate, req.MinimumDetectableEffect, cfg)
	if err != nil {
		if engine.IsValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.internalError(w, "sample size calculation failed", err)
		return
	}

	writeJSON(w, http.StatusOK, PlanResponse{RequiredSampleSize: n})
}

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "GET, POST, OPTIONS")
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		s.listExperiments(w, r)
	case http.MethodPost:
		s.createExperiment(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listExperiments(w http.ResponseWriter, r *http.Request) {
	exps, err := s.store.ListExperiments(r.Context())
	if err != nil {
		s.internalError(w, "failed to list experiments", err)
		return
	}

	// Return empty array instead of null
	if exps == nil {
		exps = []*experiment.Experiment{}
	}

	writeJSON(w, http.StatusOK, exps)
}

// CreateExperimentRequest creates a draft experiment. Unless
// full_exposure is set, the treatment share of the allocation is
// clamped to the initial exposure cap.
type CreateExperimentRequest struct {
	Name          string   `json:"name"`
	CampaignID    string   `json:"campaign_id"`
	Control       string   `json:"control,omitempty"`
	Treatments    []string `json:"treatments"`
	Allocation    []int    `json:"allocation,omitempty"`
	FeatureFlagID string   `json:"feature_flag_id,omitempty"`
	FullExposure  bool     `json:"full_exposure,omitempty"`
}

func (s *Server) createExperiment(w http.ResponseWriter, r *http.Request) {
	var req CreateExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	exp, err := experiment.New(req.Name, req.CampaignID, req.Control, req.Treatments, req.Allocation)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	exp.FeatureFlagID = req.FeatureFlagID
	if !req.FullExposure {
		exp.Allocation = experiment.ClampInitialExposure(exp.Allocation, 0)
	}

	if err := s.store.CreateExperiment(r.Context(), exp); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		s.internalError(w, "failed to create experiment", err)
		return
	}

	s.logger.Info("experiment created", zap.String("experiment", exp.Name))
	writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleExperimentSubtree(w http.ResponseWriter, r *http.Request) {
	rest := r.URL.Path[len("/api/experiments/"):]
	name, action, _ := strings.Cut(rest, "/")
	if name == "" {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "":
		s.handleExperimentDetail(w, r, name)
	case "metrics":
		s.handleRecordMetrics(w, r, name)
	case "decide":
		s.handleDecide(w, r, name)
	default:
		http.NotFound(w, r)
	}
}

// ExperimentDetail is the full state of one experiment: its
// configuration, the latest metrics per variant, and the most recent
// decision if one has been made.
type ExperimentDetail struct {
	Experiment *experiment.Experiment `json:"experiment"`
	Variants   []VariantDetail        `json:"variants"`
	Decision   *store.DecisionRecord  `json:"decision,omitempty"`
}

// VariantDetail is a variant's latest snapshot with its observed rate
// and Wilson confidence interval.
type VariantDetail struct {
	VariantID       string     `json:"variant_id"`
	Control         bool       `json:"control"`
	Conversions     int64      `json:"conversions"`
	Visits          int64      `json:"visits"`
	ConversionRate  float64    `json:"conversion_rate"`
	ConversionCI    [2]float64 `json:"conversion_ci"`
	UnsubscribeRate *float64   `json:"unsubscribe_rate,omitempty"`
	ComplaintRate   *float64   `json:"complaint_rate,omitempty"`
	RecordedAt      time.Time  `json:"recorded_at"`
}

func (s *Server) handleExperimentDetail(w http.ResponseWriter, r *http.Request, name string) {
	setCORS(w, "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	exp, err := s.store.GetExperiment(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.internalError(w, "failed to load experiment", err)
		return
	}

	latest, err := s.store.LatestMetrics(ctx, name)
	if err != nil {
		s.internalError(w, "failed to load metrics", err)
		return
	}

	byVariant := make(map[string]store.Snapshot, len(latest))
	for _, snap := range latest {
		byVariant[snap.VariantID] = snap
	}

	confidence := 1 - s.engineCfg.Alpha
	variants := make([]VariantDetail, 0, len(latest))
	for _, id := range exp.Variants() {
		snap, ok := byVariant[id]
		if !ok {
			continue
		}
		var rate float64
		if snap.Visits > 0 {
			rate = float64(snap.Conversions) / float64(snap.Visits)
		}
		low, high := stats.WilsonInterval(snap.Conversions, snap.Visits, confidence)
		variants = append(variants, VariantDetail{
			VariantID:       id,
			Control:         id == exp.ControlID,
			Conversions:     snap.Conversions,
			Visits:          snap.Visits,
			ConversionRate:  rate,
			ConversionCI:    [2]float64{low, high},
			UnsubscribeRate: snap.UnsubscribeRate,
			ComplaintRate:   snap.ComplaintRate,
			RecordedAt:      snap.RecordedAt,
		})
	}

	detail := ExperimentDetail{Experiment: exp, Variants: variants}
	rec, err := s.store.LatestDecision(ctx, name)
	if err == nil {
		detail.Decision = rec
	} else if !errors.Is(err, store.ErrNotFound) {
		s.internalError(w, "failed to load decision", err)
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

// RecordMetricsRequest appends one cumulative snapshot per variant.
type RecordMetricsRequest struct {
	Snapshots []SnapshotInput `json:"snapshots"`
}

type SnapshotInput struct {
	VariantID       string   `json:"variant_id"`
	Conversions     int64    `json:"conversions"`
	Visits          int64    `json:"visits"`
	UnsubscribeRate *float64 `json:"unsubscribe_rate,omitempty"`
	ComplaintRate   *float64 `json:"complaint_rate,omitempty"`
}

func (s *Server) handleRecordMetrics(w http.ResponseWriter, r *http.Request, name string) {
	setCORS(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RecordMetricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.Snapshots) == 0 {
		http.Error(w, "snapshots must not be empty", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	exp, err := s.store.GetExperiment(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.internalError(w, "failed to load experiment", err)
		return
	}

	for _, in := range req.Snapshots {
		if !exp.HasVariant(in.VariantID) {
			http.Error(w, fmt.Sprintf("variant %q is not part of experiment %q", in.VariantID, exp.Name), http.StatusBadRequest)
			return
		}
		if in.Visits < 0 || in.Conversions < 0 {
			http.Error(w, fmt.Sprintf("variant %q: counts must not be negative", in.VariantID), http.StatusBadRequest)
			return
		}
		if in.Conversions > in.Visits {
			http.Error(w, fmt.Sprintf("variant %q: conversions exceed visits", in.VariantID), http.StatusBadRequest)
			return
		}
		if !validRate(in.UnsubscribeRate) || !validRate(in.ComplaintRate) {
			http.Error(w, fmt.Sprintf("variant %q: rates must be between 0 and 1", in.VariantID), http.StatusBadRequest)
			return
		}
	}

	for _, in := range req.Snapshots {
		snap := store.Snapshot{
			ExperimentName:  exp.Name,
			VariantID:       in.VariantID,
			Conversions:     in.Conversions,
			Visits:          in.Visits,
			UnsubscribeRate: in.UnsubscribeRate,
			ComplaintRate:   in.ComplaintRate,
		}
		if err := s.store.RecordSnapshot(ctx, snap); err != nil {
			s.internalError(w, "failed to record snapshot", err)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request, name string) {
	setCORS(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	exp, err := s.store.GetExperiment(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.internalError(w, "failed to load experiment", err)
		return
	}

	latest, err := s.store.LatestMetrics(ctx, name)
	if err != nil {
		s.internalError(w, "failed to load metrics", err)
		return
	}

	byVariant := make(map[string]store.Snapshot, len(latest))
	for _, snap := range latest {
		byVariant[snap.VariantID] = snap
	}

	controlSnap, ok := byVariant[exp.ControlID]
	if !ok {
		http.Error(w, fmt.Sprintf("no metrics recorded for variant %q", exp.ControlID), http.StatusBadRequest)
		return
	}
	treatments := make([]engine.VariantMetrics, 0, len(exp.Treatments))
	for _, id := range exp.Treatments {
		snap, ok := byVariant[id]
		if !ok {
			http.Error(w, fmt.Sprintf("no metrics recorded for variant %q", id), http.StatusBadRequest)
			return
		}
		treatments = append(treatments, snap.Metrics())
	}

	decision, err := engine.Evaluate(controlSnap.Metrics(), treatments, s.engineCfg)
	if err != nil {
		if engine.IsValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.internalError(w, "evaluation failed", err)
		return
	}

	if err := s.store.SaveDecision(ctx, name, decision); err != nil {
		s.internalError(w, "failed to save decision", err)
		return
	}

	s.logger.Info("decision recorded",
		zap.String("experiment", exp.Name),
		zap.String("action", string(decision.Recommendation.Action)))
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func setCORS(w http.ResponseWriter, methods string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func validRate(rate *float64) bool {
	return rate == nil || (*rate >= 0 && *rate <= 1)
}
