package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigengine/sigengine/internal/engine"
	"github.com/sigengine/sigengine/internal/experiment"
	"github.com/sigengine/sigengine/internal/server"
	"github.com/sigengine/sigengine/internal/store"
)

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return server.New(st, engine.DefaultConfig(), 8080, nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createExperiment(t *testing.T, h http.Handler, name string) {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/experiments", server.CreateExperimentRequest{
		Name:       name,
		CampaignID: "camp-1",
		Treatments: []string{"B"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func recordMetrics(t *testing.T, h http.Handler, name string, snaps ...server.SnapshotInput) {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/experiments/"+name+"/metrics",
		server.RecordMetricsRequest{Snapshots: snaps})
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func floatPtr(v float64) *float64 {
	return &v
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	createExperiment(t, h, "subject-line-test")

	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp server.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.ExperimentsCount)
	assert.Greater(t, resp.DBSizeBytes, int64(0))
	assert.GreaterOrEqual(t, resp.UptimeSeconds, int64(0))
}

func TestHealthMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEvaluate(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/evaluate", server.EvaluateRequest{
		Control:    engine.VariantMetrics{VariantID: "control", Conversions: 200, Visits: 2000},
		Treatments: []engine.VariantMetrics{{VariantID: "B", Conversions: 240, Visits: 2000}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var decision engine.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&decision))
	assert.Equal(t, engine.ActionDeploy, decision.Recommendation.Action)
	assert.Equal(t, "B", decision.SignificantWinner)
	assert.InDelta(t, 0.0434, decision.VariantResults["B"].PValue, 0.001)
}

func TestEvaluateAlphaOverride(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	control := engine.VariantMetrics{VariantID: "control", Conversions: 100, Visits: 1000}
	treatments := []engine.VariantMetrics{{VariantID: "B", Conversions: 120, Visits: 1000}}

	rec := doJSON(t, h, http.MethodPost, "/api/evaluate", server.EvaluateRequest{
		Control:    control,
		Treatments: treatments,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var strict engine.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&strict))
	assert.Equal(t, engine.ActionNoDecisionYet, strict.Recommendation.Action)

	// p is about 0.153, so a looser alpha flips the outcome
	rec = doJSON(t, h, http.MethodPost, "/api/evaluate", server.EvaluateRequest{
		Control:    control,
		Treatments: treatments,
		Alpha:      floatPtr(0.20),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var loose engine.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&loose))
	assert.Equal(t, engine.ActionDeploy, loose.Recommendation.Action)
	assert.Equal(t, "B", loose.SignificantWinner)
}

func TestEvaluateGuardrailOverride(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	control := engine.VariantMetrics{VariantID: "control", Conversions: 100, Visits: 1000, UnsubscribeRate: floatPtr(0.010)}
	treatments := []engine.VariantMetrics{{VariantID: "B", Conversions: 120, Visits: 1000, UnsubscribeRate: floatPtr(0.0115)}}

	rec := doJSON(t, h, http.MethodPost, "/api/evaluate", server.EvaluateRequest{
		Control:    control,
		Treatments: treatments,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var relaxed engine.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&relaxed))
	assert.Equal(t, engine.GuardrailOK, relaxed.GuardrailStatus)

	// The same data violates a tightened 1.1x unsubscribe budget
	rec = doJSON(t, h, http.MethodPost, "/api/evaluate", server.EvaluateRequest{
		Control:    control,
		Treatments: treatments,
		Guardrails: &server.GuardrailOverrides{UnsubscribeRatio: floatPtr(1.1)},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var tightened engine.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tightened))
	assert.Equal(t, engine.GuardrailViolated, tightened.GuardrailStatus)
	assert.Equal(t, engine.ActionHalt, tightened.Recommendation.Action)
}

func TestEvaluateValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/evaluate", server.EvaluateRequest{
		Control:    engine.VariantMetrics{VariantID: "control", Conversions: 10, Visits: 0},
		Treatments: []engine.VariantMetrics{{VariantID: "B", Conversions: 120, Visits: 1000}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid visits")
}

func TestEvaluateInvalidJSON(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/evaluate", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid JSON")
}

func TestEvaluateMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/evaluate", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPlan(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/plan", server.PlanRequest{
		BaselineRate:            0.10,
		MinimumDetectableEffect: 0.20,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp server.PlanResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, int64(3843), resp.RequiredSampleSize)
}

func TestPlanPowerOverride(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/plan", server.PlanRequest{
		BaselineRate:            0.10,
		MinimumDetectableEffect: 0.20,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var base server.PlanResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&base))

	rec = doJSON(t, h, http.MethodPost, "/api/plan", server.PlanRequest{
		BaselineRate:            0.10,
		MinimumDetectableEffect: 0.20,
		Power:                   floatPtr(0.90),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var strict server.PlanResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&strict))

	assert.Greater(t, strict.RequiredSampleSize, base.RequiredSampleSize)
}

func TestPlanValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/plan", server.PlanRequest{
		BaselineRate:            0,
		MinimumDetectableEffect: 0.20,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid baseline_rate")
}

func TestCreateExperiment(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/experiments", server.CreateExperimentRequest{
		Name:       "hero-copy",
		CampaignID: "camp-42",
		Treatments: []string{"B"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var exp experiment.Experiment
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&exp))
	assert.Equal(t, "hero-copy", exp.Name)
	assert.Equal(t, experiment.StatusDraft, exp.Status)
	assert.Equal(t, "conversion_rate", exp.PrimaryMetric)

	// The equal split is clamped to the 5% initial exposure cap
	assert.Equal(t, []int{95, 5}, exp.Allocation)
}

func TestCreateExperimentFullExposure(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/experiments", server.CreateExperimentRequest{
		Name:         "hero-copy",
		CampaignID:   "camp-42",
		Treatments:   []string{"B"},
		Allocation:   []int{50, 50},
		FullExposure: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var exp experiment.Experiment
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&exp))
	assert.Equal(t, []int{50, 50}, exp.Allocation)
}

func TestCreateExperimentDuplicate(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	createExperiment(t, h, "hero-copy")

	rec := doJSON(t, h, http.MethodPost, "/api/experiments", server.CreateExperimentRequest{
		Name:       "hero-copy",
		CampaignID: "camp-1",
		Treatments: []string{"B"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateExperimentInvalid(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/experiments", server.CreateExperimentRequest{
		Name:       "hero-copy",
		CampaignID: "camp-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "at least one treatment")
}

func TestListExperimentsEmpty(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/experiments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestListExperiments(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	createExperiment(t, h, "exp-a")
	createExperiment(t, h, "exp-b")

	rec := doJSON(t, h, http.MethodGet, "/api/experiments", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var exps []*experiment.Experiment
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&exps))
	assert.Len(t, exps, 2)
}

func TestExperimentDetail(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	createExperiment(t, h, "hero-copy")
	recordMetrics(t, h, "hero-copy",
		server.SnapshotInput{VariantID: "control", Conversions: 100, Visits: 1000, UnsubscribeRate: floatPtr(0.011)},
		server.SnapshotInput{VariantID: "B", Conversions: 120, Visits: 1000},
	)

	rec := doJSON(t, h, http.MethodGet, "/api/experiments/hero-copy", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail server.ExperimentDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&detail))
	require.NotNil(t, detail.Experiment)
	assert.Equal(t, "hero-copy", detail.Experiment.Name)
	require.Len(t, detail.Variants, 2)

	ctrl := detail.Variants[0]
	assert.Equal(t, "control", ctrl.VariantID)
	assert.True(t, ctrl.Control)
	assert.InDelta(t, 0.10, ctrl.ConversionRate, 1e-9)
	assert.Less(t, ctrl.ConversionCI[0], 0.10)
	assert.Greater(t, ctrl.ConversionCI[1], 0.10)
	require.NotNil(t, ctrl.UnsubscribeRate)
	assert.InDelta(t, 0.011, *ctrl.UnsubscribeRate, 1e-9)

	treat := detail.Variants[1]
	assert.Equal(t, "B", treat.VariantID)
	assert.False(t, treat.Control)
	assert.Nil(t, treat.UnsubscribeRate)

	assert.Nil(t, detail.Decision)
}

func TestExperimentDetailNotFound(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/experiments/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordMetricsValidation(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	createExperiment(t, h, "hero-copy")

	cases := []struct {
		name string
		req  server.RecordMetricsRequest
		want string
	}{
		{
			name: "empty batch",
			req:  server.RecordMetricsRequest{},
			want: "snapshots must not be empty",
		},
		{
			name: "unknown variant",
			req: server.RecordMetricsRequest{Snapshots: []server.SnapshotInput{
				{VariantID: "Z", Conversions: 1, Visits: 10},
			}},
			want: "not part of experiment",
		},
		{
			name: "negative visits",
			req: server.RecordMetricsRequest{Snapshots: []server.SnapshotInput{
				{VariantID: "B", Conversions: 1, Visits: -1},
			}},
			want: "counts must not be negative",
		},
		{
			name: "conversions exceed visits",
			req: server.RecordMetricsRequest{Snapshots: []server.SnapshotInput{
				{VariantID: "B", Conversions: 20, Visits: 10},
			}},
			want: "conversions exceed visits",
		},
		{
			name: "rate out of range",
			req: server.RecordMetricsRequest{Snapshots: []server.SnapshotInput{
				{VariantID: "B", Conversions: 1, Visits: 10, ComplaintRate: floatPtr(1.5)},
			}},
			want: "rates must be between 0 and 1",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/api/experiments/hero-copy/metrics", tc.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.want)
		})
	}
}

func TestRecordMetricsUnknownExperiment(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/experiments/missing/metrics",
		server.RecordMetricsRequest{Snapshots: []server.SnapshotInput{
			{VariantID: "B", Conversions: 1, Visits: 10},
		}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecide(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	createExperiment(t, h, "hero-copy")
	recordMetrics(t, h, "hero-copy",
		server.SnapshotInput{VariantID: "control", Conversions: 200, Visits: 2000},
		server.SnapshotInput{VariantID: "B", Conversions: 240, Visits: 2000},
	)

	rec := doJSON(t, h, http.MethodPost, "/api/experiments/hero-copy/decide", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var decision engine.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&decision))
	assert.Equal(t, engine.ActionDeploy, decision.Recommendation.Action)
	assert.Equal(t, "B", decision.SignificantWinner)

	// The decision is persisted and the experiment status untouched
	rec = doJSON(t, h, http.MethodGet, "/api/experiments/hero-copy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail server.ExperimentDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&detail))
	require.NotNil(t, detail.Decision)
	assert.Equal(t, engine.ActionDeploy, detail.Decision.Recommendation)
	assert.Equal(t, "B", detail.Decision.Winner)
	assert.Equal(t, experiment.StatusDraft, detail.Experiment.Status)
}

func TestDecideGuardrailViolation(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	createExperiment(t, h, "hero-copy")
	recordMetrics(t, h, "hero-copy",
		server.SnapshotInput{VariantID: "control", Conversions: 200, Visits: 2000, UnsubscribeRate: floatPtr(0.010)},
		server.SnapshotInput{VariantID: "B", Conversions: 240, Visits: 2000, UnsubscribeRate: floatPtr(0.030)},
	)

	rec := doJSON(t, h, http.MethodPost, "/api/experiments/hero-copy/decide", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var decision engine.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&decision))
	assert.Equal(t, engine.ActionHalt, decision.Recommendation.Action)
	assert.Empty(t, decision.SignificantWinner)
}

func TestDecideWithoutMetrics(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	createExperiment(t, h, "hero-copy")

	rec := doJSON(t, h, http.MethodPost, "/api/experiments/hero-copy/decide", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `no metrics recorded for variant "control"`)
}

func TestDecideUnknownExperiment(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/experiments/missing/decide", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubtreeUnknownAction(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	createExperiment(t, h, "hero-copy")

	rec := doJSON(t, h, http.MethodGet, "/api/experiments/hero-copy/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodOptions, "/api/evaluate", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
