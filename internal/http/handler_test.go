package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ngs.io/heat-downscale/internal/adapter/store/cube"
	"go.ngs.io/heat-downscale/internal/domain"
	"go.ngs.io/heat-downscale/internal/model"
	"go.ngs.io/heat-downscale/internal/observability"
	"go.ngs.io/heat-downscale/internal/usecase"
)

type fakeMaps struct{}

func (fakeMaps) Sample(date time.Time, lat, lon float64) (usecase.MapSample, error) {
	switch {
	case date.Day() == 2:
		return usecase.MapSample{}, fmt.Errorf("%w: no map", domain.ErrMissingInput)
	case date.Day() == 3:
		return usecase.MapSample{}, errors.New("disk on fire")
	}
	return usecase.MapSample{Date: date, Latitude: lat, Longitude: lon, Temperature: 21.5}, nil
}

type fakeEvaluations struct{ evs []cube.Evaluation }

func (f fakeEvaluations) ListEvaluations(_ context.Context, limit int) ([]cube.Evaluation, error) {
	if limit > 0 && limit < len(f.evs) {
		return f.evs[:limit], nil
	}
	return f.evs, nil
}

func newTestRouter(t *testing.T, m *model.ResidualModel, evs EvaluationLister) (*gin.Engine, *observability.Metrics) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	metrics := observability.NewMetricsForTesting()
	h := NewHandler(m, fakeMaps{}, evs, observability.Discard())
	return SetupRouter(h, metrics, nil), metrics
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func trainedModel(t *testing.T) *model.ResidualModel {
	t.Helper()
	p := model.DefaultParams()
	p.Forest.Trees = 5
	m, err := model.New(model.FamilyRandomForest, p)
	require.NoError(t, err)

	start := time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)
	examples := make([]domain.TrainingExample, 40)
	for i := range examples {
		d := start.AddDate(0, 0, i%10)
		elev := float64(i * 25)
		examples[i] = domain.TrainingExample{
			Date:                d,
			StationID:           i,
			Latitude:            48 + float64((i*7)%40)/40,
			Longitude:           2,
			ElevationM:          elev,
			VegetationIndex:     0.5,
			BaselineTemperature: 20,
			StationTemperature:  20 - 0.0065*elev,
			Residual:            -0.0065 * elev,
			DayOfYear:           domain.DayOfYear(d),
		}
	}
	require.NoError(t, m.Train(context.Background(), examples))
	return m
}

func TestHealthCheck(t *testing.T) {
	r, _ := newTestRouter(t, nil, nil)
	w := get(r, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["model_loaded"])
}

func TestGetModel(t *testing.T) {
	r, _ := newTestRouter(t, nil, nil)
	assert.Equal(t, http.StatusNotFound, get(r, "/v1/model").Code)

	m := trainedModel(t)
	want, err := m.FeatureImportance()
	require.NoError(t, err)

	r, _ = newTestRouter(t, m, nil)
	w := get(r, "/v1/model")
	require.Equal(t, http.StatusOK, w.Code)

	var body ModelResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "random_forest", body.Family)
	assert.Equal(t, domain.DefaultSchema.Names, body.Features)
	assert.Equal(t, want, body.Importance)

	names := make([]string, 0, len(body.Importance))
	for i, imp := range body.Importance {
		names = append(names, imp.Feature)
		if i > 0 {
			assert.GreaterOrEqual(t, body.Importance[i-1].Importance, imp.Importance)
		}
	}
	assert.ElementsMatch(t, domain.DefaultSchema.Names, names)
	assert.Equal(t, domain.FeatureElevation, body.Importance[0].Feature)
}

func TestGetMapPoint(t *testing.T) {
	r, _ := newTestRouter(t, nil, nil)

	tests := []struct {
		path string
		code int
	}{
		{"/v1/maps/2023-07-01/point?lat=48.8&lon=2.3", http.StatusOK},
		{"/v1/maps/2023-07-02/point?lat=48.8&lon=2.3", http.StatusNotFound},
		{"/v1/maps/2023-07-03/point?lat=48.8&lon=2.3", http.StatusInternalServerError},
		{"/v1/maps/20230701/point?lat=48.8&lon=2.3", http.StatusBadRequest},
		{"/v1/maps/2023-07-01/point?lat=91&lon=2.3", http.StatusBadRequest},
		{"/v1/maps/2023-07-01/point?lat=48.8", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.code, get(r, tt.path).Code)
		})
	}

	var sample usecase.MapSample
	require.NoError(t, json.Unmarshal(get(r, tests[0].path).Body.Bytes(), &sample))
	assert.InDelta(t, 21.5, sample.Temperature, 1e-9)
}

func TestGetEvaluations(t *testing.T) {
	r, _ := newTestRouter(t, nil, nil)
	assert.Equal(t, http.StatusNotFound, get(r, "/v1/evaluations").Code)

	evs := fakeEvaluations{evs: []cube.Evaluation{
		{ID: "b", Country: "FR", Family: "random_forest", Metrics: model.Metrics{N: 3, TempRMSE: 1.2, ResidualR2: math.NaN()}},
		{ID: "a", Country: "FR", Family: "gradient_boosting", Metrics: model.Metrics{N: 3, TempRMSE: 1.4}},
	}}
	r, _ = newTestRouter(t, nil, evs)

	w := get(r, "/v1/evaluations?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Evaluations []EvaluationResponse `json:"evaluations"`
		Count       int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "b", body.Evaluations[0].ID)
	assert.Nil(t, body.Evaluations[0].Metrics.ResidualR2)
	require.NotNil(t, body.Evaluations[0].Metrics.TempRMSE)
	assert.InDelta(t, 1.2, *body.Evaluations[0].Metrics.TempRMSE, 1e-9)

	assert.Equal(t, http.StatusBadRequest, get(r, "/v1/evaluations?limit=x").Code)
}

func TestRequestMetrics(t *testing.T) {
	r, metrics := newTestRouter(t, nil, nil)
	get(r, "/health")
	get(r, "/health")
	get(r, "/nowhere")

	assert.InDelta(t, 2, testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("/health", "200")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("unmatched", "404")), 0)

	w := get(r, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "downscale_http_requests_total")
}
