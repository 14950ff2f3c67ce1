package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"go.ngs.io/heat-downscale/internal/adapter/store/cube"
	"go.ngs.io/heat-downscale/internal/domain"
	"go.ngs.io/heat-downscale/internal/model"
	"go.ngs.io/heat-downscale/internal/usecase"
)

// MapSampler reads generated maps at a point.
type MapSampler interface {
	Sample(date time.Time, lat, lon float64) (usecase.MapSample, error)
}

// EvaluationLister lists recorded evaluations, newest first.
type EvaluationLister interface {
	ListEvaluations(ctx context.Context, limit int) ([]cube.Evaluation, error)
}

// Handler serves the downscaling API.
type Handler struct {
	model       *model.ResidualModel
	maps        MapSampler
	evaluations EvaluationLister
	logger      *slog.Logger
}

// NewHandler creates a new HTTP handler. m and evaluations may be nil; their
// routes then answer 404.
func NewHandler(m *model.ResidualModel, maps MapSampler, evaluations EvaluationLister, logger *slog.Logger) *Handler {
	return &Handler{
		model:       m,
		maps:        maps,
		evaluations: evaluations,
		logger:      logger,
	}
}

// ModelResponse describes the loaded residual model.
type ModelResponse struct {
	Family        string             `json:"family"`
	SchemaVersion int                `json:"schema_version"`
	Features      []string           `json:"features"`
	Importance    []model.Importance `json:"importance"`
}

// GetModel handles GET /v1/model.
func (h *Handler) GetModel(c *gin.Context) {
	if h.model == nil || !h.model.Trained() {
		c.JSON(http.StatusNotFound, gin.H{"error": "no model loaded"})
		return
	}
	imp, err := h.model.FeatureImportance()
	if err != nil {
		h.logger.Error("feature importance failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute feature importance"})
		return
	}
	c.JSON(http.StatusOK, ModelResponse{
		Family:        string(h.model.Family),
		SchemaVersion: h.model.Schema.Version,
		Features:      h.model.Features(),
		Importance:    imp,
	})
}

// GetMapPoint handles GET /v1/maps/:date/point.
func (h *Handler) GetMapPoint(c *gin.Context) {
	date, err := time.Parse(time.DateOnly, c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid date (expected YYYY-MM-DD): %v", err)})
		return
	}
	lat, err := strconv.ParseFloat(c.Query("lat"), 64)
	if err != nil || lat < -90 || lat > 90 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid latitude %q", c.Query("lat"))})
		return
	}
	lon, err := strconv.ParseFloat(c.Query("lon"), 64)
	if err != nil || lon < -180 || lon > 180 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid longitude %q", c.Query("lon"))})
		return
	}

	sample, err := h.maps.Sample(date, lat, lon)
	if errors.Is(err, domain.ErrMissingInput) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("map sample failed", "date", c.Param("date"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read map"})
		return
	}
	c.JSON(http.StatusOK, sample)
}

// MetricsResponse mirrors model.Metrics with undefined values as null.
type MetricsResponse struct {
	N              int      `json:"n"`
	ResidualRMSE   *float64 `json:"residual_rmse"`
	ResidualMAE    *float64 `json:"residual_mae"`
	ResidualR2     *float64 `json:"residual_r2"`
	TempRMSE       *float64 `json:"temp_rmse"`
	TempMAE        *float64 `json:"temp_mae"`
	BaselineRMSE   *float64 `json:"baseline_rmse"`
	BaselineMAE    *float64 `json:"baseline_mae"`
	Improvement    *float64 `json:"improvement_rmse"`
	ImprovementPct *float64 `json:"improvement_pct"`
}

// EvaluationResponse is one entry of GET /v1/evaluations.
type EvaluationResponse struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Country   string          `json:"country"`
	Family    string          `json:"family"`
	Split     string          `json:"split"`
	ModelPath string          `json:"model_path,omitempty"`
	TrainRows int             `json:"train_rows"`
	TestRows  int             `json:"test_rows"`
	Metrics   MetricsResponse `json:"metrics"`
}

// GetEvaluations handles GET /v1/evaluations.
func (h *Handler) GetEvaluations(c *gin.Context) {
	if h.evaluations == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no evaluation store configured"})
		return
	}
	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid limit %q", s)})
			return
		}
		limit = n
	}

	evs, err := h.evaluations.ListEvaluations(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list evaluations failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list evaluations"})
		return
	}

	response := make([]EvaluationResponse, len(evs))
	for i, ev := range evs {
		response[i] = EvaluationResponse{
			ID:        ev.ID,
			CreatedAt: ev.CreatedAt,
			Country:   ev.Country,
			Family:    ev.Family,
			Split:     ev.Split,
			ModelPath: ev.ModelPath,
			TrainRows: ev.TrainRows,
			TestRows:  ev.TestRows,
			Metrics:   metricsResponse(ev.Metrics),
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"evaluations": response,
		"count":       len(response),
	})
}

func metricsResponse(m model.Metrics) MetricsResponse {
	return MetricsResponse{
		N:              m.N,
		ResidualRMSE:   finite(m.ResidualRMSE),
		ResidualMAE:    finite(m.ResidualMAE),
		ResidualR2:     finite(m.ResidualR2),
		TempRMSE:       finite(m.TempRMSE),
		TempMAE:        finite(m.TempMAE),
		BaselineRMSE:   finite(m.BaselineRMSE),
		BaselineMAE:    finite(m.BaselineMAE),
		Improvement:    finite(m.Improvement),
		ImprovementPct: finite(m.ImprovementPct),
	}
}

// finite returns nil for NaN and infinities, which JSON cannot carry.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"time":         time.Now().UTC().Format(time.RFC3339),
		"model_loaded": h.model != nil && h.model.Trained(),
	})
}
