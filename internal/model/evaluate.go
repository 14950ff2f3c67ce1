package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"go.ngs.io/heat-downscale/internal/domain"
)

// Metrics compares model and no-correction errors on a held-out set.
type Metrics struct {
	N            int
	ResidualRMSE float64
	ResidualMAE  float64
	ResidualR2   float64
	TempRMSE     float64
	TempMAE      float64
	BaselineRMSE float64
	BaselineMAE  float64
	// Improvement is BaselineRMSE - TempRMSE; positive means the model helps.
	Improvement    float64
	ImprovementPct float64
}

// Prediction is one evaluated test example.
type Prediction struct {
	Example           domain.TrainingExample
	PredictedResidual float64
	PredictedTemp     float64
}

// Evaluate predicts residuals for test, reconstructs temperatures and scores both.
func (m *ResidualModel) Evaluate(test []domain.TrainingExample) (Metrics, []Prediction, error) {
	if len(test) == 0 {
		return Metrics{}, nil, fmt.Errorf("evaluate: %w: empty test set", domain.ErrMissingInput)
	}
	pred, err := Predict(m, test)
	if err != nil {
		return Metrics{}, nil, fmt.Errorf("evaluate: %w", err)
	}

	n := len(test)
	resid := domain.Residuals(test)
	obs := make([]float64, n)
	base := make([]float64, n)
	temp := make([]float64, n)
	out := make([]Prediction, n)
	for i, e := range test {
		obs[i] = e.StationTemperature
		base[i] = e.BaselineTemperature
		temp[i] = e.BaselineTemperature + pred[i]
		out[i] = Prediction{Example: e, PredictedResidual: pred[i], PredictedTemp: temp[i]}
	}

	met := Metrics{
		N:            n,
		ResidualRMSE: RMSE(pred, resid),
		ResidualMAE:  MAE(pred, resid),
		ResidualR2:   stat.RSquaredFrom(pred, resid, nil),
		TempRMSE:     RMSE(temp, obs),
		TempMAE:      MAE(temp, obs),
		BaselineRMSE: RMSE(base, obs),
		BaselineMAE:  MAE(base, obs),
	}
	met.Improvement = met.BaselineRMSE - met.TempRMSE
	if met.BaselineRMSE > 0 {
		met.ImprovementPct = 100 * met.Improvement / met.BaselineRMSE
	}
	return met, out, nil
}

// RMSE is the root mean squared difference between a and b.
func RMSE(a, b []float64) float64 {
	if len(a) == 0 {
		return math.NaN()
	}
	return floats.Distance(a, b, 2) / math.Sqrt(float64(len(a)))
}

// MAE is the mean absolute difference between a and b.
func MAE(a, b []float64) float64 {
	if len(a) == 0 {
		return math.NaN()
	}
	return floats.Distance(a, b, 1) / float64(len(a))
}
