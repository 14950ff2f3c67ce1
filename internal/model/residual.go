package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"go.ngs.io/heat-downscale/internal/domain"
)

// Family names a regressor implementation.
type Family string

const (
	FamilyRandomForest     Family = "random_forest"
	FamilyGradientBoosting Family = "gradient_boosting"
)

// ParseFamily validates a family name.
func ParseFamily(s string) (Family, error) {
	switch f := Family(s); f {
	case FamilyRandomForest, FamilyGradientBoosting:
		return f, nil
	}
	return "", fmt.Errorf("%w: unknown model family %q", domain.ErrConfig, s)
}

// Regressor is a fitted tabular regressor over float rows.
type Regressor interface {
	Fit(ctx context.Context, x [][]float64, y []float64) error
	Predict(x [][]float64) []float64
	Importance() []float64
}

// Params carries the hyperparameters for both families.
type Params struct {
	Forest   ForestParams
	Boosting BoostingParams
}

// DefaultParams returns the production defaults for both families.
func DefaultParams() Params {
	return Params{Forest: DefaultForestParams(), Boosting: DefaultBoostingParams()}
}

// ErrNotTrained is returned when predicting with an unfitted model.
var ErrNotTrained = errors.New("model not trained")

// ResidualModel predicts station-minus-baseline residuals from a fixed feature schema.
type ResidualModel struct {
	Schema domain.FeatureSchema
	Family Family
	reg    Regressor
}

// New returns an unfitted model of the given family.
func New(family Family, params Params) (*ResidualModel, error) {
	m := &ResidualModel{Schema: domain.DefaultSchema, Family: family}
	switch family {
	case FamilyRandomForest:
		m.reg = &RandomForest{Params: params.Forest}
	case FamilyGradientBoosting:
		m.reg = &GradientBoosting{Params: params.Boosting}
	default:
		return nil, fmt.Errorf("%w: unknown model family %q", domain.ErrConfig, family)
	}
	return m, nil
}

// Train fits the regressor on examples with target = residual.
func (m *ResidualModel) Train(ctx context.Context, examples []domain.TrainingExample) error {
	if len(examples) == 0 {
		return fmt.Errorf("train %s: %w: no training examples", m.Family, domain.ErrMissingInput)
	}
	frame, err := domain.BuildFrame(m.Schema, examples)
	if err != nil {
		return fmt.Errorf("train %s: %w", m.Family, err)
	}
	if err := m.reg.Fit(ctx, frame.Rows, domain.Residuals(examples)); err != nil {
		return fmt.Errorf("train %s: %w", m.Family, err)
	}
	return nil
}

// Trained reports whether the regressor has been fitted or loaded.
func (m *ResidualModel) Trained() bool {
	switch r := m.reg.(type) {
	case *RandomForest:
		return len(r.Trees) > 0
	case *GradientBoosting:
		return len(r.Trees) > 0
	}
	return false
}

// PredictFrame returns residuals for a frame whose columns must match the schema exactly.
func (m *ResidualModel) PredictFrame(f domain.Frame) ([]float64, error) {
	if !m.Trained() {
		return nil, ErrNotTrained
	}
	if err := m.Schema.Check(f.Names); err != nil {
		return nil, err
	}
	for i, row := range f.Rows {
		if len(row) != m.Schema.Len() {
			return nil, &domain.ModelContractError{Expected: m.Schema.Names, Got: f.Names,
				Detail: fmt.Sprintf("row %d has %d values", i, len(row))}
		}
	}
	return m.reg.Predict(f.Rows), nil
}

// Predict builds a frame from items and predicts residuals in input order.
func Predict[T domain.Featurer](m *ResidualModel, items []T) ([]float64, error) {
	f, err := domain.BuildFrame(m.Schema, items)
	if err != nil {
		return nil, err
	}
	return m.PredictFrame(f)
}

// Importance is one row of the feature importance table.
type Importance struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// FeatureImportance returns features ranked by descending importance.
func (m *ResidualModel) FeatureImportance() ([]Importance, error) {
	if !m.Trained() {
		return nil, ErrNotTrained
	}
	vals := m.reg.Importance()
	out := make([]Importance, len(m.Schema.Names))
	for i, name := range m.Schema.Names {
		out[i] = Importance{Feature: name}
		if i < len(vals) {
			out[i].Importance = vals[i]
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Importance > out[j].Importance })
	return out, nil
}

// Features returns a copy of the schema ordering.
func (m *ResidualModel) Features() []string { return slices.Clone(m.Schema.Names) }
