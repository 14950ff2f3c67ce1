package domain

import (
	"fmt"
	"slices"
	"time"
)

// Feature names used by the residual model.
const (
	FeatureBaselineTemperature = "baseline_temperature"
	FeatureVegetationIndex     = "vegetation_index"
	FeatureElevation           = "elevation"
	FeatureLatitude            = "latitude"
	FeatureLongitude           = "longitude"
	FeatureDayOfYear           = "day_of_year"
)

// FeatureSchema is a named, versioned, ordered list of model inputs.
type FeatureSchema struct {
	Version int
	Names   []string
}

// DefaultSchema is the feature ordering every trained model uses.
var DefaultSchema = FeatureSchema{
	Version: 1,
	Names: []string{
		FeatureBaselineTemperature,
		FeatureVegetationIndex,
		FeatureElevation,
		FeatureLatitude,
		FeatureLongitude,
		FeatureDayOfYear,
	},
}

// Len returns the number of features.
func (s FeatureSchema) Len() int { return len(s.Names) }

// Equal reports whether two schemas have the same version and ordering.
func (s FeatureSchema) Equal(o FeatureSchema) bool {
	return s.Version == o.Version && slices.Equal(s.Names, o.Names)
}

// Check returns a ModelContractError when names differ from the schema in length or order.
func (s FeatureSchema) Check(names []string) error {
	if len(names) != len(s.Names) {
		return &ModelContractError{Expected: s.Names, Got: names,
			Detail: fmt.Sprintf("feature count %d != %d", len(names), len(s.Names))}
	}
	for i := range names {
		if names[i] != s.Names[i] {
			return &ModelContractError{Expected: s.Names, Got: names,
				Detail: fmt.Sprintf("feature %d is %q, want %q", i, names[i], s.Names[i])}
		}
	}
	return nil
}

// Featurer exposes named model inputs.
type Featurer interface {
	Feature(name string) (float64, bool)
}

// Frame is a row-major feature matrix with its column names.
type Frame struct {
	Names []string
	Rows  [][]float64
}

// BuildFrame extracts the schema's features from each item, in schema order.
func BuildFrame[T Featurer](schema FeatureSchema, items []T) (Frame, error) {
	f := Frame{Names: slices.Clone(schema.Names), Rows: make([][]float64, len(items))}
	for i, it := range items {
		row := make([]float64, len(schema.Names))
		for j, name := range schema.Names {
			v, ok := it.Feature(name)
			if !ok {
				return Frame{}, &ModelContractError{Expected: schema.Names,
					Detail: fmt.Sprintf("row %d has no feature %q", i, name)}
			}
			row[j] = v
		}
		f.Rows[i] = row
	}
	return f, nil
}

// TrainingExample joins one station observation with its baseline and covariate.
type TrainingExample struct {
	Date                time.Time
	StationID           int
	Latitude            float64
	Longitude           float64
	ElevationM          float64
	VegetationIndex     float64
	BaselineTemperature float64
	StationTemperature  float64
	Residual            float64
	DayOfYear           int
}

// NewTrainingExample builds an example with residual = station - baseline.
func NewTrainingExample(obs ObservationRecord, st StationRecord, baseline, vegetation float64) TrainingExample {
	return TrainingExample{
		Date:                obs.Date,
		StationID:           st.ID,
		Latitude:            st.Latitude,
		Longitude:           st.Longitude,
		ElevationM:          st.ElevationM,
		VegetationIndex:     vegetation,
		BaselineTemperature: baseline,
		StationTemperature:  obs.TemperatureC,
		Residual:            obs.TemperatureC - baseline,
		DayOfYear:           DayOfYear(obs.Date),
	}
}

// Feature implements Featurer.
func (e TrainingExample) Feature(name string) (float64, bool) {
	switch name {
	case FeatureBaselineTemperature:
		return e.BaselineTemperature, true
	case FeatureVegetationIndex:
		return e.VegetationIndex, true
	case FeatureElevation:
		return e.ElevationM, true
	case FeatureLatitude:
		return e.Latitude, true
	case FeatureLongitude:
		return e.Longitude, true
	case FeatureDayOfYear:
		return float64(e.DayOfYear), true
	}
	return 0, false
}

// FeatureGridRow is one valid inference pixel.
type FeatureGridRow struct {
	Row                 int
	Col                 int
	Latitude            float64
	Longitude           float64
	BaselineTemperature float64
	VegetationIndex     float64
	ElevationM          float64
	DayOfYear           int
}

// Feature implements Featurer.
func (r FeatureGridRow) Feature(name string) (float64, bool) {
	switch name {
	case FeatureBaselineTemperature:
		return r.BaselineTemperature, true
	case FeatureVegetationIndex:
		return r.VegetationIndex, true
	case FeatureElevation:
		return r.ElevationM, true
	case FeatureLatitude:
		return r.Latitude, true
	case FeatureLongitude:
		return r.Longitude, true
	case FeatureDayOfYear:
		return float64(r.DayOfYear), true
	}
	return 0, false
}

// Residuals extracts the training target from examples.
func Residuals(examples []TrainingExample) []float64 {
	y := make([]float64, len(examples))
	for i, e := range examples {
		y[i] = e.Residual
	}
	return y
}
