package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureSchemaCheck(t *testing.T) {
	tests := []struct {
		name    string
		names   []string
		wantErr bool
	}{
		{"exact", DefaultSchema.Names, false},
		{"short", DefaultSchema.Names[:5], true},
		{"swapped", []string{
			FeatureVegetationIndex, FeatureBaselineTemperature, FeatureElevation,
			FeatureLatitude, FeatureLongitude, FeatureDayOfYear,
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := DefaultSchema.Check(tt.names)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrModelContract))
			var ce *ModelContractError
			assert.True(t, errors.As(err, &ce))
		})
	}
}

func TestBuildFrameOrdersBySchema(t *testing.T) {
	date := time.Date(2023, 7, 2, 0, 0, 0, 0, time.UTC)
	ex := NewTrainingExample(
		ObservationRecord{StationID: 7, Date: date, TemperatureC: 27.5},
		StationRecord{ID: 7, Latitude: 59.3, Longitude: 18.1, ElevationM: 44},
		25.0, 0.4,
	)
	assert.InDelta(t, 2.5, ex.Residual, 1e-12)
	assert.Equal(t, 183, ex.DayOfYear)

	frame, err := BuildFrame(DefaultSchema, []TrainingExample{ex})
	require.NoError(t, err)
	assert.Equal(t, DefaultSchema.Names, frame.Names)
	assert.Equal(t, []float64{25.0, 0.4, 44, 59.3, 18.1, 183}, frame.Rows[0])
}

func TestBuildFrameUnknownFeature(t *testing.T) {
	schema := FeatureSchema{Version: 1, Names: []string{"wind_speed"}}
	_, err := BuildFrame(schema, []FeatureGridRow{{}})
	assert.ErrorIs(t, err, ErrModelContract)
}

func TestLookup(t *testing.T) {
	v, ok := Found(15).Value()
	assert.True(t, ok)
	assert.Equal(t, 15.0, v)

	m := Missing(MissingNoData)
	_, ok = m.Value()
	assert.False(t, ok)
	assert.Equal(t, MissingNoData, m.Reason())

	var zero Lookup
	assert.False(t, zero.OK())
}

func TestDateRange(t *testing.T) {
	r := DateRange{
		Start: time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 7, 3, 0, 0, 0, 0, time.UTC),
	}
	days := r.Days()
	require.Len(t, days, 3)
	assert.True(t, r.Contains(days[2]))
	assert.False(t, r.Contains(days[2].AddDate(0, 0, 1)))
	assert.True(t, DateRange{}.Contains(days[0]))
}

func TestRunSummary(t *testing.T) {
	s := NewRunSummary(time.Time{})
	s.Add("skipped.nodata", 2)
	s.Add("skipped.nodata", 1)
	s.Add("rows", 0)
	assert.Equal(t, 3, s.Count("skipped.nodata"))
	assert.Equal(t, []any{"skipped.nodata", 3}, s.LogArgs())
}
