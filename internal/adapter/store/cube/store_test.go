package cube

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ngs.io/heat-downscale/internal/domain"
	"go.ngs.io/heat-downscale/internal/model"
	"go.ngs.io/heat-downscale/internal/observability"
)

func setupTestStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(context.Background(), ":memory:", clock, observability.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func testKey() Key {
	return Key{
		Country: "SE",
		Range: domain.DateRange{
			Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
		},
		Variable: "2m_temperature_daily_maximum",
	}
}

func testRows() []domain.TrainingExample {
	d := time.Date(2021, 7, 14, 0, 0, 0, 0, time.UTC)
	return []domain.TrainingExample{
		domain.NewTrainingExample(domain.ObservationRecord{StationID: 1, Date: d, TemperatureC: 27.4},
			domain.StationRecord{ID: 1, Latitude: 59.35, Longitude: 18.05, ElevationM: 44}, 25.1, 0.42),
		domain.NewTrainingExample(domain.ObservationRecord{StationID: 2, Date: d.AddDate(0, 0, 1), TemperatureC: 22.0},
			domain.StationRecord{ID: 2, Latitude: 57.7, Longitude: 11.97, ElevationM: 5}, 23.5, -0.1),
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))
	v, err := s.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestCube_SaveLoad(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	info, err := s.SaveCube(ctx, testKey(), testRows())
	require.NoError(t, err)
	assert.Equal(t, 2, info.Rows)
	assert.NotEmpty(t, info.ID)

	rows, got, err := s.LoadCube(ctx, testKey())
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)
	assert.True(t, clock.Now().Equal(got.CreatedAt))
	assert.Equal(t, testRows(), rows)
}

func TestCube_SaveReplaces(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.SaveCube(ctx, testKey(), testRows())
	require.NoError(t, err)
	second, err := s.SaveCube(ctx, testKey(), testRows()[:1])
	require.NoError(t, err)

	rows, info, err := s.LoadCube(ctx, testKey())
	require.NoError(t, err)
	assert.Equal(t, second.ID, info.ID)
	assert.Len(t, rows, 1)

	var orphans int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM cube_rows WHERE cube_id != ?`, second.ID).Scan(&orphans))
	assert.Zero(t, orphans)
}

func TestCube_NotFound(t *testing.T) {
	s, _ := setupTestStore(t)
	key := testKey()
	key.Country = "FI"
	_, _, err := s.LoadCube(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvaluations(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	first, err := s.RecordEvaluation(ctx, Evaluation{
		Country: "SE", Family: "random_forest", Split: "spatial", TrainRows: 800, TestRows: 200,
		Metrics: model.Metrics{ResidualRMSE: 1.2, TempRMSE: 1.2, BaselineRMSE: 2.0, Improvement: 0.8,
			ImprovementPct: 40, ResidualR2: math.NaN()},
	})
	require.NoError(t, err)
	clock.Advance(time.Hour)
	second, err := s.RecordEvaluation(ctx, Evaluation{
		Country: "SE", Family: "gradient_boosting", Split: "geographic", TrainRows: 500, TestRows: 500,
		Metrics: model.Metrics{ResidualRMSE: 1.5, ResidualR2: 0.6},
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	list, err := s.ListEvaluations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, "gradient_boosting", list[0].Family)
	assert.InDelta(t, 0.6, list[0].Metrics.ResidualR2, 1e-12)
	assert.True(t, math.IsNaN(list[1].Metrics.ResidualR2))
	assert.InDelta(t, 0.8, list[1].Metrics.Improvement, 1e-12)
	assert.True(t, first.CreatedAt.Equal(list[1].CreatedAt))

	limited, err := s.ListEvaluations(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
