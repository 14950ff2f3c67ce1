package sample_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ngs.io/heat-downscale/internal/adapter/raster"
	"go.ngs.io/heat-downscale/internal/adapter/store/cube"
	"go.ngs.io/heat-downscale/internal/adapter/store/dem"
	"go.ngs.io/heat-downscale/internal/adapter/store/ecad"
	"go.ngs.io/heat-downscale/internal/adapter/store/era5"
	"go.ngs.io/heat-downscale/internal/adapter/store/ndvi"
	"go.ngs.io/heat-downscale/internal/config"
	"go.ngs.io/heat-downscale/internal/domain"
	"go.ngs.io/heat-downscale/internal/export"
	"go.ngs.io/heat-downscale/internal/model"
	"go.ngs.io/heat-downscale/internal/observability"
	"go.ngs.io/heat-downscale/internal/sample"
	"go.ngs.io/heat-downscale/internal/usecase"
)

func smallOptions() sample.Options {
	opts := sample.DefaultOptions()
	opts.Stations = 24
	opts.Start = time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)
	opts.End = time.Date(2023, 7, 31, 0, 0, 0, 0, time.UTC)
	return opts
}

func TestGenerateLayout(t *testing.T) {
	dir := t.TempDir()
	opts := smallOptions()
	l, err := sample.Generate(dir, opts, observability.Discard())
	require.NoError(t, err)
	assert.Equal(t, opts.Stations, l.Written)

	stations, skipped, err := ecad.NewStationParser(observability.Discard()).ParseFile(filepath.Join(l.Stations, config.StationsFile))
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, stations, opts.Stations)
	for _, st := range stations {
		assert.True(t, opts.Box.Contains(st.Latitude, st.Longitude), "station %d at %g,%g", st.ID, st.Latitude, st.Longitude)
		assert.InDelta(t, sample.Elevation(st.Latitude, st.Longitude), st.ElevationM, 0.5)
	}

	store := era5.NewStore(l.ERA5, observability.Discard())
	defer store.Close()
	day := opts.Start.AddDate(0, 0, 3)
	v, ok := store.Lookup(day, 59.3, 18.0, opts.Variable).Value()
	require.True(t, ok)
	assert.InDelta(t, sample.BaselineC(day, 59.3, 18.0), v, 1e-3)

	cat, err := ndvi.LoadCatalog(l.NDVI)
	require.NoError(t, err)
	assert.Len(t, cat.Windows(), 1)

	_, err = os.Stat(l.DEM)
	require.NoError(t, err)

	_, err = sample.Generate(t.TempDir(), sample.Options{}, observability.Discard())
	assert.ErrorIs(t, err, domain.ErrConfig)
}

// TestPipelineRecoversSignal runs preparation, training and map generation on
// a synthetic layout.
func TestPipelineRecoversSignal(t *testing.T) {
	dataDir, outDir := t.TempDir(), t.TempDir()
	opts := smallOptions()
	l, err := sample.Generate(dataDir, opts, observability.Discard())
	require.NoError(t, err)

	ctx := context.Background()
	logger := observability.Discard()
	metrics := observability.NewMetricsForTesting()
	summary := domain.NewRunSummary(time.Now())
	clock := clockwork.NewFakeClock()

	baseline := era5.NewStore(l.ERA5, logger)
	defer baseline.Close()
	cat, err := ndvi.LoadCatalog(l.NDVI)
	require.NoError(t, err)
	covariate := ndvi.NewAccessor(cat, logger)
	defer covariate.Close()
	cache, err := cube.Open(ctx, ":memory:", clock, logger)
	require.NoError(t, err)
	defer cache.Close()

	pipeline := &usecase.TrainingPipeline{
		Baseline:    baseline,
		Covariate:   covariate,
		Cache:       cache,
		Evaluations: cache,
		Logger:      logger,
		Metrics:     metrics,
		Summary:     summary,
		Clock:       clock,
	}
	dates := domain.DateRange{Start: opts.Start, End: opts.End}
	rows, err := pipeline.Prepare(ctx, usecase.PrepareRequest{
		StationsPath:    filepath.Join(l.Stations, config.StationsFile),
		ObservationsDir: l.Stations,
		Country:         opts.Country,
		Range:           dates,
		Variable:        opts.Variable,
		OutputDir:       outDir,
	})
	require.NoError(t, err)
	assert.Greater(t, len(rows), 500)
	assert.Positive(t, summary.Count("observations_quality"))
	assert.FileExists(t, filepath.Join(outDir, export.TrainingFile))

	params := model.DefaultParams()
	params.Forest.Trees = 30
	modelPath := filepath.Join(outDir, "residual_model.bin")
	res, err := pipeline.Train(ctx, rows, usecase.TrainRequest{
		Family:    model.FamilyRandomForest,
		Params:    params,
		Split:     usecase.DefaultSplitParams(),
		Country:   opts.Country,
		ModelPath: modelPath,
		OutputDir: outDir,
	})
	require.NoError(t, err)
	assert.Less(t, res.Metrics.TempRMSE, res.Metrics.BaselineRMSE)
	assert.Positive(t, res.Metrics.ImprovementPct)

	evs, err := cache.ListEvaluations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, res.Evaluation.ID, evs[0].ID)

	// The cached cube is reused on a second preparation.
	again, err := pipeline.Prepare(ctx, usecase.PrepareRequest{
		Country: opts.Country, Range: dates, Variable: opts.Variable, Reuse: true,
	})
	require.NoError(t, err)
	assert.Len(t, again, len(rows))

	loaded, err := model.Load(modelPath, domain.DefaultSchema)
	require.NoError(t, err)
	elevation := dem.NewNetCDFStore(l.DEM, logger)
	require.NoError(t, elevation.Load(opts.Box))

	gen := &usecase.MapGenerator{
		Covariate:     covariate,
		Baseline:      baseline,
		Elevation:     elevation,
		Model:         loaded,
		Variable:      opts.Variable,
		OutputDir:     filepath.Join(outDir, "maps"),
		WriteResidual: true,
		Logger:        logger,
		Metrics:       metrics,
		Summary:       summary,
		Clock:         clock,
	}

	var outcomes []usecase.DateOutcome
	for out := range gen.Generate(ctx, domain.DateRange{Start: opts.Start, End: opts.Start.AddDate(0, 0, 1)}) {
		outcomes = append(outcomes, out)
	}
	require.Len(t, outcomes, 2)
	for _, out := range outcomes {
		require.NoError(t, out.Err)
		assert.Positive(t, out.Predicted)
		assert.Positive(t, out.NoData, "water pixels carry no vegetation index")
		assert.FileExists(t, out.ResidualPath)

		src, err := raster.OpenNetCDF(out.Path)
		require.NoError(t, err)
		h := src.Header()
		_ = src.Close()
		assert.Equal(t, 100, h.Width)
		assert.Equal(t, 60, h.Height)
	}

	reader := usecase.NewMapReader(gen.OutputDir)
	defer reader.Close()
	lat, lon := 59.3, 18.0
	s, err := reader.Sample(opts.Start, lat, lon)
	if err == nil {
		truth := sample.BaselineC(opts.Start, lat, lon) + sample.UrbanOffset +
			sample.LapseRate*sample.Elevation(lat, lon) +
			sample.VegetationK*sample.Vegetation(lat, lon, opts.Start.Month())
		assert.InDelta(t, truth, s.Temperature, 2.5)
	} else {
		assert.ErrorIs(t, err, domain.ErrMissingInput)
	}
}
