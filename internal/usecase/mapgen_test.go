package usecase

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ngs.io/heat-downscale/internal/adapter/geo"
	"go.ngs.io/heat-downscale/internal/adapter/interp"
	"go.ngs.io/heat-downscale/internal/adapter/raster"
	"go.ngs.io/heat-downscale/internal/adapter/store/dem"
	"go.ngs.io/heat-downscale/internal/adapter/store/era5"
	"go.ngs.io/heat-downscale/internal/adapter/store/ndvi"
	"go.ngs.io/heat-downscale/internal/domain"
	"go.ngs.io/heat-downscale/internal/model"
	"go.ngs.io/heat-downscale/internal/observability"
)

// memSource serves an in-memory raster.
type memSource struct{ r *raster.Raster }

func (m memSource) Header() raster.Header { return m.r.Header }

func (m memSource) ReadWindow(w geo.Window) (*raster.Raster, error) {
	h := m.r.Header
	h.Width, h.Height = w.Cols, w.Rows
	h.Transform = m.r.Transform.Shift(w.RowOff, w.ColOff)
	out := raster.New(h, 0)
	for r := 0; r < w.Rows; r++ {
		for c := 0; c < w.Cols; c++ {
			out.Set(r, c, m.r.At(w.RowOff+r, w.ColOff+c))
		}
	}
	return out, nil
}

func (m memSource) ReadPixel(row, col int) (float64, error) { return m.r.At(row, col), nil }
func (m memSource) Close() error                            { return nil }

type fakeCovariate struct {
	src     raster.Source
	missing map[time.Time]bool
}

func (f fakeCovariate) Open(date time.Time) (raster.Source, ndvi.Window, error) {
	if f.missing[date] {
		return nil, ndvi.Window{}, fmt.Errorf("%w: no window", domain.ErrMissingInput)
	}
	return f.src, ndvi.Window{Path: "mem"}, nil
}

type fakeField struct {
	value   float64
	missing map[time.Time]bool
}

func (f fakeField) LoadDay(date time.Time, _ string) (*era5.Field, error) {
	if f.missing[date] {
		return nil, fmt.Errorf("%w: no archive", domain.ErrMissingInput)
	}
	v := [][]float64{{f.value, f.value}, {f.value, f.value}}
	return &era5.Field{Grid: &interp.Grid2D{X: []float64{2.0, 2.5}, Y: []float64{48.5, 49.0}, Values: v}, Date: date}, nil
}

// constPredictor returns the same residual for every row.
type constPredictor struct {
	resid    float64
	features []string
}

func (c constPredictor) Features() []string { return c.features }

func (c constPredictor) PredictFrame(f domain.Frame) ([]float64, error) {
	out := make([]float64, len(f.Rows))
	for i := range out {
		out[i] = c.resid
	}
	return out, nil
}

// parisCovariate is a 10x10 WGS84 raster whose first two rows are NoData.
func parisCovariate() *raster.Raster {
	h := raster.Header{
		Width:     10,
		Height:    10,
		Transform: geo.GeoTransform{2.30, 0.01, 0, 48.90, 0, -0.01},
		CRS:       geo.WGS84(),
		NoData:    ndvi.NoDataValue,
		HasNoData: true,
	}
	r := raster.New(h, 200)
	for c := 0; c < 10; c++ {
		r.Set(0, c, ndvi.NoDataValue)
		r.Set(1, c, ndvi.NoDataValue)
	}
	return r
}

func newGenerator(t *testing.T, cov fakeCovariate, base fakeField, p Predictor) *MapGenerator {
	t.Helper()
	return &MapGenerator{
		Covariate:     cov,
		Baseline:      base,
		Elevation:     dem.Constant(0),
		Model:         p,
		Variable:      era5.DefaultVariable,
		OutputDir:     t.TempDir(),
		WriteResidual: true,
		Logger:        observability.Discard(),
		Metrics:       observability.NewMetricsForTesting(),
		Summary:       domain.NewRunSummary(time.Now()),
	}
}

func TestMapGenerator_NoDataPixels(t *testing.T) {
	cov := parisCovariate()
	g := newGenerator(t, fakeCovariate{src: memSource{cov}}, fakeField{value: 20},
		constPredictor{resid: 1.5, features: domain.DefaultSchema.Names})

	out := g.GenerateDate(day(14))
	require.NoError(t, out.Err)
	assert.Equal(t, 80, out.Predicted)
	assert.Equal(t, 20, out.NoData)

	src, err := raster.OpenNetCDF(out.Path)
	require.NoError(t, err)
	defer src.Close()
	written, err := raster.ReadAll(src)
	require.NoError(t, err)

	assert.Equal(t, cov.Width, written.Width)
	assert.Equal(t, cov.Height, written.Height)
	assert.Equal(t, cov.Transform, written.Transform)
	assert.Equal(t, cov.CRS.EPSG, written.CRS.EPSG)
	assert.Equal(t, 80, written.CountValid())
	for c := 0; c < 10; c++ {
		assert.True(t, written.IsNoData(written.At(0, c)))
		assert.InDelta(t, 21.5, written.At(5, c), 1e-5)
	}

	rsrc, err := raster.OpenNetCDF(out.ResidualPath)
	require.NoError(t, err)
	defer rsrc.Close()
	resid, err := raster.ReadAll(rsrc)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, resid.At(9, 9), 1e-6)
	assert.Equal(t, 80, resid.CountValid())
}

func TestMapGenerator_ContinuesPastFailedDates(t *testing.T) {
	g := newGenerator(t,
		fakeCovariate{src: memSource{parisCovariate()}, missing: map[time.Time]bool{day(1): true}},
		fakeField{value: 20, missing: map[time.Time]bool{day(2): true}},
		constPredictor{resid: 0, features: domain.DefaultSchema.Names})

	var outcomes []DateOutcome
	for o := range g.Generate(context.Background(), domain.DateRange{Start: day(0), End: day(3)}) {
		outcomes = append(outcomes, o)
	}
	require.Len(t, outcomes, 4)

	assert.NoError(t, outcomes[0].Err)
	assert.NoError(t, outcomes[3].Err)

	var se *domain.StageError
	require.ErrorAs(t, outcomes[1].Err, &se)
	assert.Equal(t, domain.StageLoadCovariate, se.Stage)
	require.ErrorAs(t, outcomes[2].Err, &se)
	assert.Equal(t, domain.StageLoadBaseline, se.Stage)
	assert.ErrorIs(t, outcomes[2].Err, domain.ErrMissingInput)

	assert.Equal(t, 2, g.Summary.Count("dates_written"))
	assert.Equal(t, 1, g.Summary.Count("dates_failed:load_covariate"))
}

func TestMapGenerator_BaselineOutsideGrid(t *testing.T) {
	cov := parisCovariate()
	// Shift the fine grid east of the coarse field.
	cov.Transform[0] = 3.0
	g := newGenerator(t, fakeCovariate{src: memSource{cov}}, fakeField{value: 20},
		constPredictor{features: domain.DefaultSchema.Names})

	out := g.GenerateDate(day(0))
	var se *domain.StageError
	require.ErrorAs(t, out.Err, &se)
	assert.Equal(t, domain.StageBuildFeatureGrid, se.Stage)
	assert.Equal(t, 80, g.Summary.Count("pixels_no_baseline"))
}

func TestMapGenerator_BaselineEdgeHalfCell(t *testing.T) {
	cov := parisCovariate()
	// East of the last coarse node at 2.5 but inside its cell.
	cov.Transform[0] = 2.52
	g := newGenerator(t, fakeCovariate{src: memSource{cov}}, fakeField{value: 20},
		constPredictor{resid: 1, features: domain.DefaultSchema.Names})

	out := g.GenerateDate(day(0))
	require.NoError(t, out.Err)
	assert.Equal(t, 80, out.Predicted)
	assert.Equal(t, 0, g.Summary.Count("pixels_no_baseline"))
}

func TestMapGenerator_Region(t *testing.T) {
	g := newGenerator(t, fakeCovariate{src: memSource{parisCovariate()}}, fakeField{value: 20},
		constPredictor{resid: 1, features: domain.DefaultSchema.Names})
	g.Region = &domain.BBox{MinLon: 2.30, MinLat: 48.80, MaxLon: 2.35, MaxLat: 48.85}

	out := g.GenerateDate(day(0))
	require.NoError(t, out.Err)
	assert.Equal(t, 5, out.Map.Width)
	assert.Equal(t, 5, out.Map.Height)
	assert.Equal(t, 25, out.Predicted)
	assert.InDelta(t, 48.85, out.Map.Transform[3], 1e-9)
}

func TestMapGenerator_RejectsFeatureOrder(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	examples := make([]domain.TrainingExample, 40)
	for i := range examples {
		examples[i] = domain.TrainingExample{StationID: i, Latitude: 48 + rng.Float64(), Longitude: 2 + rng.Float64(),
			BaselineTemperature: 20, VegetationIndex: rng.Float64(), Residual: rng.Float64(), DayOfYear: 180}
	}
	params := model.DefaultParams()
	params.Forest.Trees = 3
	m, err := model.New(model.FamilyRandomForest, params)
	require.NoError(t, err)
	require.NoError(t, m.Train(context.Background(), examples))

	g := newGenerator(t, fakeCovariate{src: memSource{parisCovariate()}}, fakeField{value: 20}, m)
	require.NoError(t, g.GenerateDate(day(0)).Err)

	reordered := slices.Clone(m.Features())
	slices.Reverse(reordered)
	g.Model = reorderedModel{m, reordered}
	out := g.GenerateDate(day(0))
	var se *domain.StageError
	require.ErrorAs(t, out.Err, &se)
	assert.Equal(t, domain.StagePredict, se.Stage)
	assert.ErrorIs(t, out.Err, domain.ErrModelContract)
}

// truncatingPredictor drops the last prediction.
type truncatingPredictor struct{ constPredictor }

func (p truncatingPredictor) PredictFrame(f domain.Frame) ([]float64, error) {
	out, err := p.constPredictor.PredictFrame(f)
	return out[:len(out)-1], err
}

func TestMapGenerator_RunStopsOnContractViolation(t *testing.T) {
	g := newGenerator(t, fakeCovariate{src: memSource{parisCovariate()}, missing: map[time.Time]bool{day(0): true}},
		fakeField{value: 20}, truncatingPredictor{constPredictor{features: domain.DefaultSchema.Names}})

	rep, err := g.Run(context.Background(), domain.DateRange{Start: day(0), End: day(5)})
	require.ErrorIs(t, err, domain.ErrModelContract)
	assert.Equal(t, Report{Dates: 2, Failed: 2}, rep)

	g.Model = constPredictor{resid: 1, features: domain.DefaultSchema.Names}
	rep, err = g.Run(context.Background(), domain.DateRange{Start: day(0), End: day(2)})
	require.NoError(t, err)
	assert.Equal(t, Report{Dates: 3, Written: 2, Failed: 1}, rep)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Run(ctx, domain.DateRange{Start: day(0), End: day(2)})
	assert.ErrorIs(t, err, context.Canceled)
}

type reorderedModel struct {
	*model.ResidualModel
	names []string
}

func (r reorderedModel) Features() []string { return r.names }

func TestMapPaths(t *testing.T) {
	d := time.Date(2023, 7, 4, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "out/highres_temp_20230704.nc", MapPath("out", d))
	assert.Equal(t, "out/residual_highres_temp_20230704.nc", ResidualMapPath("out", d))
	assert.False(t, math.IsNaN(OutputNoData))
}

func TestMapReader_Sample(t *testing.T) {
	g := newGenerator(t, fakeCovariate{src: memSource{parisCovariate()}}, fakeField{value: 20},
		constPredictor{resid: 1.5, features: domain.DefaultSchema.Names})
	require.NoError(t, g.GenerateDate(day(3)).Err)

	r := NewMapReader(g.OutputDir)
	defer r.Close()

	s, err := r.Sample(day(3), 48.825, 2.335)
	require.NoError(t, err)
	assert.InDelta(t, 21.5, s.Temperature, 1e-5)
	require.NotNil(t, s.Residual)
	assert.InDelta(t, 1.5, *s.Residual, 1e-6)
	assert.Equal(t, 7, s.Row)
	assert.Equal(t, 3, s.Col)

	_, err = r.Sample(day(3), 48.895, 2.335) // NoData row
	assert.ErrorIs(t, err, domain.ErrMissingInput)
	_, err = r.Sample(day(3), 10, 10)
	assert.ErrorIs(t, err, domain.ErrMissingInput)
	_, err = r.Sample(day(4), 48.825, 2.335)
	assert.ErrorIs(t, err, domain.ErrMissingInput)
}
