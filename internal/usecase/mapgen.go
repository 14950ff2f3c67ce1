package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"go.ngs.io/heat-downscale/internal/adapter/geo"
	"go.ngs.io/heat-downscale/internal/adapter/raster"
	"go.ngs.io/heat-downscale/internal/adapter/store/dem"
	"go.ngs.io/heat-downscale/internal/adapter/store/era5"
	"go.ngs.io/heat-downscale/internal/adapter/store/ndvi"
	"go.ngs.io/heat-downscale/internal/domain"
	"go.ngs.io/heat-downscale/internal/observability"
)

// OutputNoData marks excluded pixels in generated maps.
const OutputNoData = -9999.0

// CovariateSource opens the fine raster valid on a date.
type CovariateSource interface {
	Open(date time.Time) (raster.Source, ndvi.Window, error)
}

// BaselineLoader reads one day of the coarse grid.
type BaselineLoader interface {
	LoadDay(date time.Time, variable string) (*era5.Field, error)
}

// Predictor predicts residuals for a feature frame.
type Predictor interface {
	Features() []string
	PredictFrame(f domain.Frame) ([]float64, error)
}

// MapPath is the temperature map written for date.
func MapPath(dir string, date time.Time) string {
	return filepath.Join(dir, "highres_temp_"+date.Format("20060102")+".nc")
}

// ResidualMapPath is the residual-only companion map for date.
func ResidualMapPath(dir string, date time.Time) string {
	return filepath.Join(dir, "residual_highres_temp_"+date.Format("20060102")+".nc")
}

// MapGenerator turns a trained model and fresh grids into fine-resolution maps.
type MapGenerator struct {
	Covariate CovariateSource
	Baseline  BaselineLoader
	Elevation dem.Source
	Model     Predictor
	Variable  string
	OutputDir string
	// Region restricts the covariate read to a WGS84 box.
	Region        *domain.BBox
	WriteResidual bool

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Summary *domain.RunSummary
	Clock   clockwork.Clock
}

// DateOutcome is the result for one date. Err is a *domain.StageError when the
// date was skipped.
type DateOutcome struct {
	Date         time.Time
	Path         string
	ResidualPath string
	Predicted    int
	NoData       int
	Map          *raster.Raster
	Err          error
}

// dateJob carries one date through the stages.
type dateJob struct {
	date     time.Time
	cov      *raster.Raster
	veg      []float64
	field    *era5.Field
	lat, lon []float64
	baseline *raster.Raster
	rows     []domain.FeatureGridRow
	resid    []float64
	final    *raster.Raster
	residual *raster.Raster
	out      DateOutcome
}

type stage struct {
	name domain.Stage
	run  func(*MapGenerator, *dateJob) error
}

var stages = []stage{
	{domain.StageLoadCovariate, (*MapGenerator).loadCovariate},
	{domain.StageLoadBaseline, (*MapGenerator).loadBaseline},
	{domain.StageReprojectBaseline, (*MapGenerator).reprojectBaseline},
	{domain.StageBuildFeatureGrid, (*MapGenerator).buildFeatureGrid},
	{domain.StagePredict, (*MapGenerator).predict},
	{domain.StageReconstruct, (*MapGenerator).reconstruct},
	{domain.StageWrite, (*MapGenerator).write},
}

// Generate yields one outcome per date of the inclusive range, continuing
// past failed dates. Iteration stops early only when ctx is cancelled.
func (g *MapGenerator) Generate(ctx context.Context, dates domain.DateRange) iter.Seq[DateOutcome] {
	return func(yield func(DateOutcome) bool) {
		for _, d := range dates.Days() {
			if ctx.Err() != nil {
				return
			}
			if !yield(g.GenerateDate(d)) {
				return
			}
		}
	}
}

// Report totals a generation run.
type Report struct {
	Dates   int
	Written int
	Failed  int
}

// Run generates every date of the range. Failed dates are counted and
// skipped, except a model contract violation, which stops the run.
func (g *MapGenerator) Run(ctx context.Context, dates domain.DateRange) (Report, error) {
	var rep Report
	for out := range g.Generate(ctx, dates) {
		rep.Dates++
		if out.Err == nil {
			rep.Written++
			continue
		}
		rep.Failed++
		if errors.Is(out.Err, domain.ErrModelContract) {
			return rep, out.Err
		}
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

// GenerateDate runs every stage for one date.
func (g *MapGenerator) GenerateDate(date time.Time) DateOutcome {
	started := g.clock().Now()
	job := &dateJob{date: domain.DateOnly(date)}
	job.out.Date = job.date

	for _, s := range stages {
		if err := s.run(g, job); err != nil {
			job.out.Err = &domain.StageError{Stage: s.name, Err: err}
			g.Summary.Add("dates_failed:"+string(s.name), 1)
			if g.Metrics != nil {
				g.Metrics.DatesFailed.WithLabelValues(string(s.name)).Inc()
				g.Metrics.DatesProcessed.WithLabelValues("skipped").Inc()
			}
			g.Logger.Error("skipping date", "date", job.date.Format(time.DateOnly), "stage", string(s.name), "error", err)
			return job.out
		}
	}

	g.Summary.Add("dates_written", 1)
	g.Summary.Add("pixels_predicted", job.out.Predicted)
	g.Summary.Add("pixels_nodata", job.out.NoData)
	if g.Metrics != nil {
		g.Metrics.DatesProcessed.WithLabelValues("written").Inc()
		g.Metrics.PixelsPredicted.Add(float64(job.out.Predicted))
		g.Metrics.PixelsNoData.Add(float64(job.out.NoData))
		g.Metrics.DateDuration.Observe(g.clock().Since(started).Seconds())
	}
	g.Logger.Info("map written",
		"date", job.date.Format(time.DateOnly),
		"path", job.out.Path,
		"predicted", job.out.Predicted,
		"nodata", job.out.NoData,
	)
	return job.out
}

func (g *MapGenerator) loadCovariate(job *dateJob) error {
	src, win, err := g.Covariate.Open(job.date)
	if err != nil {
		return err
	}
	h := src.Header()
	w := geo.Window{Rows: h.Height, Cols: h.Width}
	if g.Region != nil {
		if w, err = regionWindow(h, *g.Region); err != nil {
			return err
		}
	}
	cov, err := src.ReadWindow(w)
	if err != nil {
		return fmt.Errorf("read %s: %w", win.Path, err)
	}
	job.cov = cov
	job.veg = make([]float64, len(cov.Data))
	for i, v := range cov.Data {
		job.veg[i] = math.NaN()
		if cov.IsNoData(v) {
			continue
		}
		if x, ok := ndvi.Decode(v); ok {
			job.veg[i] = x
		}
	}
	return nil
}

// regionWindow maps a WGS84 box to a pixel window of h.
func regionWindow(h raster.Header, box domain.BBox) (geo.Window, error) {
	t, err := geo.NewTransformer(geo.WGS84(), h.CRS)
	if err != nil {
		return geo.Window{}, err
	}
	minX, minY, maxX, maxY, err := t.TransformBounds(box.MinLon, box.MinLat, box.MaxLon, box.MaxLat)
	if err != nil {
		return geo.Window{}, fmt.Errorf("reproject region: %w", err)
	}
	w, err := h.Transform.WindowFromBounds(minX, minY, maxX, maxY, h.Width, h.Height)
	if err != nil {
		return geo.Window{}, fmt.Errorf("%w: %w", domain.ErrMissingInput, err)
	}
	return w, nil
}

func (g *MapGenerator) loadBaseline(job *dateJob) error {
	f, err := g.Baseline.LoadDay(job.date, g.Variable)
	if err != nil {
		return err
	}
	job.field = f
	return nil
}

// reprojectBaseline samples the coarse field bilinearly at every fine pixel
// center, producing a baseline on the covariate grid.
func (g *MapGenerator) reprojectBaseline(job *dateJob) error {
	h := job.cov.Header
	inv, err := geo.NewTransformer(h.CRS, geo.WGS84())
	if err != nil {
		return err
	}
	n := h.Width * h.Height
	job.lat = make([]float64, n)
	job.lon = make([]float64, n)
	bh := h
	bh.NoData, bh.HasNoData = math.NaN(), false
	job.baseline = raster.New(bh, math.NaN())

	for row := 0; row < h.Height; row++ {
		for col := 0; col < h.Width; col++ {
			i := row*h.Width + col
			x, y := h.Transform.PixelCenter(row, col)
			lon, lat, err := inv.Transform(x, y)
			if err != nil {
				job.lat[i], job.lon[i] = math.NaN(), math.NaN()
				continue
			}
			job.lat[i], job.lon[i] = lat, lon
			job.baseline.Data[i] = job.field.Bilinear(lat, lon)
		}
	}
	return nil
}

func (g *MapGenerator) buildFeatureGrid(job *dateJob) error {
	h := job.cov.Header
	doy := domain.DayOfYear(job.date)
	job.rows = make([]domain.FeatureGridRow, 0, len(job.veg))
	var noCov, noBase, noElev int
	for row := 0; row < h.Height; row++ {
		for col := 0; col < h.Width; col++ {
			i := row*h.Width + col
			veg, base := job.veg[i], job.baseline.Data[i]
			if math.IsNaN(veg) {
				noCov++
				continue
			}
			if math.IsNaN(base) {
				noBase++
				continue
			}
			elev, ok := g.Elevation.Elevation(job.lat[i], job.lon[i])
			if !ok {
				noElev++
				continue
			}
			job.rows = append(job.rows, domain.FeatureGridRow{
				Row:                 row,
				Col:                 col,
				Latitude:            job.lat[i],
				Longitude:           job.lon[i],
				BaselineTemperature: base,
				VegetationIndex:     veg,
				ElevationM:          elev,
				DayOfYear:           doy,
			})
		}
	}
	g.Summary.Add("pixels_no_covariate", noCov)
	g.Summary.Add("pixels_no_baseline", noBase)
	g.Summary.Add("pixels_no_elevation", noElev)
	if len(job.rows) == 0 {
		return fmt.Errorf("%w: no pixel has both baseline and covariate", domain.ErrMissingInput)
	}
	return nil
}

func (g *MapGenerator) predict(job *dateJob) error {
	frame, err := domain.BuildFrame(domain.FeatureSchema{Names: g.Model.Features()}, job.rows)
	if err != nil {
		return err
	}
	resid, err := g.Model.PredictFrame(frame)
	if err != nil {
		return err
	}
	if len(resid) != len(job.rows) {
		return &domain.ModelContractError{Detail: fmt.Sprintf("model returned %d values for %d rows", len(resid), len(job.rows))}
	}
	job.resid = resid
	return nil
}

func (g *MapGenerator) reconstruct(job *dateJob) error {
	h := job.cov.Header
	h.NoData, h.HasNoData = OutputNoData, true
	job.final = raster.New(h, OutputNoData)
	job.residual = raster.New(h, OutputNoData)
	for i, r := range job.rows {
		job.final.Set(r.Row, r.Col, r.BaselineTemperature+job.resid[i])
		job.residual.Set(r.Row, r.Col, job.resid[i])
	}
	job.out.Predicted = len(job.rows)
	job.out.NoData = h.Width*h.Height - len(job.rows)
	job.out.Map = job.final
	return nil
}

func (g *MapGenerator) write(job *dateJob) error {
	if err := os.MkdirAll(g.OutputDir, 0o755); err != nil {
		return err
	}
	attrs := map[string]string{
		"date":               job.date.Format(time.DateOnly),
		"baseline_variable":  g.Variable,
		"downscaling_method": "residual",
	}
	path := MapPath(g.OutputDir, job.date)
	if err := raster.WriteNetCDF(path, job.final, raster.WriteOptions{
		Type:      raster.Float32,
		LongName:  "downscaled daily maximum 2m temperature",
		Units:     "degC",
		Attribute: attrs,
	}); err != nil {
		return err
	}
	job.out.Path = path

	if g.WriteResidual {
		rpath := ResidualMapPath(g.OutputDir, job.date)
		if err := raster.WriteNetCDF(rpath, job.residual, raster.WriteOptions{
			Type:      raster.Float32,
			LongName:  "predicted residual (station minus baseline)",
			Units:     "K",
			Attribute: attrs,
		}); err != nil {
			return err
		}
		job.out.ResidualPath = rpath
	}
	return nil
}

func (g *MapGenerator) clock() clockwork.Clock {
	if g.Clock == nil {
		return clockwork.NewRealClock()
	}
	return g.Clock
}
