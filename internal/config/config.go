// Package config holds the command-line configuration. Every field is bound
// to a DOWNSCALE_* environment variable so .env files and flags compose.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.ngs.io/heat-downscale/internal/adapter/store/era5"
	"go.ngs.io/heat-downscale/internal/domain"
	"go.ngs.io/heat-downscale/internal/model"
	"go.ngs.io/heat-downscale/internal/usecase"
)

// Default data layout under DataDir.
const (
	StationsSubdir = "ECA_blend_tx"
	StationsFile   = "stations.txt"
	ERA5Subdir     = "derived-era5-land-daily-statistics"
	NDVISubdir     = "sentinel2_ndvi"
)

// Regions maps a country code to its region-of-interest box.
var Regions = map[string]domain.BBox{
	"SE": {MinLon: 10, MinLat: 55, MaxLon: 25, MaxLat: 70},
	"DE": {MinLon: 5, MinLat: 47, MaxLon: 15, MaxLat: 55},
	"FR": {MinLon: -5, MinLat: 41, MaxLon: 10, MaxLat: 51},
	"NO": {MinLon: 4, MinLat: 58, MaxLon: 31, MaxLat: 71},
	"FI": {MinLon: 19, MinLat: 59, MaxLon: 32, MaxLat: 70},
}

// Logging selects the slog handler.
type Logging struct {
	Level           string `name:"log-level" env:"DOWNSCALE_LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level."`
	Format          string `name:"log-format" env:"DOWNSCALE_LOG_FORMAT" default:"text" enum:"text,json" help:"Log format."`
	MetricsTextfile string `name:"metrics-textfile" env:"DOWNSCALE_METRICS_TEXTFILE" help:"Write prometheus metrics to this file on exit."`
}

// Paths locates inputs and outputs. Empty source directories derive from DataDir.
type Paths struct {
	DataDir   string `name:"data-dir" env:"DOWNSCALE_DATA_DIR" default:"./data" help:"Root of the input data layout."`
	Stations  string `name:"stations-dir" env:"DOWNSCALE_STATIONS_DIR" help:"ECA&D blend directory (default <data-dir>/${StationsSubdir})."`
	ERA5      string `name:"era5-dir" env:"DOWNSCALE_ERA5_DIR" help:"ERA5-Land daily statistics directory."`
	NDVI      string `name:"ndvi-dir" env:"DOWNSCALE_NDVI_DIR" help:"Vegetation index raster directory."`
	DEM       string `name:"dem" env:"DOWNSCALE_DEM" help:"Optional elevation NetCDF used at inference."`
	OutputDir string `name:"output-dir" env:"DOWNSCALE_OUTPUT_DIR" default:"./results" help:"Directory for models, exports and maps."`
	Model     string `name:"model" env:"DOWNSCALE_MODEL" help:"Model artifact path (default <output-dir>/residual_model.bin)."`
	CacheDB   string `name:"cache-db" env:"DOWNSCALE_CACHE_DB" help:"SQLite cube cache (default <output-dir>/downscale.db)."`
}

// Resolve fills derived paths.
func (p Paths) Resolve() Paths {
	if p.Stations == "" {
		p.Stations = filepath.Join(p.DataDir, StationsSubdir)
	}
	if p.ERA5 == "" {
		p.ERA5 = filepath.Join(p.DataDir, ERA5Subdir)
	}
	if p.NDVI == "" {
		p.NDVI = filepath.Join(p.DataDir, NDVISubdir)
	}
	if p.Model == "" {
		p.Model = filepath.Join(p.OutputDir, "residual_model.bin")
	}
	if p.CacheDB == "" {
		p.CacheDB = filepath.Join(p.OutputDir, "downscale.db")
	}
	return p
}

// StationsPath is the station catalogue file.
func (p Paths) StationsPath() string { return filepath.Join(p.Stations, StationsFile) }

// MapsDir holds generated rasters.
func (p Paths) MapsDir() string { return filepath.Join(p.OutputDir, "maps") }

// ValidateInputs checks that the source directories exist.
func (p Paths) ValidateInputs(needStations bool) error {
	var errs []error
	check := func(label, path string) {
		if path == "" {
			return
		}
		if _, err := os.Stat(path); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", label, path, err))
		}
	}
	if needStations {
		check("stations", p.StationsPath())
	}
	check("era5", p.ERA5)
	check("ndvi", p.NDVI)
	check("dem", p.DEM)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrConfig, errors.Join(errs...))
	}
	return nil
}

// Dataset selects the country, date range and baseline variable.
type Dataset struct {
	Country  string `name:"country" env:"DOWNSCALE_COUNTRY" default:"SE" help:"ISO country code of the stations."`
	Start    string `name:"start" env:"DOWNSCALE_START" default:"2020-01-01" help:"First date (YYYY-MM-DD)."`
	End      string `name:"end" env:"DOWNSCALE_END" default:"2023-12-31" help:"Last date, inclusive."`
	Variable string `name:"variable" env:"DOWNSCALE_VARIABLE" default:"${era5_variable}" help:"ERA5 variable used as baseline."`
}

// Range parses Start and End.
func (d Dataset) Range() (domain.DateRange, error) {
	return parseRange(d.Start, d.End)
}

// Validate checks the country code and dates.
func (d Dataset) Validate() error {
	if len(d.Country) != 2 {
		return fmt.Errorf("%w: country %q is not a two-letter code", domain.ErrConfig, d.Country)
	}
	if _, err := d.Range(); err != nil {
		return err
	}
	if d.Variable == "" {
		return fmt.Errorf("%w: empty baseline variable", domain.ErrConfig)
	}
	return nil
}

// Training configures cross-validation and the regressor.
type Training struct {
	Family    string  `name:"family" env:"DOWNSCALE_FAMILY" default:"random_forest" enum:"random_forest,gradient_boosting" help:"Model family."`
	Split     string  `name:"split" env:"DOWNSCALE_SPLIT" default:"spatial" enum:"spatial,geographic" help:"Cross-validation split."`
	Axis      string  `name:"split-axis" env:"DOWNSCALE_SPLIT_AXIS" default:"latitude" enum:"latitude,longitude" help:"Axis for a geographic split."`
	TestSize  float64 `name:"test-size" env:"DOWNSCALE_TEST_SIZE" default:"0.2" help:"Fraction of stations held out."`
	Seed      uint64  `name:"seed" env:"DOWNSCALE_SEED" default:"42" help:"Random seed for splits and models."`
	Trees     int     `name:"trees" env:"DOWNSCALE_TREES" default:"200" help:"Trees (forest) or rounds (boosting)."`
	MaxDepth  int     `name:"max-depth" env:"DOWNSCALE_MAX_DEPTH" help:"Tree depth (default 15 forest, 8 boosting)."`
	MinSplit  int     `name:"min-samples-split" env:"DOWNSCALE_MIN_SAMPLES_SPLIT" default:"10" help:"Minimum rows to split a forest node."`
	MinLeaf   int     `name:"min-samples-leaf" env:"DOWNSCALE_MIN_SAMPLES_LEAF" default:"5" help:"Minimum rows per forest leaf."`
	LearnRate float64 `name:"learning-rate" env:"DOWNSCALE_LEARNING_RATE" default:"0.1" help:"Boosting shrinkage."`
	Subsample float64 `name:"subsample" env:"DOWNSCALE_SUBSAMPLE" default:"0.8" help:"Boosting row fraction per round."`
	ColSample float64 `name:"colsample" env:"DOWNSCALE_COLSAMPLE" default:"0.8" help:"Boosting feature fraction per round."`
	Workers   int     `name:"workers" env:"DOWNSCALE_WORKERS" help:"Concurrent tree fits (default GOMAXPROCS)."`
}

// Validate checks the split fraction, family and tree parameters.
func (t Training) Validate() error {
	if _, err := model.ParseFamily(t.Family); err != nil {
		return err
	}
	if t.TestSize <= 0 || t.TestSize >= 1 {
		return fmt.Errorf("%w: test size %g outside (0, 1)", domain.ErrConfig, t.TestSize)
	}
	if t.Trees <= 0 {
		return fmt.Errorf("%w: trees must be positive", domain.ErrConfig)
	}
	if t.MaxDepth < 0 || t.MinSplit < 0 || t.MinLeaf < 0 {
		return fmt.Errorf("%w: tree limits must not be negative", domain.ErrConfig)
	}
	if t.LearnRate <= 0 || t.Subsample <= 0 || t.Subsample > 1 || t.ColSample <= 0 || t.ColSample > 1 {
		return fmt.Errorf("%w: boosting rates must lie in (0, 1]", domain.ErrConfig)
	}
	switch usecase.SplitKind(t.Split) {
	case usecase.SplitSpatial, usecase.SplitGeographic:
	default:
		return fmt.Errorf("%w: unknown split %q", domain.ErrConfig, t.Split)
	}
	return nil
}

// SplitParams converts to the cross-validation parameters.
func (t Training) SplitParams() usecase.SplitParams {
	return usecase.SplitParams{
		Kind:     usecase.SplitKind(t.Split),
		TestSize: t.TestSize,
		Seed:     t.Seed,
		Axis:     usecase.SplitAxis(t.Axis),
	}
}

// ModelParams converts to regressor hyperparameters.
func (t Training) ModelParams() model.Params {
	p := model.DefaultParams()
	p.Forest.Trees = t.Trees
	p.Forest.Seed = t.Seed
	p.Forest.Workers = t.Workers
	p.Forest.Tree.MinSamplesSplit = t.MinSplit
	p.Forest.Tree.MinSamplesLeaf = t.MinLeaf
	p.Boosting.Rounds = t.Trees
	p.Boosting.Seed = t.Seed
	p.Boosting.LearningRate = t.LearnRate
	p.Boosting.Subsample = t.Subsample
	p.Boosting.ColSample = t.ColSample
	if t.MaxDepth > 0 {
		p.Forest.Tree.MaxDepth = t.MaxDepth
		p.Boosting.Tree.MaxDepth = t.MaxDepth
	}
	return p
}

// Inference configures map generation.
type Inference struct {
	Start            string    `name:"start" env:"DOWNSCALE_INFER_START" default:"2023-07-01" help:"First map date."`
	End              string    `name:"end" env:"DOWNSCALE_INFER_END" default:"2023-07-31" help:"Last map date, inclusive."`
	BBox             []float64 `name:"bbox" env:"DOWNSCALE_BBOX" sep:"," help:"min_lon,min_lat,max_lon,max_lat; overrides the region preset."`
	Region           string    `name:"region" env:"DOWNSCALE_REGION" help:"Region preset (SE, DE, FR, NO, FI); empty reads the whole raster."`
	Residual         bool      `name:"residual" env:"DOWNSCALE_WRITE_RESIDUAL" default:"true" negatable:"" help:"Also write the residual-only raster."`
	DefaultElevation float64   `name:"default-elevation" env:"DOWNSCALE_DEFAULT_ELEVATION" default:"0" help:"Elevation used when no DEM is configured."`
}

// Range parses Start and End.
func (i Inference) Range() (domain.DateRange, error) {
	return parseRange(i.Start, i.End)
}

// Box returns the requested region, if any. An explicit bbox wins over a preset.
func (i Inference) Box() (domain.BBox, bool, error) {
	if len(i.BBox) > 0 {
		if len(i.BBox) != 4 {
			return domain.BBox{}, false, fmt.Errorf("%w: bbox needs 4 values, got %d", domain.ErrConfig, len(i.BBox))
		}
		b := domain.BBox{MinLon: i.BBox[0], MinLat: i.BBox[1], MaxLon: i.BBox[2], MaxLat: i.BBox[3]}
		if !b.Valid() {
			return domain.BBox{}, false, fmt.Errorf("%w: bbox %v needs min < max on both axes", domain.ErrConfig, i.BBox)
		}
		return b, true, nil
	}
	if i.Region == "" {
		return domain.BBox{}, false, nil
	}
	b, ok := Regions[strings.ToUpper(i.Region)]
	if !ok {
		return domain.BBox{}, false, fmt.Errorf("%w: unknown region %q", domain.ErrConfig, i.Region)
	}
	return b, true, nil
}

// Validate checks dates and the bbox shape.
func (i Inference) Validate() error {
	if _, err := i.Range(); err != nil {
		return err
	}
	_, _, err := i.Box()
	return err
}

// Serve configures the HTTP API.
type Serve struct {
	Addr            string        `name:"addr" env:"DOWNSCALE_HTTP_ADDR" default:":8080" help:"Listen address."`
	ShutdownTimeout time.Duration `name:"shutdown-timeout" env:"DOWNSCALE_SHUTDOWN_TIMEOUT" default:"10s" help:"Graceful shutdown limit."`
	CORSOrigins     []string      `name:"cors-origin" env:"DOWNSCALE_CORS_ORIGINS" sep:"," help:"Allowed CORS origins (default any)."`
}

// Vars are the kong interpolation variables referenced in tags.
func Vars() map[string]string {
	return map[string]string{
		"era5_variable":  era5.DefaultVariable,
		"StationsSubdir": StationsSubdir,
	}
}

func parseRange(start, end string) (domain.DateRange, error) {
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return domain.DateRange{}, fmt.Errorf("%w: start date: %w", domain.ErrConfig, err)
	}
	e, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return domain.DateRange{}, fmt.Errorf("%w: end date: %w", domain.ErrConfig, err)
	}
	if e.Before(s) {
		return domain.DateRange{}, fmt.Errorf("%w: end %s before start %s", domain.ErrConfig, end, start)
	}
	return domain.DateRange{Start: s, End: e}, nil
}
