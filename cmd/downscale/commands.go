package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.ngs.io/heat-downscale/internal/adapter/store/cube"
	"go.ngs.io/heat-downscale/internal/adapter/store/dem"
	"go.ngs.io/heat-downscale/internal/adapter/store/era5"
	"go.ngs.io/heat-downscale/internal/adapter/store/ndvi"
	"go.ngs.io/heat-downscale/internal/config"
	"go.ngs.io/heat-downscale/internal/domain"
	"go.ngs.io/heat-downscale/internal/export"
	"go.ngs.io/heat-downscale/internal/model"
	"go.ngs.io/heat-downscale/internal/sample"
	"go.ngs.io/heat-downscale/internal/usecase"
)

// PrepareCmd builds and caches the training cube.
type PrepareCmd struct {
	Dataset config.Dataset `embed:""`
	Reuse   bool           `name:"reuse" env:"DOWNSCALE_REUSE_CUBE" help:"Return the cached cube for the same country and dates."`
}

// Run executes the prepare command.
func (c *PrepareCmd) Run(ctx context.Context, app *App) error {
	_, err := app.prepare(ctx, c.Dataset, c.Reuse)
	return err
}

// TrainCmd fits a model on the cached cube, or on training_data.csv.
type TrainCmd struct {
	Dataset  config.Dataset  `embed:""`
	Training config.Training `embed:""`
}

// Run executes the train command.
func (c *TrainCmd) Run(ctx context.Context, app *App) error {
	if err := c.Dataset.Validate(); err != nil {
		return err
	}
	rows, err := app.loadCube(ctx, c.Dataset)
	if err != nil {
		return err
	}
	_, err = app.train(ctx, c.Dataset, c.Training, rows)
	return err
}

// InferCmd generates maps with a saved model.
type InferCmd struct {
	Inference config.Inference `embed:""`
	Variable  string           `name:"variable" env:"DOWNSCALE_VARIABLE" default:"${era5_variable}" help:"ERA5 variable used as baseline."`
}

// Run executes the infer command.
func (c *InferCmd) Run(ctx context.Context, app *App) error {
	m, err := model.Load(app.Paths.Model, domain.DefaultSchema)
	if err != nil {
		return err
	}
	return app.infer(ctx, c.Inference, c.Variable, m)
}

// RunCmd chains prepare, train and infer.
type RunCmd struct {
	Dataset     config.Dataset   `embed:""`
	Training    config.Training  `embed:""`
	Inference   config.Inference `embed:"" prefix:"infer-"`
	SkipPrepare bool             `name:"skip-prepare" env:"DOWNSCALE_SKIP_PREPARE" help:"Train on the cached cube instead of rebuilding it."`
}

// Run executes the whole pipeline.
func (c *RunCmd) Run(ctx context.Context, app *App) error {
	if err := c.Training.Validate(); err != nil {
		return err
	}
	if err := c.Inference.Validate(); err != nil {
		return err
	}

	var rows []domain.TrainingExample
	var err error
	if c.SkipPrepare {
		rows, err = app.loadCube(ctx, c.Dataset)
	} else {
		rows, err = app.prepare(ctx, c.Dataset, false)
	}
	if err != nil {
		return err
	}
	res, err := app.train(ctx, c.Dataset, c.Training, rows)
	if err != nil {
		return err
	}
	return app.infer(ctx, c.Inference, c.Dataset.Variable, res.Model)
}

// SampleDataCmd writes a synthetic input layout.
type SampleDataCmd struct {
	Country  string `name:"country" default:"SE" help:"Country code given to the synthetic stations."`
	Stations int    `name:"stations" default:"30" help:"Number of synthetic stations."`
	Seed     uint64 `name:"seed" default:"42" help:"Random seed of the synthetic data."`
}

// Run writes the layout under the data directory.
func (c *SampleDataCmd) Run(app *App) error {
	opts := sample.DefaultOptions()
	opts.Country = c.Country
	opts.Stations = c.Stations
	opts.Seed = c.Seed
	l, err := sample.Generate(app.Paths.DataDir, opts, app.Logger)
	if err != nil {
		return err
	}
	app.Logger.Info("sample data written",
		"data_dir", l.DataDir,
		"stations", l.Written,
		"dem", l.DEM,
		"start", opts.Start.Format(time.DateOnly),
		"end", opts.End.Format(time.DateOnly))
	return nil
}

// inputs are the opened baseline and covariate sources.
type inputs struct {
	baseline  *era5.Store
	covariate *ndvi.Accessor
}

func (in *inputs) Close() error {
	return errors.Join(in.baseline.Close(), in.covariate.Close())
}

func (a *App) openInputs() (*inputs, error) {
	cat, err := ndvi.LoadCatalog(a.Paths.NDVI)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfig, err)
	}
	a.Logger.Info("loaded covariate catalogue", "dir", a.Paths.NDVI, "windows", len(cat.Windows()))
	return &inputs{
		baseline:  era5.NewStore(a.Paths.ERA5, a.Logger),
		covariate: ndvi.NewAccessor(cat, a.Logger),
	}, nil
}

func (a *App) openCache(ctx context.Context) (*cube.Store, error) {
	if err := os.MkdirAll(filepath.Dir(a.Paths.CacheDB), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return cube.Open(ctx, a.Paths.CacheDB, a.Clock, a.Logger)
}

func (a *App) pipeline(in *inputs, cache *cube.Store) *usecase.TrainingPipeline {
	p := &usecase.TrainingPipeline{
		Logger:  a.Logger,
		Metrics: a.Metrics,
		Summary: a.Summary,
		Clock:   a.Clock,
	}
	if in != nil {
		p.Baseline, p.Covariate = in.baseline, in.covariate
	}
	if cache != nil {
		p.Cache, p.Evaluations = cache, cache
	}
	return p
}

func (a *App) prepare(ctx context.Context, ds config.Dataset, reuse bool) ([]domain.TrainingExample, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	if err := a.Paths.ValidateInputs(true); err != nil {
		return nil, err
	}
	dates, _ := ds.Range()
	if err := os.MkdirAll(a.Paths.OutputDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	in, err := a.openInputs()
	if err != nil {
		return nil, err
	}
	defer func() { _ = in.Close() }()
	cache, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cache.Close() }()

	rows, err := a.pipeline(in, cache).Prepare(ctx, usecase.PrepareRequest{
		StationsPath:    a.Paths.StationsPath(),
		ObservationsDir: a.Paths.Stations,
		Country:         ds.Country,
		Range:           dates,
		Variable:        ds.Variable,
		Reuse:           reuse,
		OutputDir:       a.Paths.OutputDir,
	})
	if err != nil {
		return nil, err
	}
	a.Logger.Info("training cube ready", "rows", len(rows), "country", ds.Country)
	return rows, nil
}

// loadCube reads the cached cube, falling back to training_data.csv.
func (a *App) loadCube(ctx context.Context, ds config.Dataset) ([]domain.TrainingExample, error) {
	dates, err := ds.Range()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(a.Paths.CacheDB); err == nil {
		cache, err := a.openCache(ctx)
		if err != nil {
			return nil, err
		}
		defer func() { _ = cache.Close() }()
		rows, info, err := cache.LoadCube(ctx, cube.Key{Country: ds.Country, Range: dates, Variable: ds.Variable})
		switch {
		case err == nil:
			a.Logger.Info("loaded cached training cube", "id", info.ID, "rows", len(rows))
			return rows, nil
		case !errors.Is(err, cube.ErrNotFound):
			return nil, err
		}
	}

	path := filepath.Join(a.Paths.OutputDir, export.TrainingFile)
	rows, err := export.ReadTrainingData(path)
	if err != nil {
		return nil, fmt.Errorf("no prepared cube for %s (run prepare first): %w", ds.Country, err)
	}
	a.Logger.Info("loaded training cube from export", "path", path, "rows", len(rows))
	return rows, nil
}

func (a *App) train(ctx context.Context, ds config.Dataset, tr config.Training, rows []domain.TrainingExample) (usecase.TrainResult, error) {
	if err := tr.Validate(); err != nil {
		return usecase.TrainResult{}, err
	}
	family, _ := model.ParseFamily(tr.Family)
	if err := os.MkdirAll(a.Paths.OutputDir, 0o750); err != nil {
		return usecase.TrainResult{}, fmt.Errorf("failed to create output directory: %w", err)
	}
	cache, err := a.openCache(ctx)
	if err != nil {
		return usecase.TrainResult{}, err
	}
	defer func() { _ = cache.Close() }()

	res, err := a.pipeline(nil, cache).Train(ctx, rows, usecase.TrainRequest{
		Family:    family,
		Params:    tr.ModelParams(),
		Split:     tr.SplitParams(),
		Country:   ds.Country,
		ModelPath: a.Paths.Model,
		OutputDir: a.Paths.OutputDir,
	})
	if err != nil {
		return usecase.TrainResult{}, err
	}
	for _, imp := range res.Importance {
		a.Logger.Info("feature importance", "feature", imp.Feature, "importance", imp.Importance)
	}
	return res, nil
}

func (a *App) infer(ctx context.Context, inf config.Inference, variable string, m *model.ResidualModel) error {
	if err := inf.Validate(); err != nil {
		return err
	}
	if err := a.Paths.ValidateInputs(false); err != nil {
		return err
	}
	dates, _ := inf.Range()
	box, hasBox, _ := inf.Box()

	in, err := a.openInputs()
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	gen := &usecase.MapGenerator{
		Covariate:     in.covariate,
		Baseline:      in.baseline,
		Elevation:     dem.Constant(inf.DefaultElevation),
		Model:         m,
		Variable:      variable,
		OutputDir:     a.Paths.MapsDir(),
		WriteResidual: inf.Residual,
		Logger:        a.Logger,
		Metrics:       a.Metrics,
		Summary:       a.Summary,
		Clock:         a.Clock,
	}
	if hasBox {
		gen.Region = &box
	}
	if a.Paths.DEM != "" {
		if !hasBox {
			return fmt.Errorf("%w: a DEM needs --bbox or --region to bound the loaded grid", domain.ErrConfig)
		}
		store := dem.NewNetCDFStore(a.Paths.DEM, a.Logger)
		if err := store.Load(box); err != nil {
			return fmt.Errorf("load elevation: %w", err)
		}
		gen.Elevation = store
	} else {
		a.Logger.Info("no DEM configured, using constant elevation", "elevation_m", inf.DefaultElevation)
	}

	rep, err := gen.Run(ctx, dates)
	a.Logger.Info("map generation finished", "dates", rep.Dates, "written", rep.Written, "failed", rep.Failed, "dir", gen.OutputDir)
	if err != nil {
		return err
	}
	if rep.Written == 0 {
		return fmt.Errorf("%w: no map could be generated", domain.ErrMissingInput)
	}
	return nil
}
