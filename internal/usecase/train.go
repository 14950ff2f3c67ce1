package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"go.ngs.io/heat-downscale/internal/adapter/store"
	"go.ngs.io/heat-downscale/internal/adapter/store/cube"
	"go.ngs.io/heat-downscale/internal/adapter/store/ecad"
	"go.ngs.io/heat-downscale/internal/domain"
	"go.ngs.io/heat-downscale/internal/export"
	"go.ngs.io/heat-downscale/internal/model"
	"go.ngs.io/heat-downscale/internal/observability"
)

// CubeCache stores built training cubes.
type CubeCache interface {
	SaveCube(ctx context.Context, key cube.Key, rows []domain.TrainingExample) (cube.Info, error)
	LoadCube(ctx context.Context, key cube.Key) ([]domain.TrainingExample, cube.Info, error)
}

// EvaluationRecorder keeps an evaluation history.
type EvaluationRecorder interface {
	RecordEvaluation(ctx context.Context, ev cube.Evaluation) (cube.Evaluation, error)
}

// TrainingPipeline prepares training cubes and fits, evaluates and persists models.
type TrainingPipeline struct {
	Baseline  store.BaselineAccessor
	Covariate store.CovariateAccessor
	// Cache and Evaluations are optional.
	Cache       CubeCache
	Evaluations EvaluationRecorder
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	Summary     *domain.RunSummary
	Clock       clockwork.Clock
}

// PrepareRequest selects the stations and dates of a cube.
type PrepareRequest struct {
	StationsPath    string
	ObservationsDir string
	Country         string
	Range           domain.DateRange
	Variable        string
	// Reuse returns a cached cube for the same key instead of rebuilding it.
	Reuse bool
	// OutputDir receives training_data.csv when set.
	OutputDir string
}

func (r PrepareRequest) key() cube.Key {
	return cube.Key{Country: r.Country, Range: r.Range, Variable: r.Variable}
}

// Prepare parses the catalogue, loads cleaned observations and joins them
// with baseline and covariate values.
func (p *TrainingPipeline) Prepare(ctx context.Context, req PrepareRequest) ([]domain.TrainingExample, error) {
	if req.Reuse && p.Cache != nil {
		rows, info, err := p.Cache.LoadCube(ctx, req.key())
		switch {
		case err == nil:
			p.Logger.Info("reusing cached training cube", "id", info.ID, "rows", len(rows), "created_at", info.CreatedAt)
			return rows, nil
		case errors.Is(err, cube.ErrNotFound):
			p.Logger.Info("no cached training cube, building", "country", req.Country)
		default:
			return nil, err
		}
	}

	stations, skipped, err := ecad.NewStationParser(p.Logger).ParseFile(req.StationsPath)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	p.Summary.Add("stations_malformed", skipped)
	if p.Metrics != nil {
		p.Metrics.StationsParsed.Add(float64(len(stations)))
		p.Metrics.RecordsSkipped.WithLabelValues("malformed").Add(float64(skipped))
	}

	loader := ecad.NewObservationLoader(req.ObservationsDir, p.Logger)
	series, stats, err := loader.LoadCountry(stations, req.Country, req.Range)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	p.recordLoadStats(stats, series)
	if len(series) == 0 {
		return nil, fmt.Errorf("prepare: %w: no observations for %s in %s..%s", domain.ErrMissingInput,
			req.Country, req.Range.Start.Format(time.DateOnly), req.Range.End.Format(time.DateOnly))
	}

	builder := NewCubeBuilder(p.Baseline, p.Covariate, p.Logger,
		WithVariable(req.Variable), WithMetrics(p.Metrics), WithSummary(p.Summary))
	rows, err := builder.Build(ctx, series)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}

	if p.Cache != nil {
		if _, err := p.Cache.SaveCube(ctx, req.key(), rows); err != nil {
			// The cube is still usable for this run.
			p.Logger.Warn("failed to cache training cube", "error", err)
		}
	}
	if req.OutputDir != "" {
		if err := export.WriteTrainingData(filepath.Join(req.OutputDir, export.TrainingFile), rows); err != nil {
			return nil, fmt.Errorf("prepare: %w", err)
		}
	}
	return rows, nil
}

func (p *TrainingPipeline) recordLoadStats(stats ecad.LoadStats, series []ecad.StationObservations) {
	counts := map[string]int{
		"malformed":     stats.MalformedRows,
		"quality":       stats.BadQuality,
		"missing_value": stats.MissingValue,
		"bad_date":      stats.BadDate,
		"no_file":       stats.MissingFiles,
	}
	for reason, n := range counts {
		p.Summary.Add("observations_"+reason, n)
		if p.Metrics != nil {
			p.Metrics.RecordsSkipped.WithLabelValues(reason).Add(float64(n))
		}
	}
	if p.Metrics != nil {
		n := 0
		for _, s := range series {
			n += len(s.Observations)
		}
		p.Metrics.ObservationsLoaded.Add(float64(n))
	}
}

// TrainRequest configures a fit.
type TrainRequest struct {
	Family    model.Family
	Params    model.Params
	Split     SplitParams
	Country   string
	ModelPath string
	// OutputDir receives the metrics, importance and prediction exports when set.
	OutputDir string
}

// TrainResult is what a fit produced.
type TrainResult struct {
	Model       *model.ResidualModel
	Split       SplitResult
	Metrics     model.Metrics
	Predictions []model.Prediction
	Importance  []model.Importance
	Evaluation  cube.Evaluation
}

// Train splits examples, fits the model on the train side, evaluates it on the
// held-out side and persists the artifact.
func (p *TrainingPipeline) Train(ctx context.Context, examples []domain.TrainingExample, req TrainRequest) (TrainResult, error) {
	split, err := Split(examples, req.Split, p.Logger)
	if err != nil {
		return TrainResult{}, fmt.Errorf("train: %w", err)
	}

	m, err := model.New(req.Family, req.Params)
	if err != nil {
		return TrainResult{}, err
	}
	started := p.clock().Now()
	if err := m.Train(ctx, split.Train); err != nil {
		return TrainResult{}, err
	}
	elapsed := p.clock().Since(started)
	if p.Metrics != nil {
		p.Metrics.TrainingDuration.Observe(elapsed.Seconds())
	}
	p.Logger.Info("model trained", "family", string(req.Family), "rows", len(split.Train), "elapsed", elapsed)

	met, preds, err := m.Evaluate(split.Test)
	if err != nil {
		return TrainResult{}, err
	}
	imp, err := m.FeatureImportance()
	if err != nil {
		return TrainResult{}, err
	}
	p.logEvaluation(met)

	if req.ModelPath != "" {
		if err := m.Save(req.ModelPath); err != nil {
			return TrainResult{}, err
		}
		p.Logger.Info("model saved", "path", req.ModelPath)
	}
	if req.OutputDir != "" {
		if err := writeTrainExports(req.OutputDir, met, imp, preds); err != nil {
			return TrainResult{}, err
		}
	}

	res := TrainResult{Model: m, Split: split, Metrics: met, Predictions: preds, Importance: imp}
	if p.Evaluations != nil {
		ev, err := p.Evaluations.RecordEvaluation(ctx, cube.Evaluation{
			Country:   req.Country,
			Family:    string(req.Family),
			Split:     string(req.Split.Kind),
			ModelPath: req.ModelPath,
			TrainRows: len(split.Train),
			TestRows:  len(split.Test),
			Metrics:   met,
		})
		if err != nil {
			p.Logger.Warn("failed to record evaluation", "error", err)
		} else {
			res.Evaluation = ev
		}
	}
	return res, nil
}

func (p *TrainingPipeline) logEvaluation(met model.Metrics) {
	p.Logger.Info("evaluation",
		"n", met.N,
		"residual_rmse", met.ResidualRMSE,
		"residual_mae", met.ResidualMAE,
		"residual_r2", met.ResidualR2,
		"temp_rmse", met.TempRMSE,
		"temp_mae", met.TempMAE,
		"baseline_rmse", met.BaselineRMSE,
		"baseline_mae", met.BaselineMAE,
		"improvement", met.Improvement,
		"improvement_pct", met.ImprovementPct,
	)
	if p.Metrics != nil {
		p.Metrics.EvalRMSE.WithLabelValues("residual").Set(met.ResidualRMSE)
		p.Metrics.EvalRMSE.WithLabelValues("temperature").Set(met.TempRMSE)
		p.Metrics.EvalRMSE.WithLabelValues("baseline").Set(met.BaselineRMSE)
	}
}

func writeTrainExports(dir string, met model.Metrics, imp []model.Importance, preds []model.Prediction) error {
	if err := export.WriteMetrics(filepath.Join(dir, export.MetricsFile), met); err != nil {
		return err
	}
	if err := export.WriteImportance(filepath.Join(dir, export.ImportanceFile), imp); err != nil {
		return err
	}
	return export.WritePredictions(filepath.Join(dir, export.PredictionsFile), preds)
}

func (p *TrainingPipeline) clock() clockwork.Clock {
	if p.Clock == nil {
		return clockwork.NewRealClock()
	}
	return p.Clock
}
