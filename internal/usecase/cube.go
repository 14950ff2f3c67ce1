package usecase

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.ngs.io/heat-downscale/internal/adapter/store"
	"go.ngs.io/heat-downscale/internal/adapter/store/ecad"
	"go.ngs.io/heat-downscale/internal/adapter/store/era5"
	"go.ngs.io/heat-downscale/internal/domain"
	"go.ngs.io/heat-downscale/internal/observability"
)

// Summary categories written by the cube builder.
const (
	CategoryBaselineMissing  = "baseline_missing"
	CategoryCovariateMissing = "covariate_missing"
	CategoryRowsBuilt        = "training_rows"
)

// CubeBuilder joins station observations with baseline and covariate lookups.
// A row whose baseline or covariate is missing is dropped, never filled.
type CubeBuilder struct {
	baseline  store.BaselineAccessor
	covariate store.CovariateAccessor
	variable  string
	logger    *slog.Logger
	metrics   *observability.Metrics
	summary   *domain.RunSummary
}

// CubeOption configures a CubeBuilder.
type CubeOption func(*CubeBuilder)

// WithVariable overrides the baseline variable name.
func WithVariable(v string) CubeOption { return func(b *CubeBuilder) { b.variable = v } }

// WithMetrics mirrors drop counts to prometheus.
func WithMetrics(m *observability.Metrics) CubeOption {
	return func(b *CubeBuilder) { b.metrics = m }
}

// WithSummary records drop counts in a run summary.
func WithSummary(s *domain.RunSummary) CubeOption {
	return func(b *CubeBuilder) { b.summary = s }
}

// NewCubeBuilder creates a builder over the two accessors.
func NewCubeBuilder(baseline store.BaselineAccessor, covariate store.CovariateAccessor, logger *slog.Logger, opts ...CubeOption) *CubeBuilder {
	b := &CubeBuilder{
		baseline:  baseline,
		covariate: covariate,
		variable:  era5.DefaultVariable,
		logger:    logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type pendingRow struct {
	station domain.StationRecord
	obs     domain.ObservationRecord
}

// Build returns one TrainingExample per observation with both lookups present,
// ordered by date then station id.
func (b *CubeBuilder) Build(ctx context.Context, series []ecad.StationObservations) ([]domain.TrainingExample, error) {
	var rows []pendingRow
	for _, s := range series {
		for _, o := range s.Observations {
			rows = append(rows, pendingRow{station: s.Station, obs: o})
		}
	}
	slices.SortFunc(rows, func(a, c pendingRow) int {
		if d := a.obs.Date.Compare(c.obs.Date); d != 0 {
			return d
		}
		return cmp.Compare(a.station.ID, c.station.ID)
	})

	out := make([]domain.TrainingExample, 0, len(rows))
	dropped := 0
	for i, r := range rows {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("build training cube: %w", err)
			}
		}
		ex, ok := b.join(r)
		if !ok {
			dropped++
			continue
		}
		out = append(out, ex)
	}

	b.summary.Add(CategoryRowsBuilt, len(out))
	if b.metrics != nil {
		b.metrics.TrainingRowsBuilt.Add(float64(len(out)))
	}
	b.logger.Info("training cube built",
		"observations", len(rows),
		"rows", len(out),
		"dropped", dropped,
	)
	if len(out) == 0 && len(rows) > 0 {
		return nil, fmt.Errorf("build training cube: %w: every observation lacked a baseline or covariate", domain.ErrMissingInput)
	}
	return out, nil
}

func (b *CubeBuilder) join(r pendingRow) (domain.TrainingExample, bool) {
	lat, lon := r.station.Latitude, r.station.Longitude
	base := b.baseline.Lookup(r.obs.Date, lat, lon, b.variable)
	baseVal, ok := base.Value()
	if !ok {
		b.drop("baseline", CategoryBaselineMissing, base, r)
		return domain.TrainingExample{}, false
	}
	veg := b.covariate.Lookup(r.obs.Date, lat, lon)
	vegVal, ok := veg.Value()
	if !ok {
		b.drop("covariate", CategoryCovariateMissing, veg, r)
		return domain.TrainingExample{}, false
	}
	return domain.NewTrainingExample(r.obs, r.station, baseVal, vegVal), true
}

func (b *CubeBuilder) drop(source, category string, l domain.Lookup, r pendingRow) {
	reason := string(l.Reason())
	b.summary.Add(category+":"+reason, 1)
	if b.metrics != nil {
		b.metrics.LookupsMissing.WithLabelValues(source, reason).Inc()
	}
	if err := l.Err(); err != nil {
		b.logger.Debug("lookup failed",
			"source", source,
			"station", r.station.ID,
			"date", r.obs.Date.Format(time.DateOnly),
			"reason", reason,
			"error", err,
		)
	}
}
