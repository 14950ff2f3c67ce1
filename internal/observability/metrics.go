package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "downscale"

// Metrics holds the counters, gauges and histograms for batch runs and the API.
type Metrics struct {
	Registry *prometheus.Registry

	// Loading.
	StationsParsed     prometheus.Counter
	RecordsSkipped     *prometheus.CounterVec // labels: reason={malformed,quality,missing_value,no_file}
	ObservationsLoaded prometheus.Counter
	LookupsMissing     *prometheus.CounterVec // labels: source={baseline,covariate}, reason
	TrainingRowsBuilt  prometheus.Counter

	// Training.
	TrainingDuration prometheus.Histogram
	EvalRMSE         *prometheus.GaugeVec // labels: target={residual,temperature,baseline}

	// Inference.
	DatesProcessed  *prometheus.CounterVec // labels: outcome={written,skipped}
	DatesFailed     *prometheus.CounterVec // labels: stage
	PixelsPredicted prometheus.Counter
	PixelsNoData    prometheus.Counter
	DateDuration    prometheus.Histogram

	// API.
	HTTPRequests *prometheus.CounterVec // labels: route, code
}

// NewMetrics creates metrics on a fresh registry that also carries the Go and
// process collectors.
func NewMetrics() *Metrics {
	m := NewMetricsForTesting()
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// NewMetricsForTesting creates metrics on an isolated registry without the
// runtime collectors.
func NewMetricsForTesting() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		StationsParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stations_parsed_total",
			Help:      "Station metadata records accepted.",
		}),
		RecordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Input records dropped while loading, by reason.",
		}, []string{"reason"}),
		ObservationsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_loaded_total",
			Help:      "Cleaned station observations in the requested range.",
		}),
		LookupsMissing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_missing_total",
			Help:      "Baseline and covariate lookups that returned no value.",
		}, []string{"source", "reason"}),
		TrainingRowsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_rows_built_total",
			Help:      "Rows written to the training cube.",
		}),
		TrainingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "training_duration_seconds",
			Help:      "Wall time of a model fit.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		EvalRMSE: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evaluation_rmse",
			Help:      "RMSE of the most recent evaluation.",
		}, []string{"target"}),
		DatesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dates_processed_total",
			Help:      "Inference dates by outcome.",
		}, []string{"outcome"}),
		DatesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dates_failed_total",
			Help:      "Skipped inference dates by failing stage.",
		}, []string{"stage"}),
		PixelsPredicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pixels_predicted_total",
			Help:      "Pixels with a reconstructed temperature.",
		}),
		PixelsNoData: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pixels_nodata_total",
			Help:      "Pixels written as NoData.",
		}),
		DateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "date_duration_seconds",
			Help:      "Wall time to generate one date's maps.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"route", "code"}),
	}
	m.Registry.MustRegister(
		m.StationsParsed,
		m.RecordsSkipped,
		m.ObservationsLoaded,
		m.LookupsMissing,
		m.TrainingRowsBuilt,
		m.TrainingDuration,
		m.EvalRMSE,
		m.DatesProcessed,
		m.DatesFailed,
		m.PixelsPredicted,
		m.PixelsNoData,
		m.DateDuration,
		m.HTTPRequests,
	)
	return m
}

// WriteTextfile dumps the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
