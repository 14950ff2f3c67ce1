// Package export writes run artifacts as CSV files.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"go.ngs.io/heat-downscale/internal/domain"
	"go.ngs.io/heat-downscale/internal/model"
)

// File names written into the output directory.
const (
	MetricsFile     = "evaluation_metrics.csv"
	ImportanceFile  = "feature_importance.csv"
	PredictionsFile = "test_predictions.csv"
	TrainingFile    = "training_data.csv"
)

var (
	metricsHeader    = []string{"RMSE", "MAE", "R2", "Temp_RMSE", "Temp_MAE", "Baseline_RMSE", "Baseline_MAE", "Improvement_RMSE", "Improvement_Pct", "N"}
	importanceHeader = []string{"Feature", "Importance"}
	trainingHeader   = []string{"DATE", "LAT", "LON", "ELEVATION", "NDVI", "ERA5_Temp", "Station_Temp", "Residual", "STAID", "DayOfYear"}
	predictionExtra  = []string{"Predicted_Residual", "Predicted_Temp"}
)

func ff(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func writeFile(path string, fn func(w *csv.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := fn(w); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// WriteMetrics writes a one-row metrics table.
func WriteMetrics(path string, m model.Metrics) error {
	return writeFile(path, func(w *csv.Writer) error {
		if err := w.Write(metricsHeader); err != nil {
			return err
		}
		return w.Write([]string{
			ff(m.ResidualRMSE), ff(m.ResidualMAE), ff(m.ResidualR2),
			ff(m.TempRMSE), ff(m.TempMAE), ff(m.BaselineRMSE), ff(m.BaselineMAE),
			ff(m.Improvement), ff(m.ImprovementPct), strconv.Itoa(m.N),
		})
	})
}

// WriteImportance writes the ranked feature importance table.
func WriteImportance(path string, imp []model.Importance) error {
	return writeFile(path, func(w *csv.Writer) error {
		if err := w.Write(importanceHeader); err != nil {
			return err
		}
		for _, i := range imp {
			if err := w.Write([]string{i.Feature, ff(i.Importance)}); err != nil {
				return err
			}
		}
		return nil
	})
}

func exampleRecord(e domain.TrainingExample) []string {
	return []string{
		e.Date.Format(time.DateOnly),
		ff(e.Latitude), ff(e.Longitude), ff(e.ElevationM), ff(e.VegetationIndex),
		ff(e.BaselineTemperature), ff(e.StationTemperature), ff(e.Residual),
		strconv.Itoa(e.StationID), strconv.Itoa(e.DayOfYear),
	}
}

// WriteTrainingData writes the training cube.
func WriteTrainingData(path string, rows []domain.TrainingExample) error {
	return writeFile(path, func(w *csv.Writer) error {
		if err := w.Write(trainingHeader); err != nil {
			return err
		}
		for _, r := range rows {
			if err := w.Write(exampleRecord(r)); err != nil {
				return err
			}
		}
		return nil
	})
}

// WritePredictions writes the test set with predicted residual and temperature columns.
func WritePredictions(path string, preds []model.Prediction) error {
	return writeFile(path, func(w *csv.Writer) error {
		if err := w.Write(slices.Concat(trainingHeader, predictionExtra)); err != nil {
			return err
		}
		for _, p := range preds {
			rec := append(exampleRecord(p.Example), ff(p.PredictedResidual), ff(p.PredictedTemp))
			if err := w.Write(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadTrainingData loads a cube written by WriteTrainingData. Columns are
// matched by header name so extra columns are ignored.
func ReadTrainingData(path string) ([]domain.TrainingExample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMissingInput, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read %s header: %w", path, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	for _, want := range trainingHeader {
		if _, ok := col[want]; !ok {
			return nil, &domain.MalformedRecordError{Source: path, Line: 1, Reason: "missing column " + want}
		}
	}

	var out []domain.TrainingExample
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		line, _ := r.FieldPos(0)
		e, err := parseExample(rec, col)
		if err != nil {
			return nil, &domain.MalformedRecordError{Source: path, Line: line, Reason: err.Error()}
		}
		out = append(out, e)
	}
	return out, nil
}

func parseExample(rec []string, col map[string]int) (domain.TrainingExample, error) {
	var (
		e    domain.TrainingExample
		errs []error
	)
	num := func(name string) float64 {
		v, err := strconv.ParseFloat(rec[col[name]], 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return v
	}
	integer := func(name string) int {
		v, err := strconv.Atoi(rec[col[name]])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return v
	}
	d, err := time.Parse(time.DateOnly, rec[col["DATE"]])
	if err != nil {
		errs = append(errs, fmt.Errorf("DATE: %w", err))
	}
	e.Date = d
	e.Latitude = num("LAT")
	e.Longitude = num("LON")
	e.ElevationM = num("ELEVATION")
	e.VegetationIndex = num("NDVI")
	e.BaselineTemperature = num("ERA5_Temp")
	e.StationTemperature = num("Station_Temp")
	e.Residual = num("Residual")
	e.StationID = integer("STAID")
	e.DayOfYear = integer("DayOfYear")
	return e, errors.Join(errs...)
}
