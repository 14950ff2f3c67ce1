package ecad

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.ngs.io/heat-downscale/internal/domain"
)

// RawObservation is an unprocessed row from a station series file.
type RawObservation struct {
	StationID   int
	SourceID    int
	Date        string // YYYYMMDD.
	ValueTenths int
	Quality     int
}

// StationObservations pairs a station with its cleaned series.
type StationObservations struct {
	Station      domain.StationRecord
	Observations []domain.ObservationRecord
}

// LoadStats counts what the loader dropped.
type LoadStats struct {
	MalformedRows  int
	BadQuality     int
	MissingValue   int
	BadDate        int
	MissingFiles   int
	StationsLoaded int
}

// ObservationLoader reads TX_STAIDnnnnnn.txt series files from a directory.
type ObservationLoader struct {
	dir    string
	logger *slog.Logger
}

// NewObservationLoader creates a loader rooted at dir.
func NewObservationLoader(dir string, logger *slog.Logger) *ObservationLoader {
	return &ObservationLoader{dir: dir, logger: logger}
}

// StationFile returns the series path for a station id.
func (l *ObservationLoader) StationFile(id int) string {
	return filepath.Join(l.dir, fmt.Sprintf("TX_STAID%06d.txt", id))
}

// LoadRaw reads every parseable row of a station's series. A missing file yields
// fs.ErrNotExist; malformed rows are skipped and counted in stats.
func (l *ObservationLoader) LoadRaw(id int, stats *LoadStats) ([]RawObservation, error) {
	path := l.StationFile(id)
	//nolint:gosec // G304: path is built from the configured directory and a numeric id.
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	br := bufio.NewReader(f)
	headerLines, err := skipHeader(br, observationsHeaderMarker)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	reader := newReader(br)
	reader.ReuseRecord = true
	rows := make([]RawObservation, 0, 4096)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil && blank(record) {
			continue
		}
		var row RawObservation
		line := 0
		if err == nil {
			line, _ = reader.FieldPos(0)
			row, err = parseObservationRow(record)
		} else {
			line = errLine(err)
		}
		if err != nil {
			stats.MalformedRows++
			l.logger.Debug("skipping malformed observation row",
				"error", &domain.MalformedRecordError{Source: path, Line: line + headerLines, Reason: err.Error()})
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseObservationRow(record []string) (RawObservation, error) {
	if len(record) < 5 {
		return RawObservation{}, fmt.Errorf("expected 5 columns, got %d", len(record))
	}
	var ints [5]int
	for _, i := range []int{0, 1, 3, 4} {
		v, err := strconv.Atoi(strings.TrimSpace(record[i]))
		if err != nil {
			return RawObservation{}, fmt.Errorf("column %d: %w", i+1, err)
		}
		ints[i] = v
	}
	return RawObservation{
		StationID:   ints[0],
		SourceID:    ints[1],
		Date:        strings.TrimSpace(record[2]),
		ValueTenths: ints[3],
		Quality:     ints[4],
	}, nil
}

// Clean applies, in order: keep quality 0, drop the -9999 sentinel, convert
// tenths of a degree to °C, parse the date. Rows are never imputed.
func Clean(raw []RawObservation, stats *LoadStats) []domain.ObservationRecord {
	out := make([]domain.ObservationRecord, 0, len(raw))
	for _, r := range raw {
		if r.Quality != domain.QualityValid {
			stats.BadQuality++
			continue
		}
		if r.ValueTenths == domain.MissingValue {
			stats.MissingValue++
			continue
		}
		date, err := time.Parse("20060102", r.Date)
		if err != nil {
			stats.BadDate++
			continue
		}
		out = append(out, domain.ObservationRecord{
			StationID:    r.StationID,
			Date:         date,
			TemperatureC: float64(r.ValueTenths) / 10,
			Quality:      r.Quality,
		})
	}
	return out
}

// FilterValid re-applies the quality and missing-value filters to cleaned records.
// On output of Clean it returns the input unchanged.
func FilterValid(records []domain.ObservationRecord) []domain.ObservationRecord {
	out := make([]domain.ObservationRecord, 0, len(records))
	for _, r := range records {
		if r.Quality != domain.QualityValid || r.TemperatureC == float64(domain.MissingValue)/10 {
			continue
		}
		out = append(out, r)
	}
	return out
}

// LoadCountry loads and cleans every station of country, keeping observations in
// the inclusive range. Stations without a file or without rows are left out.
func (l *ObservationLoader) LoadCountry(stations []domain.StationRecord, country string, dates domain.DateRange) ([]StationObservations, LoadStats, error) {
	var stats LoadStats
	out := make([]StationObservations, 0)
	for _, st := range stations {
		if st.CountryCode != country {
			continue
		}
		raw, err := l.LoadRaw(st.ID, &stats)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				stats.MissingFiles++
				continue
			}
			if errors.Is(err, domain.ErrMalformedRecord) {
				stats.MalformedRows++
				l.logger.Warn("skipping station series without header", "station", st.ID, "error", err)
				continue
			}
			return nil, stats, fmt.Errorf("failed to load station %d: %w", st.ID, err)
		}

		cleaned := Clean(raw, &stats)
		kept := cleaned[:0]
		for _, obs := range cleaned {
			if dates.Contains(obs.Date) {
				kept = append(kept, obs)
			}
		}
		if len(kept) == 0 {
			continue
		}
		stats.StationsLoaded++
		out = append(out, StationObservations{Station: st, Observations: kept})
	}

	l.logger.Info("loaded station observations",
		"country", country,
		"stations", stats.StationsLoaded,
		"observations", countObservations(out),
		"missing_files", stats.MissingFiles,
		"malformed_rows", stats.MalformedRows)
	return out, stats, nil
}

func countObservations(series []StationObservations) int {
	n := 0
	for _, s := range series {
		n += len(s.Observations)
	}
	return n
}
