// Package ecad reads ECA&D station catalogues and daily maximum temperature series.
package ecad

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"go.ngs.io/heat-downscale/internal/domain"
)

const (
	stationsHeaderMarker     = "STAID,STANAME"
	observationsHeaderMarker = "STAID, SOUID"
)

// ParseDMS converts a sign-prefixed "DD:MM:SS" coordinate to decimal degrees.
func ParseDMS(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("coordinate %q too short", s)
	}
	sign := 1.0
	switch s[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return 0, fmt.Errorf("coordinate %q has no sign", s)
	}
	parts := strings.Split(s[1:], ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("coordinate %q is not deg:min:sec", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, fmt.Errorf("coordinate %q: %w", s, err)
		}
		v[i] = f
	}
	if v[1] < 0 || v[1] >= 60 || v[2] < 0 || v[2] >= 60 {
		return 0, fmt.Errorf("coordinate %q has minutes or seconds out of range", s)
	}
	return sign * (v[0] + v[1]/60 + v[2]/3600), nil
}

// StationParser reads a station catalogue.
type StationParser struct {
	logger *slog.Logger
}

// NewStationParser creates a parser that logs skipped rows to logger.
func NewStationParser(logger *slog.Logger) *StationParser {
	return &StationParser{logger: logger}
}

// ParseFile parses the catalogue at path.
func (p *StationParser) ParseFile(path string) ([]domain.StationRecord, int, error) {
	//nolint:gosec // G304: path comes from configuration.
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open station catalogue: %w", errors.Join(domain.ErrMissingInput, err))
	}
	defer func() { _ = f.Close() }()
	return p.Parse(path, f)
}

// Parse reads catalogue rows after the header line. Malformed rows are logged and
// skipped; the count of skipped rows is returned. Duplicate ids keep the first row.
func (p *StationParser) Parse(source string, r io.Reader) ([]domain.StationRecord, int, error) {
	br := bufio.NewReader(r)
	headerLines, err := skipHeader(br, stationsHeaderMarker)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", source, err)
	}

	reader := newReader(br)
	seen := make(map[int]bool)
	stations := make([]domain.StationRecord, 0)
	skipped := 0

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			p.warn(source, headerLines+errLine(err), err.Error())
			continue
		}
		if blank(record) {
			continue
		}

		st, perr := parseStationRow(record)
		if perr != nil {
			line, _ := reader.FieldPos(0)
			skipped++
			p.warn(source, headerLines+line, perr.Error())
			continue
		}
		if seen[st.ID] {
			continue
		}
		seen[st.ID] = true
		stations = append(stations, st)
	}

	return stations, skipped, nil
}

func (p *StationParser) warn(source string, line int, reason string) {
	err := &domain.MalformedRecordError{Source: source, Line: line, Reason: reason}
	p.logger.Warn("skipping malformed station row", "error", err)
}

func parseStationRow(record []string) (domain.StationRecord, error) {
	if len(record) < 6 {
		return domain.StationRecord{}, fmt.Errorf("expected 6 columns, got %d", len(record))
	}
	id, err := strconv.Atoi(strings.TrimSpace(record[0]))
	if err != nil {
		return domain.StationRecord{}, fmt.Errorf("invalid STAID: %w", err)
	}
	lat, err := ParseDMS(record[3])
	if err != nil {
		return domain.StationRecord{}, fmt.Errorf("invalid LAT: %w", err)
	}
	lon, err := ParseDMS(record[4])
	if err != nil {
		return domain.StationRecord{}, fmt.Errorf("invalid LON: %w", err)
	}
	elev, err := strconv.Atoi(strings.TrimSpace(record[5]))
	if err != nil {
		return domain.StationRecord{}, fmt.Errorf("invalid HGHT: %w", err)
	}
	return domain.StationRecord{
		ID:          id,
		Name:        strings.TrimSpace(record[1]),
		CountryCode: strings.TrimSpace(record[2]),
		Latitude:    lat,
		Longitude:   lon,
		ElevationM:  float64(elev),
	}, nil
}

// skipHeader consumes lines up to and including the one containing marker and
// returns how many lines were consumed.
func skipHeader(br *bufio.Reader, marker string) (int, error) {
	n := 0
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			n++
			if strings.Contains(line, marker) {
				return n, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, fmt.Errorf("header line %q not found: %w", marker, domain.ErrMalformedRecord)
			}
			return n, fmt.Errorf("failed to read header: %w", err)
		}
	}
}

func newReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	return reader
}

// errLine extracts the input line of a csv parse error, or 0.
func errLine(err error) int {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return pe.Line
	}
	return 0
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
