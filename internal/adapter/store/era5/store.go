// Package era5 serves daily ERA5(-Land) reanalysis grids stored as one NetCDF
// archive per (year, variable).
package era5

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fhs/go-netcdf/netcdf"

	"go.ngs.io/heat-downscale/internal/adapter/interp"
	"go.ngs.io/heat-downscale/internal/adapter/ncfile"
	"go.ngs.io/heat-downscale/internal/domain"
)

// DefaultVariable is the daily maximum 2 m temperature product.
const DefaultVariable = "2m_temperature_daily_maximum"

// KelvinOffset converts Kelvin to Celsius.
const KelvinOffset = 273.15

// Daily values are stamped at 00:00; a query date must fall within this of a step.
const timeTolerance = 12 * time.Hour

const defaultDayCacheSize = 32

var shortNames = map[string]string{
	"2m_temperature":          "t2m",
	"total_precipitation":     "tp",
	"10m_u_component_of_wind": "u10",
	"10m_v_component_of_wind": "v10",
}

// ShortName maps a product name such as "2m_temperature_daily_maximum" to the
// variable stored in the archive ("t2m").
func ShortName(variable string) string {
	base, _, _ := strings.Cut(variable, "_daily_")
	if short, ok := shortNames[base]; ok {
		return short
	}
	return base
}

type archiveKey struct {
	year     int
	variable string
}

type dayKey struct {
	date     time.Time
	variable string
}

// archive is one open NetCDF file.
type archive struct {
	mu        sync.Mutex
	ds        netcdf.Dataset
	v         netcdf.Var
	lats      []float64 // As stored.
	lons      []float64 // As stored.
	times     []time.Time
	latDesc   bool
	lonWrap   bool
	kelvin    bool
	dimsOrder [3]int // Position of time, lat, lon in the variable's dimensions.
}

// Store resolves (date, lat, lon) against the archives in a directory. Open
// archives and recently used day grids are cached until Close.
type Store struct {
	dir     string
	logger  *slog.Logger
	maxDays int

	mu       sync.Mutex
	archives map[archiveKey]*archive
	failed   map[archiveKey]error
	days     map[dayKey]*Field
	dayOrder []dayKey
}

// Option configures a Store.
type Option func(*Store)

// WithDayCacheSize bounds the number of decoded day grids kept in memory.
func WithDayCacheSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxDays = n
		}
	}
}

// NewStore creates a store over dir.
func NewStore(dir string, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		dir:      dir,
		logger:   logger,
		maxDays:  defaultDayCacheSize,
		archives: make(map[archiveKey]*archive),
		failed:   make(map[archiveKey]error),
		days:     make(map[dayKey]*Field),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the archive path for (year, variable).
func (s *Store) Path(year int, variable string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d_%s.nc", year, variable))
}

// Lookup returns the nearest grid value at (lat, lon) on date, in °C for
// temperature variables. Every failure is reported as Missing.
func (s *Store) Lookup(date time.Time, lat, lon float64, variable string) domain.Lookup {
	field, reason, err := s.day(date, variable)
	if err != nil {
		return domain.MissingErr(reason, err)
	}
	return field.Nearest(lat, lon)
}

// LoadDay returns the full grid for date.
func (s *Store) LoadDay(date time.Time, variable string) (*Field, error) {
	field, _, err := s.day(date, variable)
	return field, err
}

func (s *Store) day(date time.Time, variable string) (*Field, domain.MissingReason, error) {
	date = domain.DateOnly(date)
	key := dayKey{date: date, variable: variable}

	s.mu.Lock()
	if f, ok := s.days[key]; ok {
		s.mu.Unlock()
		return f, "", nil
	}
	s.mu.Unlock()

	a, err := s.archive(date.Year(), variable)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.MissingNoSource, err
		}
		return nil, domain.MissingReadError, err
	}

	ti := a.timeIndex(date)
	if ti < 0 {
		return nil, domain.MissingOutOfBounds, fmt.Errorf("%s has no time step for %s", s.Path(date.Year(), variable), date.Format(time.DateOnly))
	}
	f, err := a.readDay(ti)
	if err != nil {
		return nil, domain.MissingReadError, err
	}

	s.mu.Lock()
	if _, ok := s.days[key]; !ok {
		s.days[key] = f
		s.dayOrder = append(s.dayOrder, key)
		for len(s.dayOrder) > s.maxDays {
			delete(s.days, s.dayOrder[0])
			s.dayOrder = s.dayOrder[1:]
		}
	}
	s.mu.Unlock()
	return f, "", nil
}

func (s *Store) archive(year int, variable string) (*archive, error) {
	key := archiveKey{year: year, variable: variable}

	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.archives[key]; ok {
		return a, nil
	}
	if err, ok := s.failed[key]; ok {
		return nil, err
	}

	a, err := openArchive(s.Path(year, variable), ShortName(variable))
	if err != nil {
		s.failed[key] = err
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to open reanalysis archive", "year", year, "variable", variable, "error", err)
		}
		return nil, err
	}
	s.archives[key] = a
	s.logger.Debug("opened reanalysis archive", "path", s.Path(year, variable),
		"times", len(a.times), "lats", len(a.lats), "lons", len(a.lons))
	return a, nil
}

// Close releases every open archive.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for key, a := range s.archives {
		if err := a.ds.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %d_%s: %w", key.year, key.variable, err))
		}
	}
	s.archives = make(map[archiveKey]*archive)
	s.failed = make(map[archiveKey]error)
	s.days = make(map[dayKey]*Field)
	s.dayOrder = nil
	return errors.Join(errs...)
}

//nolint:gocyclo // Axis discovery checks several optional layouts.
func openArchive(path, short string) (*archive, error) {
	ds, err := ncfile.Open(path)
	if err != nil {
		return nil, err
	}
	a := &archive{ds: ds}
	fail := func(err error) (*archive, error) {
		_ = ds.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	a.v, err = ds.Var(short)
	if err != nil {
		return fail(fmt.Errorf("variable %s not found: %w", short, err))
	}

	latVar, latName, err := ncfile.FindVar(ds, ncfile.LatNames...)
	if err != nil {
		return fail(err)
	}
	lonVar, lonName, err := ncfile.FindVar(ds, ncfile.LonNames...)
	if err != nil {
		return fail(err)
	}
	timeVar, timeName, err := ncfile.FindVar(ds, "valid_time", "time")
	if err != nil {
		return fail(err)
	}
	if a.lats, err = ncfile.ReadAxis(latVar); err != nil {
		return fail(fmt.Errorf("failed to read latitude: %w", err))
	}
	if a.lons, err = ncfile.ReadAxis(lonVar); err != nil {
		return fail(fmt.Errorf("failed to read longitude: %w", err))
	}
	steps, err := ncfile.ReadAxis(timeVar)
	if err != nil {
		return fail(fmt.Errorf("failed to read time: %w", err))
	}
	a.times, err = decodeTimes(steps, ncfile.AttrText(timeVar.Attr("units")))
	if err != nil {
		return fail(err)
	}
	if len(a.lats) < 2 || len(a.lons) < 2 {
		return fail(fmt.Errorf("grid too small: %dx%d", len(a.lats), len(a.lons)))
	}

	a.latDesc = a.lats[0] > a.lats[len(a.lats)-1]
	a.lonWrap = a.lons[len(a.lons)-1] > 180

	units := strings.ToLower(ncfile.AttrText(a.v.Attr("units")))
	a.kelvin = units == "k" || units == "kelvin" || (units == "" && short == "t2m")

	dims, err := a.v.Dims()
	if err != nil {
		return fail(fmt.Errorf("failed to get dimensions: %w", err))
	}
	if len(dims) != 3 {
		return fail(fmt.Errorf("expected (time, lat, lon) variable, got %dD", len(dims)))
	}
	want := [3]string{timeName, latName, lonName}
	lens := [3]int{len(a.times), len(a.lats), len(a.lons)}
	for axis := range want {
		a.dimsOrder[axis] = -1
		for i, d := range dims {
			name, err := d.Name()
			if err == nil && name == want[axis] {
				a.dimsOrder[axis] = i
			}
		}
		if a.dimsOrder[axis] < 0 {
			return fail(fmt.Errorf("dimension %s not used by %s", want[axis], short))
		}
		n, err := dims[a.dimsOrder[axis]].Len()
		if err != nil || int(n) != lens[axis] { //nolint:gosec // G115: dimension lengths fit in int.
			return fail(fmt.Errorf("dimension %s length mismatch", want[axis]))
		}
	}
	return a, nil
}

// decodeTimes converts CF "<unit> since <epoch>" offsets to UTC times.
func decodeTimes(steps []float64, units string) ([]time.Time, error) {
	unit, epochText, ok := strings.Cut(strings.TrimSpace(units), " since ")
	if !ok {
		return nil, fmt.Errorf("unsupported time units %q", units)
	}
	var scale time.Duration
	switch strings.ToLower(unit) {
	case "seconds", "second", "s":
		scale = time.Second
	case "minutes", "minute":
		scale = time.Minute
	case "hours", "hour", "h":
		scale = time.Hour
	case "days", "day", "d":
		scale = 24 * time.Hour
	default:
		return nil, fmt.Errorf("unsupported time unit %q", unit)
	}

	epochText = strings.TrimSuffix(strings.TrimSpace(epochText), " UTC")
	var epoch time.Time
	var err error
	for _, layout := range []string{time.DateTime, "2006-01-02T15:04:05", "2006-01-02 15:04", time.DateOnly, "2006-1-2 15:04:05", "2006-1-2"} {
		if epoch, err = time.Parse(layout, epochText); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("unsupported time epoch %q", epochText)
	}

	out := make([]time.Time, len(steps))
	for i, v := range steps {
		out[i] = epoch.Add(time.Duration(v * float64(scale)))
	}
	return out, nil
}

// timeIndex returns the step closest to date, or -1 when none is within tolerance.
func (a *archive) timeIndex(date time.Time) int {
	best, bestDiff := -1, time.Duration(math.MaxInt64)
	for i, t := range a.times {
		d := t.Sub(date)
		if d < 0 {
			d = -d
		}
		if d < bestDiff {
			best, bestDiff = i, d
		}
	}
	if bestDiff > timeTolerance {
		return -1
	}
	return best
}

// readDay decodes one time step into an ascending grid in output units.
func (a *archive) readDay(ti int) (*Field, error) {
	nLat, nLon := len(a.lats), len(a.lons)
	start := make([]uint64, 3)
	count := make([]uint64, 3)
	start[a.dimsOrder[0]] = uint64(ti) //nolint:gosec // G115: index is non-negative.
	count[a.dimsOrder[0]] = 1
	count[a.dimsOrder[1]] = uint64(nLat) //nolint:gosec // G115: length is non-negative.
	count[a.dimsOrder[2]] = uint64(nLon) //nolint:gosec // G115: length is non-negative.

	a.mu.Lock()
	flat, err := ncfile.ReadSlice(a.v, start, count)
	a.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to read time step %d: %w", ti, err)
	}

	latMajor := a.dimsOrder[1] < a.dimsOrder[2]
	values := make([][]float64, nLat)
	for i := range values {
		row := make([]float64, nLon)
		for j := range row {
			var v float64
			if latMajor {
				v = flat[i*nLon+j]
			} else {
				v = flat[j*nLat+i]
			}
			if a.kelvin {
				v -= KelvinOffset
			}
			row[j] = v
		}
		values[i] = row
	}

	grid := &interp.Grid2D{
		X:      append([]float64(nil), a.lons...),
		Y:      append([]float64(nil), a.lats...),
		Values: values,
	}
	if a.latDesc {
		grid.FlipY()
	}
	if err := grid.Validate(); err != nil {
		return nil, fmt.Errorf("invalid grid: %w", err)
	}
	return &Field{Grid: grid, Date: a.times[ti], lonWrap: a.lonWrap}, nil
}
