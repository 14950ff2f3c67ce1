// Package dem provides terrain elevation for inference pixels.
package dem

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"go.ngs.io/heat-downscale/internal/adapter/interp"
	"go.ngs.io/heat-downscale/internal/adapter/ncfile"
	"go.ngs.io/heat-downscale/internal/domain"
)

// Source returns the elevation in meters at a WGS84 point.
type Source interface {
	Elevation(lat, lon float64) (float64, bool)
}

// Constant reports the same elevation everywhere.
type Constant float64

// Elevation implements Source.
func (c Constant) Elevation(_, _ float64) (float64, bool) { return float64(c), true }

// Margin added around a requested region when loading, in degrees.
const loadMargin = 0.05

// NetCDFStore samples a geographic elevation grid (GEBCO, Copernicus DEM
// exports) held in a NetCDF file. The region in use is loaded once and kept.
type NetCDFStore struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	grid   *interp.Grid2D
	bounds domain.BBox
	wrap   bool
}

// NewNetCDFStore creates a store reading path.
func NewNetCDFStore(path string, logger *slog.Logger) *NetCDFStore {
	return &NetCDFStore{path: path, logger: logger}
}

// Load reads the part of the grid covering box.
//
//nolint:gocyclo // Index arithmetic over both axes.
func (s *NetCDFStore) Load(box domain.BBox) error {
	ds, err := ncfile.Open(s.path)
	if err != nil {
		return err
	}
	defer func() { _ = ds.Close() }()

	latVar, _, err := ncfile.FindVar(ds, ncfile.LatNames...)
	if err != nil {
		return err
	}
	lonVar, _, err := ncfile.FindVar(ds, ncfile.LonNames...)
	if err != nil {
		return err
	}
	dataVar, _, err := ncfile.FindVar(ds, "elevation", "z", "height", "Band1")
	if err != nil {
		return err
	}
	lats, err := ncfile.ReadAxis(latVar)
	if err != nil {
		return fmt.Errorf("failed to read latitude: %w", err)
	}
	lons, err := ncfile.ReadAxis(lonVar)
	if err != nil {
		return fmt.Errorf("failed to read longitude: %w", err)
	}
	if len(lats) < 2 || len(lons) < 2 {
		return fmt.Errorf("elevation grid too small: %dx%d", len(lats), len(lons))
	}

	wrap := lons[len(lons)-1] > 180 && box.MinLon < 0
	minLon, maxLon := box.MinLon, box.MaxLon
	if wrap {
		minLon, maxLon = normalizeLon360(minLon), normalizeLon360(maxLon)
		if minLon > maxLon {
			return fmt.Errorf("region crosses the 0/360 seam of %s", s.path)
		}
	}

	latStart, latEnd := indexRange(lats, box.MinLat-loadMargin, box.MaxLat+loadMargin)
	lonStart, lonEnd := indexRange(lons, minLon-loadMargin, maxLon+loadMargin)
	nLat, nLon := latEnd-latStart, lonEnd-lonStart

	//nolint:gosec // G115: indices are non-negative.
	flat, err := ncfile.ReadSlice(dataVar,
		[]uint64{uint64(latStart), uint64(lonStart)},
		[]uint64{uint64(nLat), uint64(nLon)})
	if err != nil {
		return fmt.Errorf("failed to read elevation subset: %w", err)
	}

	values := make([][]float64, nLat)
	for i := range values {
		values[i] = flat[i*nLon : (i+1)*nLon]
	}
	grid := &interp.Grid2D{
		X:      append([]float64(nil), lons[lonStart:lonEnd]...),
		Y:      append([]float64(nil), lats[latStart:latEnd]...),
		Values: values,
	}
	if grid.Y[0] > grid.Y[len(grid.Y)-1] {
		grid.FlipY()
	}
	if err := grid.Validate(); err != nil {
		return fmt.Errorf("invalid elevation grid: %w", err)
	}

	s.mu.Lock()
	s.grid, s.bounds, s.wrap = grid, box, wrap
	s.mu.Unlock()
	s.logger.Info("loaded elevation grid", "path", s.path, "rows", nLat, "cols", nLon)
	return nil
}

// Elevation implements Source. Points outside the loaded region are not found.
func (s *NetCDFStore) Elevation(lat, lon float64) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.grid == nil {
		return 0, false
	}
	if s.wrap {
		lon = normalizeLon360(lon)
	}
	v := s.grid.At(lon, lat)
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// indexRange returns [start, end) covering [lo, hi] on a monotonic axis, widened
// to at least two points.
func indexRange(axis []float64, lo, hi float64) (int, int) {
	a := findNearestIndex(axis, lo)
	b := findNearestIndex(axis, hi)
	if a > b {
		a, b = b, a
	}
	start := clamp(a-1, 0, len(axis)-2)
	end := clamp(b+2, start+2, len(axis))
	return start, end
}

// findNearestIndex finds the index closest to target on an ascending or
// descending axis.
func findNearestIndex(arr []float64, target float64) int {
	if len(arr) == 0 {
		return -1
	}
	ascending := arr[len(arr)-1] >= arr[0]
	lo, hi := 0, len(arr)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if (ascending && arr[mid] < target) || (!ascending && arr[mid] > target) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo > 0 && math.Abs(arr[lo-1]-target) < math.Abs(arr[lo]-target) {
		return lo - 1
	}
	return lo
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func normalizeLon360(lon float64) float64 {
	lon = math.Mod(lon, 360)
	if lon < 0 {
		lon += 360
	}
	return lon
}
