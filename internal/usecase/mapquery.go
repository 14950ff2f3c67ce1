package usecase

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"go.ngs.io/heat-downscale/internal/adapter/geo"
	"go.ngs.io/heat-downscale/internal/adapter/raster"
	"go.ngs.io/heat-downscale/internal/domain"
)

// MapSample is a generated map value at one point.
type MapSample struct {
	Date        time.Time `json:"date"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Row         int       `json:"row"`
	Col         int       `json:"col"`
	Temperature float64   `json:"temperature_c"`
	Residual    *float64  `json:"residual_c,omitempty"`
}

type openMap struct {
	src raster.Source
	fwd *geo.Transformer
}

// MapReader samples maps written by MapGenerator. Opened maps stay cached
// until Close.
type MapReader struct {
	dir   string
	wgs84 *geo.CRS

	mu   sync.Mutex
	maps map[string]*openMap
}

// NewMapReader reads maps from dir.
func NewMapReader(dir string) *MapReader {
	return &MapReader{dir: dir, wgs84: geo.WGS84(), maps: make(map[string]*openMap)}
}

// Sample returns the temperature (and residual, when its companion exists)
// at (lat, lon) on date. Points without a value yield ErrMissingInput.
func (m *MapReader) Sample(date time.Time, lat, lon float64) (MapSample, error) {
	date = domain.DateOnly(date)
	temp, row, col, err := m.sample(MapPath(m.dir, date), lat, lon)
	if err != nil {
		return MapSample{}, err
	}
	s := MapSample{Date: date, Latitude: lat, Longitude: lon, Row: row, Col: col, Temperature: temp}
	if resid, _, _, err := m.sample(ResidualMapPath(m.dir, date), lat, lon); err == nil {
		s.Residual = &resid
	}
	return s, nil
}

func (m *MapReader) sample(path string, lat, lon float64) (float64, int, int, error) {
	om, err := m.open(path)
	if err != nil {
		return 0, 0, 0, err
	}
	x, y, err := om.fwd.Transform(lon, lat)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %w", domain.ErrMissingInput, err)
	}
	h := om.src.Header()
	row, col, err := h.Transform.PixelAt(x, y)
	if err != nil {
		return 0, 0, 0, err
	}
	if row < 0 || col < 0 || row >= h.Height || col >= h.Width {
		return 0, 0, 0, fmt.Errorf("%w: (%g, %g) outside map", domain.ErrMissingInput, lat, lon)
	}
	v, err := om.src.ReadPixel(row, col)
	if err != nil {
		return 0, 0, 0, err
	}
	if h.IsNoData(v) {
		return 0, row, col, fmt.Errorf("%w: no value at (%g, %g)", domain.ErrMissingInput, lat, lon)
	}
	return v, row, col, nil
}

func (m *MapReader) open(path string) (*openMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if om, ok := m.maps[path]; ok {
		return om, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: no map %s", domain.ErrMissingInput, path)
	}
	src, err := raster.OpenNetCDF(path)
	if err != nil {
		return nil, err
	}
	fwd, err := geo.NewTransformer(m.wgs84, src.Header().CRS)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	om := &openMap{src: src, fwd: fwd}
	m.maps[path] = om
	return om, nil
}

// Close releases every cached map.
func (m *MapReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for path, om := range m.maps {
		if err := om.src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
		delete(m.maps, path)
	}
	return errors.Join(errs...)
}
