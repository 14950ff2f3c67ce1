package ndvi

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.ngs.io/heat-downscale/internal/adapter/geo"
	"go.ngs.io/heat-downscale/internal/adapter/raster"
	"go.ngs.io/heat-downscale/internal/domain"
)

type openRaster struct {
	src raster.Source
	fwd *geo.Transformer // WGS84 to raster CRS.
}

// Accessor samples the covariate at station locations. Rasters are opened on
// first use and kept until Close.
type Accessor struct {
	catalog *Catalog
	logger  *slog.Logger
	wgs84   *geo.CRS

	mu     sync.Mutex
	open   map[string]*openRaster
	failed map[string]error
}

// NewAccessor creates an accessor over catalog.
func NewAccessor(catalog *Catalog, logger *slog.Logger) *Accessor {
	return &Accessor{
		catalog: catalog,
		logger:  logger,
		wgs84:   geo.WGS84(),
		open:    make(map[string]*openRaster),
		failed:  make(map[string]error),
	}
}

// Catalog returns the accessor's catalog.
func (a *Accessor) Catalog() *Catalog { return a.catalog }

// Lookup returns the decoded vegetation index at (lat, lon) on date.
func (a *Accessor) Lookup(date time.Time, lat, lon float64) domain.Lookup {
	w, ok := a.catalog.Select(date)
	if !ok {
		return domain.Missing(domain.MissingNoSource)
	}
	r, err := a.raster(w.Path)
	if err != nil {
		return domain.MissingErr(domain.MissingReadError, err)
	}

	x, y, err := r.fwd.Transform(lon, lat)
	if err != nil {
		return domain.MissingErr(domain.MissingOutOfBounds, err)
	}
	h := r.src.Header()
	row, col, err := h.Transform.PixelAt(x, y)
	if err != nil {
		return domain.MissingErr(domain.MissingReadError, err)
	}
	if row < 0 || col < 0 || row >= h.Height || col >= h.Width {
		return domain.Missing(domain.MissingOutOfBounds)
	}

	v, err := r.src.ReadPixel(row, col)
	if err != nil {
		return domain.MissingErr(domain.MissingReadError, err)
	}
	decoded, ok := Decode(v)
	if !ok {
		return domain.Missing(domain.MissingNoData)
	}
	return domain.Found(decoded)
}

// Open returns the raster valid on date and its window.
func (a *Accessor) Open(date time.Time) (raster.Source, Window, error) {
	w, ok := a.catalog.Select(date)
	if !ok {
		return nil, Window{}, fmt.Errorf("%w: no covariate raster covers %s", domain.ErrMissingInput, date.Format(time.DateOnly))
	}
	r, err := a.raster(w.Path)
	if err != nil {
		return nil, w, err
	}
	return r.src, w, nil
}

func (a *Accessor) raster(path string) (*openRaster, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.open[path]; ok {
		return r, nil
	}
	if err, ok := a.failed[path]; ok {
		return nil, err
	}

	src, err := raster.Open(path)
	if err != nil {
		a.failed[path] = err
		a.logger.Warn("failed to open covariate raster", "path", path, "error", err)
		return nil, err
	}
	fwd, err := geo.NewTransformer(a.wgs84, src.Header().CRS)
	if err != nil {
		_ = src.Close()
		a.failed[path] = err
		return nil, err
	}
	r := &openRaster{src: src, fwd: fwd}
	a.open[path] = r
	return r, nil
}

// Close releases every open raster.
func (a *Accessor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for path, r := range a.open {
		if err := r.src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
	}
	a.open = make(map[string]*openRaster)
	a.failed = make(map[string]error)
	return errors.Join(errs...)
}
