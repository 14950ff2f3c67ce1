package era5

import (
	"math"
	"time"

	"go.ngs.io/heat-downscale/internal/adapter/interp"
	"go.ngs.io/heat-downscale/internal/domain"
)

// Field is one day of a coarse variable on an ascending lat/lon grid.
type Field struct {
	Grid    *interp.Grid2D
	Date    time.Time
	lonWrap bool // Longitudes run 0..360.
}

func (f *Field) lon(lon float64) float64 {
	if f.lonWrap && lon < 0 {
		return lon + 360
	}
	return lon
}

// Nearest returns the value of the closest grid node.
func (f *Field) Nearest(lat, lon float64) domain.Lookup {
	v, ok := f.Grid.NearestAt(f.lon(lon), lat)
	if !ok {
		return domain.Missing(domain.MissingOutOfBounds)
	}
	if math.IsNaN(v) {
		return domain.Missing(domain.MissingNoData)
	}
	return domain.Found(v)
}

// Bilinear interpolates at (lat, lon). Points in the outer half cell take the
// edge value. It returns NaN beyond that or next to a missing node.
func (f *Field) Bilinear(lat, lon float64) float64 {
	return f.Grid.PaddedAt(f.lon(lon), lat)
}
