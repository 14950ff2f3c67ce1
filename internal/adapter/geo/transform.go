// Package geo maps between pixel grids and map coordinates.
package geo

import (
	"fmt"
	"math"
)

// GeoTransform is a GDAL-style affine transform:
//
//	x = T[0] + col*T[1] + row*T[2]
//	y = T[3] + col*T[4] + row*T[5]
//
// where (col, row) address the top-left corner of a pixel.
type GeoTransform [6]float64

// PixelCenter returns the map coordinates of the center of pixel (row, col).
func (t GeoTransform) PixelCenter(row, col int) (x, y float64) {
	c := float64(col) + 0.5
	r := float64(row) + 0.5
	return t[0] + c*t[1] + r*t[2], t[3] + c*t[4] + r*t[5]
}

// Invert maps map coordinates to fractional (row, col).
func (t GeoTransform) Invert(x, y float64) (row, col float64, err error) {
	det := t[1]*t[5] - t[2]*t[4]
	if det == 0 {
		return 0, 0, fmt.Errorf("geotransform %v is not invertible", t)
	}
	dx := x - t[0]
	dy := y - t[3]
	col = (t[5]*dx - t[2]*dy) / det
	row = (-t[4]*dx + t[1]*dy) / det
	return row, col, nil
}

// PixelAt returns the integer pixel containing (x, y).
func (t GeoTransform) PixelAt(x, y float64) (row, col int, err error) {
	r, c, err := t.Invert(x, y)
	if err != nil {
		return 0, 0, err
	}
	return int(math.Floor(r)), int(math.Floor(c)), nil
}

// Shift returns the transform of a window starting at (rowOff, colOff).
func (t GeoTransform) Shift(rowOff, colOff int) GeoTransform {
	x, y := t[0]+float64(colOff)*t[1]+float64(rowOff)*t[2], t[3]+float64(colOff)*t[4]+float64(rowOff)*t[5]
	return GeoTransform{x, t[1], t[2], y, t[4], t[5]}
}

// Window is a rectangular pixel subset of a raster.
type Window struct {
	RowOff, ColOff int
	Rows, Cols     int
}

// Empty reports whether the window has no pixels.
func (w Window) Empty() bool { return w.Rows <= 0 || w.Cols <= 0 }

const pixelEps = 1e-6

// WindowFromBounds returns the pixel window covering [minX,maxX]x[minY,maxY],
// clipped to a width x height raster.
func (t GeoTransform) WindowFromBounds(minX, minY, maxX, maxY float64, width, height int) (Window, error) {
	corners := [4][2]float64{{minX, minY}, {minX, maxY}, {maxX, minY}, {maxX, maxY}}
	rMin, cMin := math.Inf(1), math.Inf(1)
	rMax, cMax := math.Inf(-1), math.Inf(-1)
	for _, p := range corners {
		r, c, err := t.Invert(p[0], p[1])
		if err != nil {
			return Window{}, err
		}
		rMin, rMax = math.Min(rMin, r), math.Max(rMax, r)
		cMin, cMax = math.Min(cMin, c), math.Max(cMax, c)
	}

	// Edges within pixelEps of a pixel boundary snap to it.
	r0 := clamp(int(math.Floor(rMin+pixelEps)), 0, height)
	r1 := clamp(int(math.Ceil(rMax-pixelEps)), 0, height)
	c0 := clamp(int(math.Floor(cMin+pixelEps)), 0, width)
	c1 := clamp(int(math.Ceil(cMax-pixelEps)), 0, width)
	w := Window{RowOff: r0, ColOff: c0, Rows: r1 - r0, Cols: c1 - c0}
	if w.Empty() {
		return w, fmt.Errorf("bounds [%g,%g]x[%g,%g] do not intersect the raster", minX, maxX, minY, maxY)
	}
	return w, nil
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
