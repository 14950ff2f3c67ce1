// Package raster reads and writes single-band georeferenced rasters.
package raster

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"go.ngs.io/heat-downscale/internal/adapter/geo"
)

// Header describes a raster's grid without its pixels.
type Header struct {
	Width     int
	Height    int
	Transform geo.GeoTransform
	CRS       *geo.CRS
	NoData    float64
	HasNoData bool
}

// Raster is a single band stored row-major, top row first.
type Raster struct {
	Header
	Data []float64
}

// New allocates a raster on h's grid filled with fill.
func New(h Header, fill float64) *Raster {
	data := make([]float64, h.Width*h.Height)
	for i := range data {
		data[i] = fill
	}
	return &Raster{Header: h, Data: data}
}

// At returns the raw value at (row, col).
func (r *Raster) At(row, col int) float64 {
	return r.Data[row*r.Width+col]
}

// Set stores v at (row, col).
func (r *Raster) Set(row, col int, v float64) {
	r.Data[row*r.Width+col] = v
}

// IsNoData reports whether v is the raster's NoData value or NaN.
func (h Header) IsNoData(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return h.HasNoData && v == h.NoData
}

// SameGrid reports whether two headers share shape, transform and CRS.
func (h Header) SameGrid(o Header) bool {
	if h.Width != o.Width || h.Height != o.Height || h.Transform != o.Transform {
		return false
	}
	if h.CRS == nil || o.CRS == nil {
		return h.CRS == o.CRS
	}
	return h.CRS.Def == o.CRS.Def
}

// CountValid returns the number of pixels that are not NoData.
func (r *Raster) CountValid() int {
	n := 0
	for _, v := range r.Data {
		if !r.IsNoData(v) {
			n++
		}
	}
	return n
}

// Source is an open raster file.
type Source interface {
	Header() Header
	// ReadWindow reads a pixel window; the result's transform is shifted to the window.
	ReadWindow(w geo.Window) (*Raster, error)
	// ReadPixel reads a single raw value.
	ReadPixel(row, col int) (float64, error)
	Close() error
}

// Open opens a raster by extension: .nc for NetCDF, .tif/.tiff for GeoTIFF.
func Open(path string) (Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".nc", ".nc4":
		return OpenNetCDF(path)
	case ".tif", ".tiff":
		return OpenTIFF(path)
	}
	return nil, fmt.Errorf("unsupported raster format: %s", path)
}

// ReadAll reads the full extent of a source.
func ReadAll(src Source) (*Raster, error) {
	h := src.Header()
	return src.ReadWindow(geo.Window{Rows: h.Height, Cols: h.Width})
}

func checkWindow(h Header, w geo.Window) error {
	if w.Empty() || w.RowOff < 0 || w.ColOff < 0 || w.RowOff+w.Rows > h.Height || w.ColOff+w.Cols > h.Width {
		return fmt.Errorf("window %+v outside %dx%d raster", w, h.Width, h.Height)
	}
	return nil
}

func checkPixel(h Header, row, col int) error {
	if row < 0 || col < 0 || row >= h.Height || col >= h.Width {
		return fmt.Errorf("pixel (%d, %d) outside %dx%d raster", row, col, h.Width, h.Height)
	}
	return nil
}
