// Package ndvi resolves Sentinel-2 vegetation index rasters by validity window.
package ndvi

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.ngs.io/heat-downscale/internal/domain"
)

// NoDataValue marks pixels without a vegetation index.
const NoDataValue = 255

// Decode maps an encoded byte to [-1, 1]. ok is false for NoData.
func Decode(v float64) (float64, bool) {
	if v == NoDataValue || math.IsNaN(v) {
		return 0, false
	}
	x := v/254*2 - 1
	if x < -1 {
		x = -1
	} else if x > 1 {
		x = 1
	}
	return x, true
}

// Encode is the inverse of Decode for values in [-1, 1].
func Encode(x float64) float64 {
	return math.Round((x + 1) / 2 * 254)
}

// Window is one covariate file and the dates it is valid for, [Start, End).
type Window struct {
	Path  string
	Start time.Time
	End   time.Time
}

// Contains reports whether d falls in [Start, End).
func (w Window) Contains(d time.Time) bool {
	return !d.Before(w.Start) && d.Before(w.End)
}

// Catalog is a sorted, non-overlapping set of windows.
type Catalog struct {
	windows []Window
}

// ParseName extracts the window from ndvi_YYYY-MM-DD_YYYY-MM-DD.<ext>.
func ParseName(name string) (time.Time, time.Time, bool) {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	parts := strings.Split(stem, "_")
	if len(parts) != 3 || parts[0] != "ndvi" {
		return time.Time{}, time.Time{}, false
	}
	start, err := time.Parse(time.DateOnly, parts[1])
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end, err := time.Parse(time.DateOnly, parts[2])
	if err != nil || !end.After(start) {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// LoadCatalog scans dir for covariate rasters. Overlapping windows are a
// configuration error; gaps are allowed.
func LoadCatalog(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read covariate directory: %w", err)
	}
	var windows []Window
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".tif", ".tiff", ".nc":
		default:
			continue
		}
		start, end, ok := ParseName(e.Name())
		if !ok {
			continue
		}
		windows = append(windows, Window{Path: filepath.Join(dir, e.Name()), Start: start, End: end})
	}
	return NewCatalog(windows)
}

// NewCatalog validates and sorts windows.
func NewCatalog(windows []Window) (*Catalog, error) {
	sorted := append([]Window(nil), windows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.Start.Before(prev.End) {
			return nil, fmt.Errorf("%w: covariate windows overlap: %s and %s",
				domain.ErrConfig, filepath.Base(prev.Path), filepath.Base(cur.Path))
		}
	}
	return &Catalog{windows: sorted}, nil
}

// Select returns the window containing date.
func (c *Catalog) Select(date time.Time) (Window, bool) {
	i := sort.Search(len(c.windows), func(i int) bool { return date.Before(c.windows[i].End) })
	if i < len(c.windows) && c.windows[i].Contains(date) {
		return c.windows[i], true
	}
	return Window{}, false
}

// Windows returns the catalogued windows in start order.
func (c *Catalog) Windows() []Window {
	return append([]Window(nil), c.windows...)
}
