package interp

import (
	"fmt"
	"math"
	"sort"
)

// Grid2D is a regular grid with ascending axes.
type Grid2D struct {
	X      []float64   // Longitudes, strictly increasing.
	Y      []float64   // Latitudes, strictly increasing.
	Values [][]float64 // Values[i][j] at (X[j], Y[i]). NaN marks no data.
}

// Validate checks axis ordering and shape.
func (g *Grid2D) Validate() error {
	if len(g.X) < 2 || len(g.Y) < 2 {
		return fmt.Errorf("grid needs at least 2 points per axis, got %dx%d", len(g.X), len(g.Y))
	}
	if len(g.Values) != len(g.Y) {
		return fmt.Errorf("value rows (%d) do not match Y coordinates (%d)", len(g.Values), len(g.Y))
	}
	for i, row := range g.Values {
		if len(row) != len(g.X) {
			return fmt.Errorf("row %d has %d values, expected %d", i, len(row), len(g.X))
		}
	}
	if !strictlyIncreasing(g.X) {
		return fmt.Errorf("X coordinates must be strictly increasing")
	}
	if !strictlyIncreasing(g.Y) {
		return fmt.Errorf("Y coordinates must be strictly increasing")
	}
	return nil
}

func strictlyIncreasing(axis []float64) bool {
	for i := 1; i < len(axis); i++ {
		if axis[i] <= axis[i-1] {
			return false
		}
	}
	return true
}

// Contains reports whether (x, y) lies within the grid extent.
func (g *Grid2D) Contains(x, y float64) bool {
	return x >= g.X[0] && x <= g.X[len(g.X)-1] && y >= g.Y[0] && y <= g.Y[len(g.Y)-1]
}

// cellIndex returns i such that axis[i] <= v <= axis[i+1], or -1.
func cellIndex(axis []float64, v float64) int {
	n := len(axis)
	if n < 2 || v < axis[0] || v > axis[n-1] {
		return -1
	}
	i := sort.SearchFloat64s(axis, v)
	if i == 0 {
		return 0
	}
	if i >= n-1 {
		return n - 2
	}
	if axis[i] == v {
		return i
	}
	return i - 1
}

// NearestIndex returns the index of the axis value closest to v.
func NearestIndex(axis []float64, v float64) int {
	n := len(axis)
	if n == 0 {
		return -1
	}
	i := sort.SearchFloat64s(axis, v)
	if i == 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	if math.Abs(axis[i]-v) < math.Abs(v-axis[i-1]) {
		return i
	}
	return i - 1
}

// InterpolateAt bilinearly interpolates at (x, y). Points outside the grid are an error.
func (g *Grid2D) InterpolateAt(x, y float64) (float64, error) {
	xi := cellIndex(g.X, x)
	if xi < 0 {
		return 0, fmt.Errorf("x %.6f outside grid range [%.6f, %.6f]", x, g.X[0], g.X[len(g.X)-1])
	}
	yi := cellIndex(g.Y, y)
	if yi < 0 {
		return 0, fmt.Errorf("y %.6f outside grid range [%.6f, %.6f]", y, g.Y[0], g.Y[len(g.Y)-1])
	}
	return BilinearInterpolate(GridCell{
		X0: g.X[xi], X1: g.X[xi+1],
		Y0: g.Y[yi], Y1: g.Y[yi+1],
		V00: g.Values[yi][xi], V10: g.Values[yi][xi+1],
		V01: g.Values[yi+1][xi], V11: g.Values[yi+1][xi+1],
	}, x, y)
}

// At is InterpolateAt returning NaN outside the grid.
func (g *Grid2D) At(x, y float64) float64 {
	v, err := g.InterpolateAt(x, y)
	if err != nil {
		return math.NaN()
	}
	return v
}

// PaddedAt is At over the extent padded by half a cell: points between the
// outer nodes and the outer cell edges take the edge node's coordinate.
func (g *Grid2D) PaddedAt(x, y float64) float64 {
	if !withinHalfCell(g.X, x) || !withinHalfCell(g.Y, y) {
		return math.NaN()
	}
	return g.At(clampAxis(g.X, x), clampAxis(g.Y, y))
}

func clampAxis(axis []float64, v float64) float64 {
	return math.Min(math.Max(v, axis[0]), axis[len(axis)-1])
}

// NearestAt returns the value of the grid node closest to (x, y).
// ok is false when the point lies more than half a cell beyond the grid edge.
func (g *Grid2D) NearestAt(x, y float64) (v float64, ok bool) {
	if !withinHalfCell(g.X, x) || !withinHalfCell(g.Y, y) {
		return 0, false
	}
	return g.Values[NearestIndex(g.Y, y)][NearestIndex(g.X, x)], true
}

func withinHalfCell(axis []float64, v float64) bool {
	n := len(axis)
	if n == 0 {
		return false
	}
	if n == 1 {
		return v == axis[0]
	}
	lo := axis[0] - (axis[1]-axis[0])/2
	hi := axis[n-1] + (axis[n-1]-axis[n-2])/2
	return v >= lo && v <= hi
}

// FlipY reverses a grid stored with descending latitudes into ascending order, in place.
func (g *Grid2D) FlipY() {
	for i, j := 0, len(g.Y)-1; i < j; i, j = i+1, j-1 {
		g.Y[i], g.Y[j] = g.Y[j], g.Y[i]
		g.Values[i], g.Values[j] = g.Values[j], g.Values[i]
	}
}
