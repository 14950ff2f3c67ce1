// Package interp samples regular latitude/longitude grids.
package interp

import (
	"fmt"
	"math"
)

// GridCell is one rectangle of a regular grid with its four corner values.
type GridCell struct {
	X0, X1 float64 // Longitude edges.
	Y0, Y1 float64 // Latitude edges.

	// V00 at (X0, Y0), V10 at (X1, Y0), V01 at (X0, Y1), V11 at (X1, Y1).
	V00, V10, V01, V11 float64
}

// BilinearInterpolate evaluates
//
//	f(x,y) ≈ (1-t)(1-u)V00 + t(1-u)V10 + (1-t)u V01 + tu V11
//
// with t = (x-X0)/(X1-X0) and u = (y-Y0)/(Y1-Y0).
// A NaN corner propagates to the result.
func BilinearInterpolate(cell GridCell, x, y float64) (float64, error) {
	if cell.X1 <= cell.X0 || cell.Y1 <= cell.Y0 {
		return 0, fmt.Errorf("degenerate grid cell [%g,%g]x[%g,%g]", cell.X0, cell.X1, cell.Y0, cell.Y1)
	}

	const epsilon = 1e-9
	if x < cell.X0-epsilon || x > cell.X1+epsilon || y < cell.Y0-epsilon || y > cell.Y1+epsilon {
		return 0, fmt.Errorf("point (%.6f, %.6f) outside cell", x, y)
	}

	t := math.Max(0, math.Min(1, (x-cell.X0)/(cell.X1-cell.X0)))
	u := math.Max(0, math.Min(1, (y-cell.Y0)/(cell.Y1-cell.Y0)))

	return (1-t)*(1-u)*cell.V00 +
		t*(1-u)*cell.V10 +
		(1-t)*u*cell.V01 +
		t*u*cell.V11, nil
}
