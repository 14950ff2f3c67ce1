package interp

import (
	"math"
	"testing"
)

func ramp() *Grid2D {
	return &Grid2D{
		X: []float64{0.0, 1.0, 2.0},
		Y: []float64{0.0, 1.0, 2.0},
		Values: [][]float64{
			{1.0, 2.0, 3.0}, // y=0
			{4.0, 5.0, 6.0}, // y=1
			{7.0, 8.0, 9.0}, // y=2
		},
	}
}

func TestBilinearInterpolate_CenterAndCorners(t *testing.T) {
	cell := GridCell{X0: 0, X1: 10, Y0: 0, Y1: 10, V00: 1, V10: 2, V01: 3, V11: 4}

	tests := []struct {
		name     string
		x, y     float64
		expected float64
	}{
		{"bottom-left", 0, 0, 1},
		{"bottom-right", 10, 0, 2},
		{"top-left", 0, 10, 3},
		{"top-right", 10, 10, 4},
		{"center", 5, 5, 2.5},
	}
	for _, tt := range tests {
		got, err := BilinearInterpolate(cell, tt.x, tt.y)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.name, err)
		}
		if math.Abs(got-tt.expected) > 1e-9 {
			t.Errorf("%s: expected %.10f, got %.10f", tt.name, tt.expected, got)
		}
	}
}

func TestBilinearInterpolate_Errors(t *testing.T) {
	if _, err := BilinearInterpolate(GridCell{X0: 1, X1: 1, Y0: 0, Y1: 1}, 1, 0.5); err == nil {
		t.Error("expected error for degenerate cell")
	}
	if _, err := BilinearInterpolate(GridCell{X0: 0, X1: 1, Y0: 0, Y1: 1}, 1.5, 0.5); err == nil {
		t.Error("expected error for point outside cell")
	}
}

func TestGrid2D_InterpolateAt(t *testing.T) {
	grid := ramp()
	if err := grid.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tests := []struct {
		x, y     float64
		expected float64
	}{
		{0, 0, 1},
		{2, 0, 3},
		{1, 1, 5},
		{2, 2, 9},
		{0.5, 0.5, 3},
		{1.5, 1.0, 5.5},
	}
	for _, tt := range tests {
		got, err := grid.InterpolateAt(tt.x, tt.y)
		if err != nil {
			t.Fatalf("At (%.1f, %.1f): unexpected error: %v", tt.x, tt.y, err)
		}
		if math.Abs(got-tt.expected) > 1e-9 {
			t.Errorf("At (%.1f, %.1f): expected %.10f, got %.10f", tt.x, tt.y, tt.expected, got)
		}
	}

	if _, err := grid.InterpolateAt(2.5, 1); err == nil {
		t.Error("expected error outside grid")
	}
	if v := grid.At(-1, 0); !math.IsNaN(v) {
		t.Errorf("At outside grid: expected NaN, got %v", v)
	}
}

func TestGrid2D_NaNPropagates(t *testing.T) {
	grid := ramp()
	grid.Values[2][2] = math.NaN()
	if v := grid.At(1.5, 1.5); !math.IsNaN(v) {
		t.Errorf("expected NaN next to a missing node, got %v", v)
	}
	if v := grid.At(0.5, 0.5); math.IsNaN(v) {
		t.Error("expected value in a cell away from the missing node")
	}
}

func TestGrid2D_NearestAt(t *testing.T) {
	grid := ramp()
	tests := []struct {
		x, y     float64
		expected float64
		ok       bool
	}{
		{0.4, 0.4, 1, true},
		{0.6, 1.6, 8, true},
		{2.4, 2.4, 9, true},
		{2.6, 1.0, 0, false},
		{1.0, -0.6, 0, false},
	}
	for _, tt := range tests {
		got, ok := grid.NearestAt(tt.x, tt.y)
		if ok != tt.ok {
			t.Fatalf("At (%.1f, %.1f): ok=%v, want %v", tt.x, tt.y, ok, tt.ok)
		}
		if ok && got != tt.expected {
			t.Errorf("At (%.1f, %.1f): expected %v, got %v", tt.x, tt.y, tt.expected, got)
		}
	}
}

func TestGrid2D_PaddedAt(t *testing.T) {
	grid := ramp()
	tests := []struct {
		x, y     float64
		expected float64
	}{
		{1.5, 1.5, 7},
		{2.3, 1.0, 6},
		{-0.4, 0.0, 1},
		{2.5, 2.5, 9},
		{1.0, -0.2, 2},
	}
	for _, tt := range tests {
		if got := grid.PaddedAt(tt.x, tt.y); math.Abs(got-tt.expected) > 1e-12 {
			t.Errorf("PaddedAt(%.1f, %.1f): expected %v, got %v", tt.x, tt.y, tt.expected, got)
		}
	}
	for _, p := range [][2]float64{{2.6, 1.0}, {1.0, -0.6}} {
		if v := grid.PaddedAt(p[0], p[1]); !math.IsNaN(v) {
			t.Errorf("PaddedAt(%.1f, %.1f): expected NaN, got %v", p[0], p[1], v)
		}
	}
}

func TestGrid2D_FlipY(t *testing.T) {
	grid := &Grid2D{
		X:      []float64{0, 1},
		Y:      []float64{2, 1, 0},
		Values: [][]float64{{7, 8}, {4, 5}, {1, 2}},
	}
	grid.FlipY()
	if err := grid.Validate(); err != nil {
		t.Fatalf("Validate after flip: %v", err)
	}
	if grid.Values[0][0] != 1 || grid.Y[0] != 0 {
		t.Errorf("unexpected first row after flip: y=%v values=%v", grid.Y[0], grid.Values[0])
	}
}

func TestGrid2D_Validate(t *testing.T) {
	tests := []struct {
		name    string
		grid    *Grid2D
		wantErr bool
	}{
		{"valid", &Grid2D{X: []float64{0, 1, 2}, Y: []float64{0, 1}, Values: [][]float64{{1, 2, 3}, {4, 5, 6}}}, false},
		{"too few X", &Grid2D{X: []float64{0}, Y: []float64{0, 1}, Values: [][]float64{{1}, {2}}}, true},
		{"row count", &Grid2D{X: []float64{0, 1}, Y: []float64{0, 1}, Values: [][]float64{{1, 2}}}, true},
		{"column count", &Grid2D{X: []float64{0, 1, 2}, Y: []float64{0, 1}, Values: [][]float64{{1, 2}, {3, 4}}}, true},
		{"descending Y", &Grid2D{X: []float64{0, 1}, Y: []float64{1, 0}, Values: [][]float64{{1, 2}, {3, 4}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.grid.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
