package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
)

// BoostingParams configures squared-loss gradient boosting.
type BoostingParams struct {
	Rounds       int
	Tree         TreeParams
	LearningRate float64
	// Subsample is the row fraction drawn without replacement per round.
	Subsample float64
	// ColSample is the feature fraction drawn per round.
	ColSample float64
	Seed      uint64
}

// DefaultBoostingParams mirrors the defaults used in production runs.
func DefaultBoostingParams() BoostingParams {
	return BoostingParams{
		Rounds:       200,
		Tree:         TreeParams{MaxDepth: 8, MinSamplesSplit: 2, MinSamplesLeaf: 1},
		LearningRate: 0.1,
		Subsample:    0.8,
		ColSample:    0.8,
		Seed:         42,
	}
}

// GradientBoosting is an additive ensemble of shallow trees fitted to the
// running residual.
type GradientBoosting struct {
	Params BoostingParams
	Base   float64
	Trees  []*Tree
	NFeat  int
}

// Fit runs the boosting rounds sequentially.
func (g *GradientBoosting) Fit(ctx context.Context, x [][]float64, y []float64) error {
	if len(x) == 0 || len(x) != len(y) {
		return fmt.Errorf("fit boosting: %d rows, %d targets", len(x), len(y))
	}
	if g.Params.Rounds <= 0 || g.Params.LearningRate <= 0 {
		return fmt.Errorf("fit boosting: invalid rounds=%d learning_rate=%g", g.Params.Rounds, g.Params.LearningRate)
	}
	n := len(x)
	g.NFeat = len(x[0])
	g.Base = 0
	for _, v := range y {
		g.Base += v
	}
	g.Base /= float64(n)

	rng := rand.New(rand.NewPCG(g.Params.Seed, 0))
	pred := make([]float64, n)
	for i := range pred {
		pred[i] = g.Base
	}
	grad := make([]float64, n)
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	sub := n
	if g.Params.Subsample > 0 && g.Params.Subsample < 1 {
		sub = max(1, int(math.Round(g.Params.Subsample*float64(n))))
	}
	// Column sampling happens once per tree, so the per-split fraction stays at 1.
	cols := make([]int, g.NFeat)
	for i := range cols {
		cols[i] = i
	}
	ncols := g.NFeat
	if g.Params.ColSample > 0 && g.Params.ColSample < 1 {
		ncols = max(1, int(math.Round(g.Params.ColSample*float64(g.NFeat))))
	}
	masked := make([][]float64, n)

	g.Trees = make([]*Tree, 0, g.Params.Rounds)
	for round := 0; round < g.Params.Rounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := range grad {
			grad[i] = y[i] - pred[i]
		}
		rng.Shuffle(n, func(i, j int) { all[i], all[j] = all[j], all[i] })
		idx := all[:sub]

		xs := x
		if ncols < g.NFeat {
			rng.Shuffle(len(cols), func(i, j int) { cols[i], cols[j] = cols[j], cols[i] })
			xs = maskColumns(x, cols[:ncols], masked)
		}
		t := FitTree(xs, grad, idx, g.Params.Tree, nil)
		for i := range pred {
			pred[i] += g.Params.LearningRate * t.Predict(x[i])
		}
		g.Trees = append(g.Trees, t)
	}
	return nil
}

// maskColumns returns rows where excluded features are constant, so the tree
// cannot split on them.
func maskColumns(x [][]float64, keep []int, buf [][]float64) [][]float64 {
	nFeat := len(x[0])
	allowed := make([]bool, nFeat)
	for _, c := range keep {
		allowed[c] = true
	}
	for i, row := range x {
		if buf[i] == nil {
			buf[i] = make([]float64, nFeat)
		}
		for f, v := range row {
			if allowed[f] {
				buf[i][f] = v
			} else {
				buf[i][f] = 0
			}
		}
	}
	return buf
}

// Predict sums the shrunk tree outputs on top of the base score.
func (g *GradientBoosting) Predict(x [][]float64) []float64 {
	out := make([]float64, len(x))
	for i, row := range x {
		s := g.Base
		for _, t := range g.Trees {
			s += g.Params.LearningRate * t.Predict(row)
		}
		out[i] = s
	}
	return out
}

// Importance returns normalized total gain per feature.
func (g *GradientBoosting) Importance() []float64 {
	out := make([]float64, g.NFeat)
	for _, t := range g.Trees {
		for i, v := range t.Importance {
			out[i] += v
		}
	}
	sum := 0.0
	for _, v := range out {
		sum += v
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}
