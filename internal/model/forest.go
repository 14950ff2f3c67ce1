package model

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ForestParams configures a bootstrap-aggregated forest.
type ForestParams struct {
	Trees int
	Tree  TreeParams
	Seed  uint64
	// Workers caps concurrent tree fits; 0 uses GOMAXPROCS.
	Workers int
}

// DefaultForestParams mirrors the defaults used in production runs.
func DefaultForestParams() ForestParams {
	return ForestParams{
		Trees: 200,
		Tree:  TreeParams{MaxDepth: 15, MinSamplesSplit: 10, MinSamplesLeaf: 5},
		Seed:  42,
	}
}

// RandomForest averages trees grown on bootstrap resamples.
type RandomForest struct {
	Params ForestParams
	Trees  []*Tree
	NFeat  int
}

// Fit grows the forest. Each tree owns a PCG stream derived from Seed and its
// index, so the result does not depend on scheduling.
func (f *RandomForest) Fit(ctx context.Context, x [][]float64, y []float64) error {
	if len(x) == 0 || len(x) != len(y) {
		return fmt.Errorf("fit forest: %d rows, %d targets", len(x), len(y))
	}
	if f.Params.Trees <= 0 {
		return fmt.Errorf("fit forest: tree count must be positive, got %d", f.Params.Trees)
	}
	f.NFeat = len(x[0])
	f.Trees = make([]*Tree, f.Params.Trees)

	workers := f.Params.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range f.Trees {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(f.Params.Seed, uint64(i)))
			idx := make([]int, len(x))
			for j := range idx {
				idx[j] = rng.IntN(len(x))
			}
			f.Trees[i] = FitTree(x, y, idx, f.Params.Tree, rng)
			return nil
		})
	}
	return g.Wait()
}

// Predict averages the tree outputs for each row.
func (f *RandomForest) Predict(x [][]float64) []float64 {
	out := make([]float64, len(x))
	if len(f.Trees) == 0 {
		return out
	}
	for i, row := range x {
		s := 0.0
		for _, t := range f.Trees {
			s += t.Predict(row)
		}
		out[i] = s / float64(len(f.Trees))
	}
	return out
}

// Importance returns normalized impurity importance averaged over trees.
func (f *RandomForest) Importance() []float64 {
	return normalizedImportance(f.Trees, f.NFeat)
}

func normalizedImportance(trees []*Tree, nFeat int) []float64 {
	out := make([]float64, nFeat)
	for _, t := range trees {
		total := 0.0
		for _, v := range t.Importance {
			total += v
		}
		if total == 0 {
			continue
		}
		for i, v := range t.Importance {
			out[i] += v / total
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
