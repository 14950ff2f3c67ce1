// Package model fits and applies the residual regressors.
package model

import (
	"math"
	"math/rand/v2"
	"sort"
)

// TreeParams bounds the growth of one regression tree.
type TreeParams struct {
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	// MaxFeatures is the fraction of features considered at each split; 0 or 1 means all.
	MaxFeatures float64
}

// Node is one tree node. Leaves have Feature == -1.
type Node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Value     float64
}

// Tree is a CART regression tree grown by variance reduction.
type Tree struct {
	Nodes []Node
	// Importance holds the total squared-error reduction per feature.
	Importance []float64
}

type treeBuilder struct {
	params TreeParams
	x      [][]float64
	y      []float64
	rng    *rand.Rand
	nFeat  int
	tree   *Tree
}

// FitTree grows a tree on the rows idx of x. rng drives feature subsampling.
func FitTree(x [][]float64, y []float64, idx []int, params TreeParams, rng *rand.Rand) *Tree {
	nFeat := 0
	if len(x) > 0 {
		nFeat = len(x[0])
	}
	b := &treeBuilder{
		params: params,
		x:      x,
		y:      y,
		rng:    rng,
		nFeat:  nFeat,
		tree:   &Tree{Importance: make([]float64, nFeat)},
	}
	rows := append([]int(nil), idx...)
	b.grow(rows, 0)
	return b.tree
}

func (b *treeBuilder) grow(rows []int, depth int) int {
	sum, sumSq := 0.0, 0.0
	for _, r := range rows {
		sum += b.y[r]
		sumSq += b.y[r] * b.y[r]
	}
	n := float64(len(rows))
	mean := sum / n
	node := len(b.tree.Nodes)
	b.tree.Nodes = append(b.tree.Nodes, Node{Feature: -1, Value: mean, Left: -1, Right: -1})

	minSplit := max(b.params.MinSamplesSplit, 2)
	minLeaf := max(b.params.MinSamplesLeaf, 1)
	if (b.params.MaxDepth > 0 && depth >= b.params.MaxDepth) || len(rows) < minSplit || len(rows) < 2*minLeaf {
		return node
	}
	sse := sumSq - sum*sum/n
	if sse <= 1e-12 {
		return node
	}

	feat, thr, gain := b.bestSplit(rows, sum, sse, minLeaf)
	if feat < 0 {
		return node
	}

	leftRows := make([]int, 0, len(rows))
	rightRows := make([]int, 0, len(rows))
	for _, r := range rows {
		if b.x[r][feat] <= thr {
			leftRows = append(leftRows, r)
		} else {
			rightRows = append(rightRows, r)
		}
	}

	b.tree.Importance[feat] += gain
	l := b.grow(leftRows, depth+1)
	r := b.grow(rightRows, depth+1)
	b.tree.Nodes[node] = Node{Feature: feat, Threshold: thr, Left: l, Right: r, Value: mean}
	return node
}

// bestSplit scans every candidate feature for the threshold with the largest
// squared-error reduction that leaves at least minLeaf rows on each side.
func (b *treeBuilder) bestSplit(rows []int, total, sse float64, minLeaf int) (int, float64, float64) {
	features := b.candidateFeatures()
	n := len(rows)
	order := make([]int, n)

	bestFeat, bestThr, bestGain := -1, 0.0, 0.0
	for _, f := range features {
		copy(order, rows)
		sort.Slice(order, func(i, j int) bool { return b.x[order[i]][f] < b.x[order[j]][f] })

		leftSum, leftSq := 0.0, 0.0
		totalSq := sse + total*total/float64(n)
		for i := 0; i < n-1; i++ {
			yi := b.y[order[i]]
			leftSum += yi
			leftSq += yi * yi
			nl := i + 1
			nr := n - nl
			if nl < minLeaf || nr < minLeaf {
				continue
			}
			xv, xn := b.x[order[i]][f], b.x[order[i+1]][f]
			if xv == xn {
				continue
			}
			rightSum := total - leftSum
			rightSq := totalSq - leftSq
			childSSE := (leftSq - leftSum*leftSum/float64(nl)) + (rightSq - rightSum*rightSum/float64(nr))
			gain := sse - childSSE
			if gain > bestGain+1e-12 {
				bestFeat, bestThr, bestGain = f, (xv+xn)/2, gain
			}
		}
	}
	return bestFeat, bestThr, bestGain
}

func (b *treeBuilder) candidateFeatures() []int {
	all := make([]int, b.nFeat)
	for i := range all {
		all[i] = i
	}
	frac := b.params.MaxFeatures
	if frac <= 0 || frac >= 1 || b.rng == nil {
		return all
	}
	k := max(1, int(math.Round(frac*float64(b.nFeat))))
	b.rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:k]
}

// Predict walks the tree for one row.
func (t *Tree) Predict(row []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if row[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Depth returns the longest root-to-leaf path.
func (t *Tree) Depth() int {
	var walk func(i int) int
	walk = func(i int) int {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return 0
		}
		return 1 + max(walk(n.Left), walk(n.Right))
	}
	if len(t.Nodes) == 0 {
		return 0
	}
	return walk(0)
}
