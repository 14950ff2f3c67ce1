package usecase

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/stat"

	"go.ngs.io/heat-downscale/internal/domain"
)

// SplitKind selects the cross-validation strategy.
type SplitKind string

const (
	SplitSpatial    SplitKind = "spatial"
	SplitGeographic SplitKind = "geographic"
)

// SplitAxis is the coordinate a geographic split partitions on.
type SplitAxis string

const (
	AxisLatitude  SplitAxis = "latitude"
	AxisLongitude SplitAxis = "longitude"
)

// SplitParams configures Split.
type SplitParams struct {
	Kind     SplitKind
	TestSize float64
	Seed     uint64
	Axis     SplitAxis
}

// DefaultSplitParams is an 80/20 spatial split with seed 42.
func DefaultSplitParams() SplitParams {
	return SplitParams{Kind: SplitSpatial, TestSize: 0.2, Seed: 42, Axis: AxisLatitude}
}

// SplitResult holds the two partitions and the station ids in each.
type SplitResult struct {
	Train         []domain.TrainingExample
	Test          []domain.TrainingExample
	TrainStations []int
	TestStations  []int
	// Threshold is the median used by a geographic split.
	Threshold float64
}

// Split partitions examples according to p. It never returns an empty side.
func Split(examples []domain.TrainingExample, p SplitParams, logger *slog.Logger) (SplitResult, error) {
	var (
		res SplitResult
		err error
	)
	switch p.Kind {
	case SplitSpatial, "":
		res, err = SpatialSplit(examples, p.TestSize, p.Seed)
	case SplitGeographic:
		res, err = GeographicSplit(examples, p.Axis)
	default:
		return SplitResult{}, fmt.Errorf("%w: unknown split %q", domain.ErrConfig, p.Kind)
	}
	if err != nil {
		return SplitResult{}, err
	}
	logger.Info("cross-validation split",
		"kind", string(p.Kind),
		"train_rows", len(res.Train),
		"test_rows", len(res.Test),
		"train_stations", len(res.TrainStations),
		"test_stations", len(res.TestStations),
	)
	return res, nil
}

// SpatialSplit assigns whole stations to train or test so no station appears
// in both. ceil(testSize*n) shuffled station ids form the test group.
func SpatialSplit(examples []domain.TrainingExample, testSize float64, seed uint64) (SplitResult, error) {
	if testSize <= 0 || testSize >= 1 {
		return SplitResult{}, fmt.Errorf("%w: test size %g outside (0, 1)", domain.ErrConfig, testSize)
	}
	ids := stationIDs(examples)
	if len(ids) < 2 {
		return SplitResult{}, fmt.Errorf("spatial split: %w: need at least 2 stations, have %d", domain.ErrMissingInput, len(ids))
	}

	rng := rand.New(rand.NewPCG(seed, seed))
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	nTest := int(math.Ceil(testSize * float64(len(ids))))
	nTest = min(max(nTest, 1), len(ids)-1)

	testSet := make(map[int]bool, nTest)
	for _, id := range ids[:nTest] {
		testSet[id] = true
	}
	res := SplitResult{
		TestStations:  slices.Sorted(slices.Values(ids[:nTest])),
		TrainStations: slices.Sorted(slices.Values(ids[nTest:])),
	}
	for _, e := range examples {
		if testSet[e.StationID] {
			res.Test = append(res.Test, e)
		} else {
			res.Train = append(res.Train, e)
		}
	}
	return res, nil
}

// GeographicSplit puts examples at or below the median coordinate in train
// and the rest in test.
func GeographicSplit(examples []domain.TrainingExample, axis SplitAxis) (SplitResult, error) {
	coord := func(e domain.TrainingExample) float64 { return e.Latitude }
	switch axis {
	case AxisLatitude, "":
	case AxisLongitude:
		coord = func(e domain.TrainingExample) float64 { return e.Longitude }
	default:
		return SplitResult{}, fmt.Errorf("%w: unknown split axis %q", domain.ErrConfig, axis)
	}
	if len(examples) == 0 {
		return SplitResult{}, fmt.Errorf("geographic split: %w: no examples", domain.ErrMissingInput)
	}

	vals := make([]float64, len(examples))
	for i, e := range examples {
		vals[i] = coord(e)
	}
	slices.Sort(vals)
	median := medianSorted(vals)

	res := SplitResult{Threshold: median}
	train, test := map[int]bool{}, map[int]bool{}
	for _, e := range examples {
		if coord(e) <= median {
			res.Train = append(res.Train, e)
			train[e.StationID] = true
		} else {
			res.Test = append(res.Test, e)
			test[e.StationID] = true
		}
	}
	if len(res.Train) == 0 || len(res.Test) == 0 {
		return SplitResult{}, fmt.Errorf("geographic split on %s: %w: median %.4f leaves an empty partition", axis, domain.ErrMissingInput, median)
	}
	res.TrainStations = sortedKeys(train)
	res.TestStations = sortedKeys(test)
	return res, nil
}

// medianSorted averages the two middle values for even lengths.
func medianSorted(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return stat.Mean(sorted[n/2-1:n/2+1], nil)
}

func stationIDs(examples []domain.TrainingExample) []int {
	seen := make(map[int]bool)
	for _, e := range examples {
		seen[e.StationID] = true
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
