package model

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ngs.io/heat-downscale/internal/domain"
)

// elevationExamples builds rows whose residual is 0.01 * elevation plus small noise.
func elevationExamples(n int, seed uint64) []domain.TrainingExample {
	rng := rand.New(rand.NewPCG(seed, 1))
	start := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]domain.TrainingExample, n)
	for i := range out {
		elev := rng.Float64() * 1000
		baseline := 10 + rng.Float64()*15
		resid := 0.01*elev + rng.NormFloat64()*0.1
		d := start.AddDate(0, 0, i%60)
		out[i] = domain.TrainingExample{
			Date:                d,
			StationID:           i % 40,
			Latitude:            55 + rng.Float64()*10,
			Longitude:           11 + rng.Float64()*10,
			ElevationM:          elev,
			VegetationIndex:     rng.Float64(),
			BaselineTemperature: baseline,
			StationTemperature:  baseline + resid,
			Residual:            resid,
			DayOfYear:           domain.DayOfYear(d),
		}
	}
	return out
}

func smallParams() Params {
	p := DefaultParams()
	p.Forest.Trees = 25
	p.Boosting.Rounds = 60
	return p
}

func TestTreeFitsStep(t *testing.T) {
	x := make([][]float64, 40)
	y := make([]float64, 40)
	idx := make([]int, 40)
	for i := range x {
		x[i] = []float64{float64(i)}
		if i >= 20 {
			y[i] = 5
		}
		idx[i] = i
	}
	tree := FitTree(x, y, idx, TreeParams{MaxDepth: 3, MinSamplesSplit: 2, MinSamplesLeaf: 1}, nil)

	assert.Equal(t, 0.0, tree.Predict([]float64{3}))
	assert.Equal(t, 5.0, tree.Predict([]float64{30}))
	assert.Equal(t, 1, tree.Depth(), "a clean step needs one split")
	assert.InDelta(t, 19.5, tree.Nodes[0].Threshold, 1e-9)
}

func TestTreeRespectsMinLeaf(t *testing.T) {
	x := [][]float64{{0}, {1}, {2}, {3}, {4}, {5}}
	y := []float64{0, 0, 0, 0, 0, 100}
	idx := []int{0, 1, 2, 3, 4, 5}
	tree := FitTree(x, y, idx, TreeParams{MaxDepth: 5, MinSamplesLeaf: 3}, nil)

	// The outlier cannot be isolated with at least 3 rows per leaf.
	for _, n := range tree.Nodes {
		if n.Feature >= 0 {
			assert.InDelta(t, 2.5, n.Threshold, 1e-9)
		}
	}
}

func TestResidualModel_ElevationSignal(t *testing.T) {
	train := elevationExamples(600, 1)
	test := elevationExamples(150, 2)

	for _, family := range []Family{FamilyRandomForest, FamilyGradientBoosting} {
		t.Run(string(family), func(t *testing.T) {
			m, err := New(family, smallParams())
			require.NoError(t, err)
			require.NoError(t, m.Train(context.Background(), train))

			met, preds, err := m.Evaluate(test)
			require.NoError(t, err)
			assert.Len(t, preds, len(test))
			assert.Greater(t, met.ResidualR2, 0.9)
			assert.Greater(t, met.Improvement, 0.0)
			assert.InDelta(t, met.BaselineRMSE-met.TempRMSE, met.Improvement, 1e-12)
			for _, p := range preds {
				assert.InDelta(t, p.Example.BaselineTemperature+p.PredictedResidual, p.PredictedTemp, 1e-9)
			}

			imp, err := m.FeatureImportance()
			require.NoError(t, err)
			require.Len(t, imp, domain.DefaultSchema.Len())
			assert.Equal(t, domain.FeatureElevation, imp[0].Feature)
		})
	}
}

func TestRandomForest_Deterministic(t *testing.T) {
	train := elevationExamples(200, 3)
	probe := elevationExamples(10, 4)

	fit := func(workers int) []float64 {
		p := smallParams()
		p.Forest.Workers = workers
		m, err := New(FamilyRandomForest, p)
		require.NoError(t, err)
		require.NoError(t, m.Train(context.Background(), train))
		out, err := Predict(m, probe)
		require.NoError(t, err)
		return out
	}
	assert.Equal(t, fit(1), fit(4))
}

func TestPredictFrame_RejectsReorderedFeatures(t *testing.T) {
	m, err := New(FamilyRandomForest, smallParams())
	require.NoError(t, err)
	require.NoError(t, m.Train(context.Background(), elevationExamples(100, 5)))

	names := m.Features()
	names[0], names[1] = names[1], names[0]
	_, err = m.PredictFrame(domain.Frame{Names: names, Rows: [][]float64{make([]float64, len(names))}})
	assert.ErrorIs(t, err, domain.ErrModelContract)

	_, err = m.PredictFrame(domain.Frame{Names: names[:3], Rows: nil})
	assert.ErrorIs(t, err, domain.ErrModelContract)
}

func TestPredict_Untrained(t *testing.T) {
	m, err := New(FamilyGradientBoosting, smallParams())
	require.NoError(t, err)
	_, err = Predict(m, elevationExamples(3, 6))
	assert.ErrorIs(t, err, ErrNotTrained)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	train := elevationExamples(150, 7)
	probe := elevationExamples(20, 8)
	path := filepath.Join(t.TempDir(), "models", "residual.model")

	for _, family := range []Family{FamilyRandomForest, FamilyGradientBoosting} {
		t.Run(string(family), func(t *testing.T) {
			m, err := New(family, smallParams())
			require.NoError(t, err)
			require.NoError(t, m.Train(context.Background(), train))
			require.NoError(t, m.Save(path))

			loaded, err := Load(path, domain.DefaultSchema)
			require.NoError(t, err)
			assert.Equal(t, family, loaded.Family)
			assert.Equal(t, m.Features(), loaded.Features())

			want, err := Predict(m, probe)
			require.NoError(t, err)
			got, err := Predict(loaded, probe)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestLoad_RejectsSchemaMismatch(t *testing.T) {
	m, err := New(FamilyRandomForest, smallParams())
	require.NoError(t, err)
	require.NoError(t, m.Train(context.Background(), elevationExamples(80, 9)))
	path := filepath.Join(t.TempDir(), "m.model")
	require.NoError(t, m.Save(path))

	reordered := domain.FeatureSchema{Version: 1, Names: m.Features()}
	reordered.Names[2], reordered.Names[3] = reordered.Names[3], reordered.Names[2]
	_, err = Load(path, reordered)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.ErrorIs(t, err, domain.ErrModelContract)

	shorter := domain.FeatureSchema{Version: 1, Names: m.Features()[:5]}
	_, err = Load(path, shorter)
	assert.ErrorIs(t, err, domain.ErrModelContract)

	_, err = Load(path, domain.FeatureSchema{Version: 2, Names: m.Features()})
	assert.ErrorIs(t, err, domain.ErrPersistence)
}

func TestLoad_CorruptArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.model")
	require.NoError(t, os.WriteFile(path, []byte("not a model"), 0o644))
	_, err := Load(path, domain.DefaultSchema)
	assert.ErrorIs(t, err, domain.ErrPersistence)

	_, err = Load(filepath.Join(t.TempDir(), "missing.model"), domain.DefaultSchema)
	assert.ErrorIs(t, err, domain.ErrPersistence)
}

func TestParseFamily(t *testing.T) {
	f, err := ParseFamily("gradient_boosting")
	require.NoError(t, err)
	assert.Equal(t, FamilyGradientBoosting, f)

	_, err = ParseFamily("neural_net")
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestMetrics(t *testing.T) {
	a := []float64{1, 2, 3}
	b := []float64{1, 4, 0}
	assert.InDelta(t, 5.0/3, MAE(a, b), 1e-12)
	assert.InDelta(t, 2.0816659994661326, RMSE(a, b), 1e-12)
}
