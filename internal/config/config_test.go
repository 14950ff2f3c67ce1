package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ngs.io/heat-downscale/internal/domain"
)

type testCLI struct {
	Paths    Paths    `embed:""`
	Dataset  Dataset  `embed:""`
	Training Training `embed:""`
}

func parse(t *testing.T, args ...string) testCLI {
	t.Helper()
	var cli testCLI
	p, err := kong.New(&cli, kong.Vars(Vars()), kong.Exit(func(int) { t.Fatal("kong exited") }))
	require.NoError(t, err)
	_, err = p.Parse(args)
	require.NoError(t, err)
	return cli
}

func TestDefaults(t *testing.T) {
	cli := parse(t)
	assert.Equal(t, "SE", cli.Dataset.Country)
	assert.Equal(t, "2m_temperature_daily_maximum", cli.Dataset.Variable)
	assert.Equal(t, 0.2, cli.Training.TestSize)
	assert.EqualValues(t, 42, cli.Training.Seed)
	require.NoError(t, cli.Dataset.Validate())
	require.NoError(t, cli.Training.Validate())

	p := cli.Training.ModelParams()
	assert.Equal(t, 200, p.Forest.Trees)
	assert.Equal(t, 15, p.Forest.Tree.MaxDepth)
	assert.Equal(t, 8, p.Boosting.Tree.MaxDepth)
	assert.Equal(t, 5, p.Forest.Tree.MinSamplesLeaf)

	paths := cli.Paths.Resolve()
	assert.Equal(t, filepath.Join("data", "ECA_blend_tx", "stations.txt"), paths.StationsPath())
	assert.Equal(t, filepath.Join("results", "residual_model.bin"), paths.Model)
}

func TestEnvBinding(t *testing.T) {
	t.Setenv("DOWNSCALE_COUNTRY", "FI")
	t.Setenv("DOWNSCALE_FAMILY", "gradient_boosting")
	t.Setenv("DOWNSCALE_MAX_DEPTH", "6")

	cli := parse(t, "--test-size=0.3")
	assert.Equal(t, "FI", cli.Dataset.Country)
	assert.Equal(t, "gradient_boosting", cli.Training.Family)
	assert.Equal(t, 0.3, cli.Training.TestSize)
	assert.Equal(t, 6, cli.Training.ModelParams().Boosting.Tree.MaxDepth)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		fn   func() error
	}{
		{"reversed dates", Dataset{Country: "SE", Start: "2023-02-01", End: "2023-01-01", Variable: "v"}.Validate},
		{"bad date", Dataset{Country: "SE", Start: "2023-13-01", End: "2023-12-01", Variable: "v"}.Validate},
		{"long country", Dataset{Country: "SWE", Start: "2023-01-01", End: "2023-01-02", Variable: "v"}.Validate},
		{"test size", func() error {
			tr := parse(t).Training
			tr.TestSize = 1
			return tr.Validate()
		}},
		{"family", func() error {
			tr := parse(t).Training
			tr.Family = "xgb"
			return tr.Validate()
		}},
		{"bbox shape", Inference{Start: "2023-07-01", End: "2023-07-02", BBox: []float64{1, 2, 3}}.Validate},
		{"bbox order", Inference{Start: "2023-07-01", End: "2023-07-02", BBox: []float64{10, 50, 5, 55}}.Validate},
		{"region", Inference{Start: "2023-07-01", End: "2023-07-02", Region: "XX"}.Validate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.fn(), domain.ErrConfig)
		})
	}
}

func TestInferenceBox(t *testing.T) {
	box, ok, err := Inference{Region: "de"}.Box()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Regions["DE"], box)

	box, ok, err = Inference{Region: "DE", BBox: []float64{2.2, 48.8, 2.5, 48.9}}.Box()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.BBox{MinLon: 2.2, MinLat: 48.8, MaxLon: 2.5, MaxLat: 48.9}, box)

	_, ok, err = Inference{}.Box()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateInputs(t *testing.T) {
	dir := t.TempDir()
	p := Paths{DataDir: dir, OutputDir: dir}.Resolve()
	assert.ErrorIs(t, p.ValidateInputs(true), domain.ErrConfig)

	for _, d := range []string{p.Stations, p.ERA5, p.NDVI} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	require.NoError(t, os.WriteFile(p.StationsPath(), nil, 0o644))
	assert.NoError(t, p.ValidateInputs(true))
}
