package dem

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/fhs/go-netcdf/netcdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.ngs.io/heat-downscale/internal/domain"
)

// writeDEM writes a 11x11 grid over [17,18]x[59,60] with elevation 100*lon + 10*lat,
// latitudes stored north to south.
func writeDEM(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dem.nc")
	ds, err := netcdf.CreateFile(path, netcdf.CLOBBER|netcdf.NETCDF4)
	require.NoError(t, err)
	latDim, _ := ds.AddDim("lat", 11)
	lonDim, _ := ds.AddDim("lon", 11)
	latVar, _ := ds.AddVar("lat", netcdf.DOUBLE, []netcdf.Dim{latDim})
	lonVar, _ := ds.AddVar("lon", netcdf.DOUBLE, []netcdf.Dim{lonDim})
	elev, err := ds.AddVar("elevation", netcdf.FLOAT, []netcdf.Dim{latDim, lonDim})
	require.NoError(t, err)
	require.NoError(t, ds.EndDef())

	lats := make([]float64, 11)
	lons := make([]float64, 11)
	for i := range lats {
		lats[i] = 60 - 0.1*float64(i)
		lons[i] = 17 + 0.1*float64(i)
	}
	values := make([]float32, 0, 121)
	for _, lat := range lats {
		for _, lon := range lons {
			values = append(values, float32(100*lon+10*lat))
		}
	}
	require.NoError(t, latVar.WriteFloat64s(lats))
	require.NoError(t, lonVar.WriteFloat64s(lons))
	require.NoError(t, elev.WriteFloat32s(values))
	require.NoError(t, ds.Close())
	return path
}

func TestNetCDFStore(t *testing.T) {
	s := NewNetCDFStore(writeDEM(t), slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, ok := s.Elevation(59.5, 17.5)
	assert.False(t, ok, "nothing loaded yet")

	require.NoError(t, s.Load(domain.BBox{MinLon: 17.3, MinLat: 59.3, MaxLon: 17.6, MaxLat: 59.6}))

	v, ok := s.Elevation(59.45, 17.45)
	require.True(t, ok)
	assert.InDelta(t, 100*17.45+10*59.45, v, 1e-2)

	_, ok = s.Elevation(59.95, 17.95)
	assert.False(t, ok, "outside the loaded subset")
}

func TestConstant(t *testing.T) {
	v, ok := Constant(0).Elevation(10, 10)
	assert.True(t, ok)
	assert.Equal(t, 0.0, v)
}

func TestFindNearestIndex(t *testing.T) {
	asc := []float64{0, 1, 2, 3}
	desc := []float64{3, 2, 1, 0}
	assert.Equal(t, 1, findNearestIndex(asc, 1.2))
	assert.Equal(t, 3, findNearestIndex(asc, 9))
	assert.Equal(t, 2, findNearestIndex(desc, 1.2))
	assert.Equal(t, 0, findNearestIndex(desc, 9))
}
