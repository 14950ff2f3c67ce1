package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeoTransformRoundTrip(t *testing.T) {
	gt := GeoTransform{500000, 100, 0, 6600000, 0, -100}

	x, y := gt.PixelCenter(0, 0)
	assert.Equal(t, 500050.0, x)
	assert.Equal(t, 6599950.0, y)

	row, col, err := gt.PixelAt(x, y)
	require.NoError(t, err)
	assert.Equal(t, 0, row)
	assert.Equal(t, 0, col)

	row, col, err = gt.PixelAt(500250, 6599650)
	require.NoError(t, err)
	assert.Equal(t, 3, row)
	assert.Equal(t, 2, col)

	_, _, err = GeoTransform{}.Invert(1, 1)
	assert.Error(t, err)
}

func TestWindowFromBounds(t *testing.T) {
	gt := GeoTransform{10, 0.1, 0, 60, 0, -0.1}

	w, err := gt.WindowFromBounds(10.25, 59.5, 10.55, 59.8, 100, 100)
	require.NoError(t, err)
	assert.Equal(t, Window{RowOff: 2, ColOff: 2, Rows: 3, Cols: 4}, w)

	shifted := gt.Shift(w.RowOff, w.ColOff)
	assert.InDelta(t, 10.2, shifted[0], 1e-12)
	assert.InDelta(t, 59.8, shifted[3], 1e-12)

	w, err = gt.WindowFromBounds(9.5, 59.9, 10.05, 60.5, 100, 100)
	require.NoError(t, err)
	assert.Equal(t, Window{RowOff: 0, ColOff: 0, Rows: 1, Cols: 1}, w)

	_, err = gt.WindowFromBounds(30, 30, 31, 31, 100, 100)
	assert.Error(t, err)
}

func TestParseCRS(t *testing.T) {
	wgs, err := ParseCRS("EPSG:4326")
	require.NoError(t, err)
	assert.True(t, wgs.IsGeographic())
	assert.Equal(t, 4326, wgs.EPSG)

	utm, err := ParseCRS("epsg:32633")
	require.NoError(t, err)
	assert.False(t, utm.IsGeographic())

	_, err = ParseCRS("EPSG:999999")
	assert.Error(t, err)
	_, err = ParseCRS("")
	assert.Error(t, err)
}

func TestTransformerUTM(t *testing.T) {
	utm, err := ParseCRS("EPSG:32633")
	require.NoError(t, err)

	fwd, err := NewTransformer(WGS84(), utm)
	require.NoError(t, err)
	// The central meridian of zone 33 maps to the false easting.
	x, y, err := fwd.Transform(15, 0)
	require.NoError(t, err)
	assert.InDelta(t, 500000, x, 1e-3)
	assert.InDelta(t, 0, y, 1e-3)

	inv, err := NewTransformer(utm, WGS84())
	require.NoError(t, err)
	fx, fy, err := fwd.Transform(18.07, 59.33)
	require.NoError(t, err)
	lon, lat, err := inv.Transform(fx, fy)
	require.NoError(t, err)
	assert.InDelta(t, 18.07, lon, 1e-6)
	assert.InDelta(t, 59.33, lat, 1e-6)
}

func TestTransformerIdentity(t *testing.T) {
	tr, err := NewTransformer(WGS84(), WGS84())
	require.NoError(t, err)
	minX, minY, maxX, maxY, err := tr.TransformBounds(10, 55, 25, 70)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 55, 25, 70}, []float64{minX, minY, maxX, maxY})
}

func TestCRSWKT(t *testing.T) {
	wgs := WGS84().WKT()
	assert.Contains(t, wgs, `GEOGCS["WGS 84"`)
	assert.Contains(t, wgs, `AUTHORITY["EPSG","4326"]`)
	parsed, err := ParseCRS(wgs)
	require.NoError(t, err)
	assert.True(t, parsed.IsGeographic())

	utm, err := ParseCRS("EPSG:32633")
	require.NoError(t, err)
	wkt := utm.WKT()
	assert.Contains(t, wkt, `PROJCS["WGS 84 / UTM zone 33N"`)
	assert.Contains(t, wkt, `PARAMETER["central_meridian",15]`)
	assert.Contains(t, wkt, `AUTHORITY["EPSG","32633"]`)

	fromWKT, err := ParseCRS(wkt)
	require.NoError(t, err)
	assert.False(t, fromWKT.IsGeographic())
	want, err := NewTransformer(WGS84(), utm)
	require.NoError(t, err)
	got, err := NewTransformer(WGS84(), fromWKT)
	require.NoError(t, err)
	wx, wy, err := want.Transform(18.07, 59.33)
	require.NoError(t, err)
	gx, gy, err := got.Transform(18.07, 59.33)
	require.NoError(t, err)
	assert.InDelta(t, wx, gx, 1e-3)
	assert.InDelta(t, wy, gy, 1e-3)

	south, err := ParseCRS("EPSG:32733")
	require.NoError(t, err)
	assert.Contains(t, south.WKT(), `PARAMETER["false_northing",10000000]`)

	lambert, err := ParseCRS("EPSG:2154")
	require.NoError(t, err)
	assert.Contains(t, lambert.WKT(), `PROJECTION["Lambert_Conformal_Conic_2SP"]`)

	custom, err := ParseCRS("+proj=utm +zone=34 +datum=WGS84 +units=m +no_defs")
	require.NoError(t, err)
	assert.Empty(t, custom.WKT())
	assert.Equal(t, wkt, fromWKT.WKT())
}
