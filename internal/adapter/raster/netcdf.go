package raster

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/fhs/go-netcdf/netcdf"

	"go.ngs.io/heat-downscale/internal/adapter/geo"
	"go.ngs.io/heat-downscale/internal/adapter/ncfile"
)

// NetCDF rasters follow the GDAL layout: a 2D (y, x) data variable whose
// grid_mapping attribute names a scalar variable carrying spatial_ref and
// GeoTransform attributes.
const (
	defaultBand    = "Band1"
	gridMappingVar = "crs"
)

type netcdfSource struct {
	mu     sync.Mutex
	ds     netcdf.Dataset
	v      netcdf.Var
	header Header
	// flipY is set when the file stores the bottom row first.
	flipY bool
}

// OpenNetCDF opens a GDAL-convention NetCDF raster.
func OpenNetCDF(path string) (Source, error) {
	ds, err := ncfile.Open(path)
	if err != nil {
		return nil, err
	}
	src, err := newNetCDFSource(ds)
	if err != nil {
		_ = ds.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return src, nil
}

//nolint:gocyclo // Header assembly walks several optional attributes.
func newNetCDFSource(ds netcdf.Dataset) (*netcdfSource, error) {
	v, err := ds.Var(defaultBand)
	if err != nil {
		return nil, fmt.Errorf("data variable %s not found: %w", defaultBand, err)
	}
	shape, err := ncfile.Shape(v)
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 {
		return nil, fmt.Errorf("expected 2D data variable, got %dD", len(shape))
	}
	h := Header{Height: int(shape[0]), Width: int(shape[1])} //nolint:gosec // G115: dimension lengths fit in int.

	if nd, ok := ncfile.AttrFloat64(v.Attr("_FillValue")); ok {
		h.NoData, h.HasNoData = nd, true
	}

	mappingName := ncfile.AttrText(v.Attr("grid_mapping"))
	if mappingName == "" {
		mappingName = gridMappingVar
	}
	mapping, mapErr := ds.Var(mappingName)

	crsDef := ""
	var gtText string
	if mapErr == nil {
		for _, attr := range []string{"epsg_code", "spatial_ref", "crs_wkt"} {
			if crsDef = ncfile.AttrText(mapping.Attr(attr)); crsDef != "" {
				break
			}
		}
		gtText = ncfile.AttrText(mapping.Attr("GeoTransform"))
	}
	if crsDef == "" {
		crsDef = "EPSG:4326"
	}
	h.CRS, err = geo.ParseCRS(crsDef)
	if err != nil {
		return nil, err
	}

	ys, yErr := readCoord(ds, "y", "lat", "latitude")
	if yErr == nil && len(ys) != h.Height {
		return nil, fmt.Errorf("y axis has %d values, data has %d rows", len(ys), h.Height)
	}
	flipY := yErr == nil && len(ys) > 1 && ys[1] > ys[0]

	switch {
	case gtText != "":
		h.Transform, err = parseGeoTransform(gtText)
		if err != nil {
			return nil, err
		}
	case yErr == nil:
		xs, err := readCoord(ds, "x", "lon", "longitude")
		if err != nil {
			return nil, fmt.Errorf("no GeoTransform and no x axis: %w", err)
		}
		h.Transform, err = transformFromAxes(xs, ys)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("no GeoTransform attribute and no coordinate axes")
	}

	return &netcdfSource{ds: ds, v: v, header: h, flipY: flipY}, nil
}

func readCoord(ds netcdf.Dataset, names ...string) ([]float64, error) {
	v, _, err := ncfile.FindVar(ds, names...)
	if err != nil {
		return nil, err
	}
	return ncfile.ReadAxis(v)
}

func parseGeoTransform(s string) (geo.GeoTransform, error) {
	fields := strings.Fields(s)
	if len(fields) != 6 {
		return geo.GeoTransform{}, fmt.Errorf("GeoTransform %q needs 6 values", s)
	}
	var gt geo.GeoTransform
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return geo.GeoTransform{}, fmt.Errorf("GeoTransform %q: %w", s, err)
		}
		gt[i] = v
	}
	return gt, nil
}

func formatGeoTransform(gt geo.GeoTransform) string {
	parts := make([]string, len(gt))
	for i, v := range gt {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

// transformFromAxes derives a north-up transform from regular pixel-center axes.
func transformFromAxes(xs, ys []float64) (geo.GeoTransform, error) {
	if len(xs) < 2 || len(ys) < 2 {
		return geo.GeoTransform{}, fmt.Errorf("need at least 2 points per axis to derive a transform")
	}
	dx := xs[1] - xs[0]
	dy := math.Abs(ys[1] - ys[0])
	top := math.Max(ys[0], ys[len(ys)-1])
	return geo.GeoTransform{xs[0] - dx/2, dx, 0, top + dy/2, 0, -dy}, nil
}

func (s *netcdfSource) Header() Header { return s.header }

func (s *netcdfSource) ReadWindow(w geo.Window) (*Raster, error) {
	if err := checkWindow(s.header, w); err != nil {
		return nil, err
	}
	fileRow := w.RowOff
	if s.flipY {
		fileRow = s.header.Height - w.RowOff - w.Rows
	}

	s.mu.Lock()
	data, err := ncfile.ReadSlice(s.v,
		[]uint64{uint64(fileRow), uint64(w.ColOff)}, //nolint:gosec // G115: checked non-negative.
		[]uint64{uint64(w.Rows), uint64(w.Cols)})    //nolint:gosec // G115: checked non-negative.
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if s.flipY {
		for top, bottom := 0, w.Rows-1; top < bottom; top, bottom = top+1, bottom-1 {
			a := data[top*w.Cols : (top+1)*w.Cols]
			b := data[bottom*w.Cols : (bottom+1)*w.Cols]
			for i := range a {
				a[i], b[i] = b[i], a[i]
			}
		}
	}

	h := s.header
	h.Width, h.Height = w.Cols, w.Rows
	h.Transform = s.header.Transform.Shift(w.RowOff, w.ColOff)
	if h.HasNoData {
		// ReadSlice maps fill values to NaN; restore the declared sentinel.
		for i, v := range data {
			if math.IsNaN(v) {
				data[i] = h.NoData
			}
		}
	}
	return &Raster{Header: h, Data: data}, nil
}

func (s *netcdfSource) ReadPixel(row, col int) (float64, error) {
	r, err := s.ReadWindow(geo.Window{RowOff: row, ColOff: col, Rows: 1, Cols: 1})
	if err != nil {
		return 0, err
	}
	return r.Data[0], nil
}

func (s *netcdfSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ds.Close()
}

// DataType selects the on-disk type of a written raster.
type DataType int

const (
	// Float32 stores values as NetCDF FLOAT.
	Float32 DataType = iota
	// Uint8 stores values as NetCDF UBYTE.
	Uint8
)

// WriteOptions controls WriteNetCDF.
type WriteOptions struct {
	Type      DataType
	LongName  string
	Units     string
	Variable  string // Defaults to Band1.
	Attribute map[string]string
}

// WriteNetCDF writes r as a GDAL-convention NetCDF raster, top row first.
//
//nolint:gocyclo // Define-mode setup is a flat sequence of checked calls.
func WriteNetCDF(path string, r *Raster, opts WriteOptions) (err error) {
	if len(r.Data) != r.Width*r.Height {
		return fmt.Errorf("raster data has %d values, want %d", len(r.Data), r.Width*r.Height)
	}
	name := opts.Variable
	if name == "" {
		name = defaultBand
	}

	ds, err := netcdf.CreateFile(path, netcdf.CLOBBER|netcdf.NETCDF4)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := ds.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", path, cerr)
		}
	}()

	yDim, err := ds.AddDim("y", uint64(r.Height)) //nolint:gosec // G115: sizes are non-negative.
	if err != nil {
		return fmt.Errorf("failed to add y dimension: %w", err)
	}
	xDim, err := ds.AddDim("x", uint64(r.Width)) //nolint:gosec // G115: sizes are non-negative.
	if err != nil {
		return fmt.Errorf("failed to add x dimension: %w", err)
	}
	yVar, err := ds.AddVar("y", netcdf.DOUBLE, []netcdf.Dim{yDim})
	if err != nil {
		return fmt.Errorf("failed to add y variable: %w", err)
	}
	xVar, err := ds.AddVar("x", netcdf.DOUBLE, []netcdf.Dim{xDim})
	if err != nil {
		return fmt.Errorf("failed to add x variable: %w", err)
	}
	crsVar, err := ds.AddVar(gridMappingVar, netcdf.CHAR, nil)
	if err != nil {
		return fmt.Errorf("failed to add crs variable: %w", err)
	}
	if r.CRS != nil {
		spatialRef := r.CRS.Def
		if wkt := r.CRS.WKT(); wkt != "" {
			spatialRef = wkt
			if err := crsVar.Attr("crs_wkt").WriteBytes([]byte(wkt)); err != nil {
				return fmt.Errorf("failed to write crs_wkt: %w", err)
			}
		}
		if err := crsVar.Attr("spatial_ref").WriteBytes([]byte(spatialRef)); err != nil {
			return fmt.Errorf("failed to write spatial_ref: %w", err)
		}
		if r.CRS.EPSG != 0 {
			code := fmt.Sprintf("EPSG:%d", r.CRS.EPSG)
			if err := crsVar.Attr("epsg_code").WriteBytes([]byte(code)); err != nil {
				return fmt.Errorf("failed to write epsg_code: %w", err)
			}
		}
	}
	if err := crsVar.Attr("GeoTransform").WriteBytes([]byte(formatGeoTransform(r.Transform))); err != nil {
		return fmt.Errorf("failed to write GeoTransform: %w", err)
	}

	varType := netcdf.FLOAT
	if opts.Type == Uint8 {
		varType = netcdf.UBYTE
	}
	band, err := ds.AddVar(name, varType, []netcdf.Dim{yDim, xDim})
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if err := band.Attr("grid_mapping").WriteBytes([]byte(gridMappingVar)); err != nil {
		return fmt.Errorf("failed to write grid_mapping: %w", err)
	}
	if r.HasNoData {
		if opts.Type == Uint8 {
			err = band.Attr("_FillValue").WriteUint8s([]uint8{uint8(r.NoData)})
		} else {
			err = band.Attr("_FillValue").WriteFloat32s([]float32{float32(r.NoData)})
		}
		if err != nil {
			return fmt.Errorf("failed to write _FillValue: %w", err)
		}
	}
	for key, val := range map[string]string{"long_name": opts.LongName, "units": opts.Units} {
		if val == "" {
			continue
		}
		if err := band.Attr(key).WriteBytes([]byte(val)); err != nil {
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
	}
	for key, val := range opts.Attribute {
		if err := ds.Attr(key).WriteBytes([]byte(val)); err != nil {
			return fmt.Errorf("failed to write global attribute %s: %w", key, err)
		}
	}

	if err := ds.EndDef(); err != nil {
		return fmt.Errorf("failed to end define mode: %w", err)
	}

	xs := make([]float64, r.Width)
	for c := range xs {
		xs[c], _ = r.Transform.PixelCenter(0, c)
	}
	ys := make([]float64, r.Height)
	for row := range ys {
		_, ys[row] = r.Transform.PixelCenter(row, 0)
	}
	if err := xVar.WriteFloat64s(xs); err != nil {
		return fmt.Errorf("failed to write x: %w", err)
	}
	if err := yVar.WriteFloat64s(ys); err != nil {
		return fmt.Errorf("failed to write y: %w", err)
	}

	if opts.Type == Uint8 {
		buf := make([]uint8, len(r.Data))
		for i, v := range r.Data {
			buf[i] = uint8(math.Max(0, math.Min(255, math.Round(v))))
		}
		err = band.WriteUint8s(buf)
	} else {
		buf := make([]float32, len(r.Data))
		for i, v := range r.Data {
			if math.IsNaN(v) && r.HasNoData {
				v = r.NoData
			}
			buf[i] = float32(v)
		}
		err = band.WriteFloat32s(buf)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
