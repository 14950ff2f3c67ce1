// Package ncfile holds the NetCDF reading helpers shared by the grid stores.
package ncfile

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fhs/go-netcdf/netcdf"
)

// Latitude and longitude variable names tried in order.
var (
	LatNames = []string{"latitude", "lat", "y"}
	LonNames = []string{"longitude", "lon", "x"}
)

// Open opens path read-only. Transient failures are retried for a few seconds so
// FUSE-mounted archives can settle; a missing file fails immediately with an
// error matching fs.ErrNotExist.
func Open(path string) (netcdf.Dataset, error) {
	var ds netcdf.Dataset
	operation := func() error {
		if _, err := os.Stat(path); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		ds, err = netcdf.OpenFile(path, netcdf.NOWRITE)
		if err != nil {
			return fmt.Errorf("failed to open NetCDF file %s: %w", path, err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second
	if err := backoff.Retry(operation, bo); err != nil {
		return netcdf.Dataset{}, err
	}
	return ds, nil
}

// FindVar returns the first variable present among names.
func FindVar(ds netcdf.Dataset, names ...string) (netcdf.Var, string, error) {
	for _, name := range names {
		v, err := ds.Var(name)
		if err == nil {
			return v, name, nil
		}
	}
	return netcdf.Var{}, "", fmt.Errorf("none of the variables %v found", names)
}

// Shape returns the length of each dimension of v.
func Shape(v netcdf.Var) ([]uint64, error) {
	dims, err := v.Dims()
	if err != nil {
		return nil, fmt.Errorf("failed to get dimensions: %w", err)
	}
	shape := make([]uint64, len(dims))
	for i, d := range dims {
		n, err := d.Len()
		if err != nil {
			return nil, fmt.Errorf("failed to get dimension %d length: %w", i, err)
		}
		shape[i] = n
	}
	return shape, nil
}

// ReadAxis reads a whole 1D coordinate variable as float64.
func ReadAxis(v netcdf.Var) ([]float64, error) {
	shape, err := Shape(v)
	if err != nil {
		return nil, err
	}
	if len(shape) != 1 {
		return nil, fmt.Errorf("expected 1D variable, got %dD", len(shape))
	}
	return readRaw(v, []uint64{0}, shape)
}

// ReadSlice reads the hyperslab [start, start+count) of v as float64. Fill and
// missing values become NaN; scale_factor and add_offset are applied.
func ReadSlice(v netcdf.Var, start, count []uint64) ([]float64, error) {
	data, err := readRaw(v, start, count)
	if err != nil {
		return nil, err
	}

	fills := fillValues(v)
	scale, hasScale := AttrFloat64(v.Attr("scale_factor"))
	offset, hasOffset := AttrFloat64(v.Attr("add_offset"))
	for i, raw := range data {
		if isFill(raw, fills) {
			data[i] = math.NaN()
			continue
		}
		if hasScale {
			raw *= scale
		}
		if hasOffset {
			raw += offset
		}
		data[i] = raw
	}
	return data, nil
}

func isFill(v float64, fills []float64) bool {
	if math.IsNaN(v) {
		return true
	}
	for _, f := range fills {
		if v == f {
			return true
		}
	}
	return false
}

func fillValues(v netcdf.Var) []float64 {
	var fills []float64
	for _, name := range []string{"_FillValue", "missing_value"} {
		if f, ok := AttrFloat64(v.Attr(name)); ok {
			fills = append(fills, f)
		}
	}
	return fills
}

func count(c []uint64) int {
	n := 1
	for _, v := range c {
		n *= int(v) //nolint:gosec // G115: NetCDF dimension lengths fit in int.
	}
	return n
}

//nolint:gocyclo // One branch per NetCDF storage type.
func readRaw(v netcdf.Var, start, cnt []uint64) ([]float64, error) {
	varType, err := v.Type()
	if err != nil {
		return nil, fmt.Errorf("failed to get variable type: %w", err)
	}

	n := count(cnt)
	out := make([]float64, n)
	switch varType {
	case netcdf.DOUBLE:
		if err := v.ReadFloat64Slice(out, start, cnt); err != nil {
			return nil, fmt.Errorf("failed to read float64 slice: %w", err)
		}
	case netcdf.FLOAT:
		buf := make([]float32, n)
		if err := v.ReadFloat32Slice(buf, start, cnt); err != nil {
			return nil, fmt.Errorf("failed to read float32 slice: %w", err)
		}
		for i, x := range buf {
			out[i] = float64(x)
		}
	case netcdf.INT:
		buf := make([]int32, n)
		if err := v.ReadInt32Slice(buf, start, cnt); err != nil {
			return nil, fmt.Errorf("failed to read int32 slice: %w", err)
		}
		for i, x := range buf {
			out[i] = float64(x)
		}
	case netcdf.SHORT:
		buf := make([]int16, n)
		if err := v.ReadInt16Slice(buf, start, cnt); err != nil {
			return nil, fmt.Errorf("failed to read int16 slice: %w", err)
		}
		for i, x := range buf {
			out[i] = float64(x)
		}
	case netcdf.UBYTE:
		buf := make([]uint8, n)
		if err := v.ReadUint8Slice(buf, start, cnt); err != nil {
			return nil, fmt.Errorf("failed to read uint8 slice: %w", err)
		}
		for i, x := range buf {
			out[i] = float64(x)
		}
	case netcdf.BYTE:
		buf := make([]int8, n)
		if err := v.ReadInt8Slice(buf, start, cnt); err != nil {
			return nil, fmt.Errorf("failed to read int8 slice: %w", err)
		}
		unsigned := AttrText(v.Attr("_Unsigned")) == "true"
		for i, x := range buf {
			if unsigned {
				out[i] = float64(uint8(x))
			} else {
				out[i] = float64(x)
			}
		}
	case netcdf.INT64:
		buf := make([]int64, n)
		if err := v.ReadInt64Slice(buf, start, cnt); err != nil {
			return nil, fmt.Errorf("failed to read int64 slice: %w", err)
		}
		for i, x := range buf {
			out[i] = float64(x)
		}
	default:
		return nil, fmt.Errorf("unsupported data type: %v", varType)
	}
	return out, nil
}

// AttrFloat64 reads the first numeric element of a.
func AttrFloat64(a netcdf.Attr) (float64, bool) {
	n, err := a.Len()
	if err != nil || n == 0 {
		return 0, false
	}
	t, err := a.Type()
	if err != nil {
		return 0, false
	}
	switch t {
	case netcdf.DOUBLE:
		buf := make([]float64, n)
		if a.ReadFloat64s(buf) == nil {
			return buf[0], true
		}
	case netcdf.FLOAT:
		buf := make([]float32, n)
		if a.ReadFloat32s(buf) == nil {
			return float64(buf[0]), true
		}
	case netcdf.INT:
		buf := make([]int32, n)
		if a.ReadInt32s(buf) == nil {
			return float64(buf[0]), true
		}
	case netcdf.SHORT:
		buf := make([]int16, n)
		if a.ReadInt16s(buf) == nil {
			return float64(buf[0]), true
		}
	case netcdf.UBYTE:
		buf := make([]uint8, n)
		if a.ReadUint8s(buf) == nil {
			return float64(buf[0]), true
		}
	case netcdf.BYTE:
		buf := make([]int8, n)
		if a.ReadInt8s(buf) == nil {
			return float64(buf[0]), true
		}
	}
	return 0, false
}

// AttrFloat64s reads every element of a numeric attribute.
func AttrFloat64s(a netcdf.Attr) ([]float64, error) {
	n, err := a.Len()
	if err != nil {
		return nil, err
	}
	buf := make([]float64, n)
	if err := a.ReadFloat64s(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// AttrText reads a character attribute, or "" when absent.
func AttrText(a netcdf.Attr) string {
	n, err := a.Len()
	if err != nil || n == 0 {
		return ""
	}
	buf := make([]byte, n)
	if err := a.ReadBytes(buf); err != nil {
		return ""
	}
	// Strip the trailing NUL some writers include.
	for len(buf) > 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf)
}
