package raster

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"strconv"
	"strings"

	"golang.org/x/image/tiff"

	"go.ngs.io/heat-downscale/internal/adapter/geo"
)

// GeoTIFF tags.
const (
	tagModelPixelScale    = 33550
	tagModelTiepoint      = 33922
	tagModelTransform     = 34264
	tagGeoKeyDirectory    = 34735
	tagGDALNoData         = 42113
	keyGeographicType     = 2048
	keyProjectedCSType    = 3072
	userDefinedGeoKeyCode = 32767
)

type tiffSource struct {
	raster *Raster
}

// OpenTIFF decodes a single-band GeoTIFF. Georeferencing comes from the GeoTIFF
// tags, or from a .tfw world file and .prj sidecar next to the image.
func OpenTIFF(path string) (Source, error) {
	//nolint:gosec // G304: path comes from the covariate catalogue.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := tiff.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	b := img.Bounds()
	h := Header{Width: b.Dx(), Height: b.Dy()}

	tags, tagErr := readGeoTags(raw)
	switch {
	case tagErr == nil && tags.hasTransform:
		h.Transform = tags.transform
	default:
		gt, err := readWorldFile(sidecar(path, ".tfw"))
		if err != nil {
			return nil, fmt.Errorf("%s has no georeferencing: %w", path, errors.Join(tagErr, err))
		}
		h.Transform = gt
	}

	crsDef := ""
	if tagErr == nil && tags.epsg != 0 {
		crsDef = fmt.Sprintf("EPSG:%d", tags.epsg)
	} else if prj, err := os.ReadFile(sidecar(path, ".prj")); err == nil {
		crsDef = strings.TrimSpace(string(prj))
	}
	if crsDef == "" {
		crsDef = "EPSG:4326"
	}
	if h.CRS, err = geo.ParseCRS(crsDef); err != nil {
		return nil, err
	}
	if tagErr == nil && tags.hasNoData {
		h.NoData, h.HasNoData = tags.noData, true
	}

	r := New(h, 0)
	for y := 0; y < h.Height; y++ {
		for x := 0; x < h.Width; x++ {
			r.Set(y, x, pixelValue(img, b.Min.X+x, b.Min.Y+y))
		}
	}
	return &tiffSource{raster: r}, nil
}

func pixelValue(img image.Image, x, y int) float64 {
	switch m := img.(type) {
	case *image.Gray:
		return float64(m.GrayAt(x, y).Y)
	case *image.Gray16:
		return float64(m.Gray16At(x, y).Y)
	case *image.Paletted:
		return float64(m.ColorIndexAt(x, y))
	}
	return float64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
}

func sidecar(path, ext string) string {
	dot := strings.LastIndex(path, ".")
	if dot < 0 {
		return path + ext
	}
	return path[:dot] + ext
}

// readWorldFile parses the six lines of an ESRI world file, which describe
// pixel-center coordinates, into a corner-based transform.
func readWorldFile(path string) (geo.GeoTransform, error) {
	//nolint:gosec // G304: sidecar of a catalogued raster.
	f, err := os.Open(path)
	if err != nil {
		return geo.GeoTransform{}, err
	}
	defer func() { _ = f.Close() }()

	var vals []float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return geo.GeoTransform{}, fmt.Errorf("world file %s: %w", path, err)
		}
		vals = append(vals, v)
	}
	if err := sc.Err(); err != nil {
		return geo.GeoTransform{}, err
	}
	if len(vals) != 6 {
		return geo.GeoTransform{}, fmt.Errorf("world file %s has %d values, want 6", path, len(vals))
	}
	a, d, bb, e, c, ff := vals[0], vals[1], vals[2], vals[3], vals[4], vals[5]
	return geo.GeoTransform{c - a/2 - bb/2, a, bb, ff - d/2 - e/2, d, e}, nil
}

type geoTags struct {
	transform    geo.GeoTransform
	hasTransform bool
	epsg         int
	noData       float64
	hasNoData    bool
}

type ifdEntry struct {
	typ   uint16
	count uint32
	data  []byte
}

// readGeoTags scans the first IFD of a classic TIFF for GeoTIFF tags.
//
//nolint:gocyclo // Tag decoding is a flat switch.
func readGeoTags(raw []byte) (geoTags, error) {
	var tags geoTags
	if len(raw) < 8 {
		return tags, fmt.Errorf("tiff too short")
	}
	var bo binary.ByteOrder
	switch string(raw[:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return tags, fmt.Errorf("not a tiff")
	}
	if bo.Uint16(raw[2:4]) != 42 {
		return tags, fmt.Errorf("unsupported tiff variant")
	}
	off := int(bo.Uint32(raw[4:8]))
	if off+2 > len(raw) {
		return tags, fmt.Errorf("bad IFD offset")
	}
	n := int(bo.Uint16(raw[off : off+2]))
	entries := make(map[uint16]ifdEntry, n)
	for i := 0; i < n; i++ {
		p := off + 2 + 12*i
		if p+12 > len(raw) {
			return tags, fmt.Errorf("truncated IFD")
		}
		tag := bo.Uint16(raw[p : p+2])
		typ := bo.Uint16(raw[p+2 : p+4])
		count := bo.Uint32(raw[p+4 : p+8])
		ts := typeSize(typ)
		if uint64(count) > uint64(len(raw))/uint64(ts) {
			return tags, fmt.Errorf("IFD entry %d: count %d exceeds file size", tag, count)
		}
		size := int(count) * ts
		var data []byte
		if size <= 4 {
			data = raw[p+8 : p+8+size]
		} else {
			vo := int(bo.Uint32(raw[p+8 : p+12]))
			if vo+size > len(raw) {
				continue
			}
			data = raw[vo : vo+size]
		}
		entries[tag] = ifdEntry{typ: typ, count: count, data: data}
	}

	doubles := func(e ifdEntry) []float64 {
		out := make([]float64, e.count)
		for i := range out {
			out[i] = math.Float64frombits(bo.Uint64(e.data[8*i:]))
		}
		return out
	}

	if e, ok := entries[tagModelTransform]; ok && e.typ == 12 && e.count == 16 {
		m := doubles(e)
		tags.transform = geo.GeoTransform{m[3], m[0], m[1], m[7], m[4], m[5]}
		tags.hasTransform = true
	} else if s, ok := entries[tagModelPixelScale]; ok && s.typ == 12 && s.count >= 2 {
		if tp, ok := entries[tagModelTiepoint]; ok && tp.typ == 12 && tp.count >= 6 {
			scale := doubles(s)
			tie := doubles(tp)
			// Tiepoint (i, j, k, x, y, z) ties raster (i, j) to model (x, y).
			x0 := tie[3] - tie[0]*scale[0]
			y0 := tie[4] + tie[1]*scale[1]
			tags.transform = geo.GeoTransform{x0, scale[0], 0, y0, 0, -scale[1]}
			tags.hasTransform = true
		}
	}

	if e, ok := entries[tagGeoKeyDirectory]; ok && e.typ == 3 && e.count >= 4 {
		keys := make([]uint16, e.count)
		for i := range keys {
			keys[i] = bo.Uint16(e.data[2*i:])
		}
		for i := 4; i+3 < len(keys); i += 4 {
			id, loc, val := keys[i], keys[i+1], keys[i+3]
			if loc != 0 || val == userDefinedGeoKeyCode {
				continue
			}
			if id == keyProjectedCSType || (id == keyGeographicType && tags.epsg == 0) {
				tags.epsg = int(val)
			}
		}
	}

	if e, ok := entries[tagGDALNoData]; ok && e.typ == 2 {
		s := strings.TrimRight(string(e.data), "\x00 ")
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			tags.noData, tags.hasNoData = v, true
		}
	}
	return tags, nil
}

func typeSize(typ uint16) int {
	switch typ {
	case 1, 2, 6, 7:
		return 1
	case 3, 8:
		return 2
	case 4, 9, 11:
		return 4
	case 5, 10, 12:
		return 8
	}
	return 1
}

func (s *tiffSource) Header() Header { return s.raster.Header }

func (s *tiffSource) ReadWindow(w geo.Window) (*Raster, error) {
	if err := checkWindow(s.raster.Header, w); err != nil {
		return nil, err
	}
	h := s.raster.Header
	h.Width, h.Height = w.Cols, w.Rows
	h.Transform = s.raster.Transform.Shift(w.RowOff, w.ColOff)
	out := New(h, 0)
	for r := 0; r < w.Rows; r++ {
		src := s.raster.Data[(w.RowOff+r)*s.raster.Width+w.ColOff:]
		copy(out.Data[r*w.Cols:(r+1)*w.Cols], src[:w.Cols])
	}
	return out, nil
}

func (s *tiffSource) ReadPixel(row, col int) (float64, error) {
	if err := checkPixel(s.raster.Header, row, col); err != nil {
		return 0, err
	}
	return s.raster.At(row, col), nil
}

func (s *tiffSource) Close() error { return nil }
