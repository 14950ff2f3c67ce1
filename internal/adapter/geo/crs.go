package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ctessum/geom/proj"
)

// WGS84Def is the proj4 definition of geographic WGS84.
const WGS84Def = "+proj=longlat +datum=WGS84 +no_defs"

// epsgDefs covers the projections covariate rasters are delivered in.
var epsgDefs = map[int]string{
	4326: WGS84Def,
	4258: "+proj=longlat +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +no_defs",
	3857: "+proj=merc +a=6378137 +b=6378137 +lat_ts=0 +lon_0=0 +x_0=0 +y_0=0 +k=1 +units=m +no_defs",
	3035: "+proj=laea +lat_0=52 +lon_0=10 +x_0=4321000 +y_0=3210000 +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +units=m +no_defs",
	3006: "+proj=utm +zone=33 +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +units=m +no_defs",
	2154: "+proj=lcc +lat_0=46.5 +lon_0=3 +lat_1=49 +lat_2=44 +x_0=700000 +y_0=6600000 +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +units=m +no_defs",
}

// CRS is a parsed coordinate reference system.
type CRS struct {
	Def  string // Original definition: "EPSG:n", proj4 or WKT.
	EPSG int    // 0 when unknown.
	sr   *proj.SR
}

// ParseCRS accepts "EPSG:n", a proj4 string or WKT.
func ParseCRS(def string) (*CRS, error) {
	def = strings.TrimSpace(def)
	if def == "" {
		return nil, fmt.Errorf("empty CRS definition")
	}

	c := &CRS{Def: def}
	projDef := def
	if code, ok := epsgCode(def); ok {
		d, err := EPSGDef(code)
		if err != nil {
			return nil, err
		}
		c.EPSG = code
		projDef = d
	}

	sr, err := proj.Parse(projDef)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRS %q: %w", def, err)
	}
	c.sr = sr
	return c, nil
}

// EPSGDef returns the proj4 string for an EPSG code.
func EPSGDef(code int) (string, error) {
	if d, ok := epsgDefs[code]; ok {
		return d, nil
	}
	switch {
	case code > 32600 && code <= 32660:
		return fmt.Sprintf("+proj=utm +zone=%d +datum=WGS84 +units=m +no_defs", code-32600), nil
	case code > 32700 && code <= 32760:
		return fmt.Sprintf("+proj=utm +zone=%d +south +datum=WGS84 +units=m +no_defs", code-32700), nil
	}
	return "", fmt.Errorf("unsupported EPSG code %d", code)
}

func epsgCode(def string) (int, bool) {
	upper := strings.ToUpper(def)
	if !strings.HasPrefix(upper, "EPSG:") {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(def[5:]))
	if err != nil {
		return 0, false
	}
	return code, true
}

// WGS84 returns geographic WGS84.
func WGS84() *CRS {
	c, err := ParseCRS("EPSG:4326")
	if err != nil {
		panic(err)
	}
	return c
}

// IsGeographic reports whether coordinates are longitude/latitude degrees.
func (c *CRS) IsGeographic() bool {
	return c.sr != nil && c.sr.Name == "longlat"
}

func (c *CRS) String() string { return c.Def }

// Transformer converts coordinates between two reference systems.
type Transformer struct {
	fn       proj.Transformer
	identity bool
}

// NewTransformer builds a transformer from src to dst. Identical geographic
// systems short-circuit to the identity.
func NewTransformer(src, dst *CRS) (*Transformer, error) {
	if src.IsGeographic() && dst.IsGeographic() && sameDatum(src, dst) {
		return &Transformer{identity: true}, nil
	}
	fn, err := src.sr.NewTransform(dst.sr)
	if err != nil {
		return nil, fmt.Errorf("failed to build transform %s -> %s: %w", src, dst, err)
	}
	return &Transformer{fn: fn}, nil
}

func sameDatum(a, b *CRS) bool {
	if a.EPSG != 0 && a.EPSG == b.EPSG {
		return true
	}
	return a.Def == b.Def
}

// Transform converts one point.
func (t *Transformer) Transform(x, y float64) (float64, float64, error) {
	if t.identity {
		return x, y, nil
	}
	tx, ty, err := t.fn(x, y)
	if err != nil {
		return 0, 0, err
	}
	if math.IsNaN(tx) || math.IsNaN(ty) || math.IsInf(tx, 0) || math.IsInf(ty, 0) {
		return 0, 0, fmt.Errorf("point (%g, %g) has no image", x, y)
	}
	return tx, ty, nil
}

// TransformBounds reprojects a box by sampling each edge, returning the
// enclosing box in the destination system.
func (t *Transformer) TransformBounds(minX, minY, maxX, maxY float64) (float64, float64, float64, float64, error) {
	if t.identity {
		return minX, minY, maxX, maxY, nil
	}
	const steps = 21
	oMinX, oMinY := math.Inf(1), math.Inf(1)
	oMaxX, oMaxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i < steps; i++ {
		f := float64(i) / (steps - 1)
		x := minX + f*(maxX-minX)
		y := minY + f*(maxY-minY)
		for _, p := range [4][2]float64{{x, minY}, {x, maxY}, {minX, y}, {maxX, y}} {
			tx, ty, err := t.Transform(p[0], p[1])
			if err != nil {
				return 0, 0, 0, 0, err
			}
			oMinX, oMaxX = math.Min(oMinX, tx), math.Max(oMaxX, tx)
			oMinY, oMaxY = math.Min(oMinY, ty), math.Max(oMaxY, ty)
		}
	}
	return oMinX, oMinY, oMaxX, oMaxY, nil
}
