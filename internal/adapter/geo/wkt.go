package geo

import (
	"fmt"
	"strconv"
	"strings"
)

type geogCS struct {
	name, datum, spheroid string
	a, rf                 float64
	towgs84               bool
	epsg, datumEPSG       int
}

var (
	wgs84GeogCS = geogCS{name: "WGS 84", datum: "WGS_1984", spheroid: "WGS 84",
		a: 6378137, rf: 298.257223563, epsg: 4326, datumEPSG: 6326}
	etrs89GeogCS = geogCS{name: "ETRS89", datum: "European_Terrestrial_Reference_System_1989", spheroid: "GRS 1980",
		a: 6378137, rf: 298.257222101, towgs84: true, epsg: 4258, datumEPSG: 6258}
	sweref99GeogCS = geogCS{name: "SWEREF99", datum: "SWEREF99", spheroid: "GRS 1980",
		a: 6378137, rf: 298.257222101, towgs84: true, epsg: 4619, datumEPSG: 6619}
	rgf93GeogCS = geogCS{name: "RGF93", datum: "Reseau_Geodesique_Francais_1993", spheroid: "GRS 1980",
		a: 6378137, rf: 298.257222101, towgs84: true, epsg: 4171, datumEPSG: 6171}
)

func (g geogCS) wkt() string {
	var b strings.Builder
	fmt.Fprintf(&b, `GEOGCS["%s",DATUM["%s",SPHEROID["%s",%s,%s]`, g.name, g.datum, g.spheroid, num(g.a), num(g.rf))
	if g.towgs84 {
		b.WriteString(`,TOWGS84[0,0,0,0,0,0,0]`)
	}
	fmt.Fprintf(&b, `,AUTHORITY["EPSG","%d"]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433],AUTHORITY["EPSG","%d"]]`,
		g.datumEPSG, g.epsg)
	return b.String()
}

type projParam struct {
	name  string
	value float64
}

func projCS(name string, geog geogCS, projection string, epsg int, params ...projParam) string {
	var b strings.Builder
	fmt.Fprintf(&b, `PROJCS["%s",%s,PROJECTION["%s"]`, name, geog.wkt(), projection)
	for _, p := range params {
		fmt.Fprintf(&b, `,PARAMETER["%s",%s]`, p.name, num(p.value))
	}
	fmt.Fprintf(&b, `,UNIT["metre",1],AUTHORITY["EPSG","%d"]]`, epsg)
	return b.String()
}

func transverseMercator(lon0, k, fe, fn float64) []projParam {
	return []projParam{
		{"latitude_of_origin", 0},
		{"central_meridian", lon0},
		{"scale_factor", k},
		{"false_easting", fe},
		{"false_northing", fn},
	}
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// WKT returns an OGC WKT1 rendering of the system, as GDAL writes into
// spatial_ref. A WKT definition is returned unchanged; other systems without
// a known EPSG code return "".
func (c *CRS) WKT() string {
	if def := strings.TrimSpace(c.Def); strings.HasPrefix(def, "PROJCS[") || strings.HasPrefix(def, "GEOGCS[") {
		return def
	}
	return epsgWKT(c.EPSG)
}

func epsgWKT(code int) string {
	switch {
	case code == 4326:
		return wgs84GeogCS.wkt()
	case code == 4258:
		return etrs89GeogCS.wkt()
	case code == 3857:
		return projCS("WGS 84 / Pseudo-Mercator", wgs84GeogCS, "Mercator_1SP", code,
			projParam{"central_meridian", 0}, projParam{"scale_factor", 1},
			projParam{"false_easting", 0}, projParam{"false_northing", 0})
	case code == 3035:
		return projCS("ETRS89-extended / LAEA Europe", etrs89GeogCS, "Lambert_Azimuthal_Equal_Area", code,
			projParam{"latitude_of_center", 52}, projParam{"longitude_of_center", 10},
			projParam{"false_easting", 4321000}, projParam{"false_northing", 3210000})
	case code == 3006:
		return projCS("SWEREF99 TM", sweref99GeogCS, "Transverse_Mercator", code,
			transverseMercator(15, 0.9996, 500000, 0)...)
	case code == 2154:
		return projCS("RGF93 / Lambert-93", rgf93GeogCS, "Lambert_Conformal_Conic_2SP", code,
			projParam{"standard_parallel_1", 49}, projParam{"standard_parallel_2", 44},
			projParam{"latitude_of_origin", 46.5}, projParam{"central_meridian", 3},
			projParam{"false_easting", 700000}, projParam{"false_northing", 6600000})
	case code > 32600 && code <= 32660:
		zone := code - 32600
		return projCS(fmt.Sprintf("WGS 84 / UTM zone %dN", zone), wgs84GeogCS, "Transverse_Mercator", code,
			transverseMercator(utmMeridian(zone), 0.9996, 500000, 0)...)
	case code > 32700 && code <= 32760:
		zone := code - 32700
		return projCS(fmt.Sprintf("WGS 84 / UTM zone %dS", zone), wgs84GeogCS, "Transverse_Mercator", code,
			transverseMercator(utmMeridian(zone), 0.9996, 500000, 10000000)...)
	}
	return ""
}

func utmMeridian(zone int) float64 { return float64(6*zone - 183) }
