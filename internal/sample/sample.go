// Package sample writes a small synthetic input layout: a station catalogue
// with daily series, yearly reanalysis archives, monthly vegetation rasters and
// an elevation grid. Station temperatures follow a known lapse-rate and
// vegetation signal on top of the coarse baseline, so a trained residual model
// has something to find.
package sample

import (
	"bufio"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/fhs/go-netcdf/netcdf"

	"go.ngs.io/heat-downscale/internal/adapter/geo"
	"go.ngs.io/heat-downscale/internal/adapter/raster"
	"go.ngs.io/heat-downscale/internal/adapter/store/era5"
	"go.ngs.io/heat-downscale/internal/adapter/store/ndvi"
	"go.ngs.io/heat-downscale/internal/config"
	"go.ngs.io/heat-downscale/internal/domain"
)

// DEMFile is the elevation grid, directly under the data directory.
const DEMFile = "dem.nc"

// Signal strengths of the synthetic truth.
const (
	LapseRate    = -0.0065 // °C per metre.
	VegetationK  = -2.0    // °C per unit of vegetation index.
	UrbanOffset  = 1.5
	stationNoise = 0.3
	fillKelvin   = -32767
)

// Options sizes the layout.
type Options struct {
	Country    string
	Box        domain.BBox
	Stations   int
	Start      time.Time
	End        time.Time
	Seed       uint64
	CoarseStep float64 // Reanalysis grid spacing in degrees.
	FineStep   float64 // Vegetation and elevation pixel size in degrees.
	Variable   string
}

// DefaultOptions covers two summer months around Stockholm.
func DefaultOptions() Options {
	return Options{
		Country:    "SE",
		Box:        domain.BBox{MinLon: 17.5, MinLat: 59.0, MaxLon: 18.5, MaxLat: 59.6},
		Stations:   30,
		Start:      time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2023, 7, 31, 0, 0, 0, 0, time.UTC),
		Seed:       42,
		CoarseStep: 0.1,
		FineStep:   0.01,
		Variable:   era5.DefaultVariable,
	}
}

// Layout is where Generate wrote each input.
type Layout struct {
	DataDir  string
	Stations string
	ERA5     string
	NDVI     string
	DEM      string
	Written  int // Station series files.
}

// Elevation is the synthetic terrain in metres.
func Elevation(lat, lon float64) float64 {
	return 50 + 200*(1+math.Sin(6*lon)*math.Cos(8*lat))
}

// Vegetation is the synthetic vegetation index for month m, in [-1, 1].
func Vegetation(lat, lon float64, m time.Month) float64 {
	v := 0.6*math.Sin(9*lon+5*lat) + 0.05*float64(m-6)
	return math.Max(-1, math.Min(1, v))
}

// BaselineC is the smooth coarse-scale temperature in °C.
func BaselineC(date time.Time, lat, lon float64) float64 {
	doy := float64(domain.DayOfYear(date))
	return 18 + 6*math.Sin(2*math.Pi*(doy-110)/365) - 0.8*(lat-59) + 0.3*(lon-17.5)
}

// Generate writes the layout under dir.
func Generate(dir string, opts Options, logger *slog.Logger) (Layout, error) {
	if !opts.Box.Valid() || opts.Stations <= 0 || opts.End.Before(opts.Start) {
		return Layout{}, fmt.Errorf("%w: invalid sample options", domain.ErrConfig)
	}
	l := Layout{
		DataDir:  dir,
		Stations: filepath.Join(dir, config.StationsSubdir),
		ERA5:     filepath.Join(dir, config.ERA5Subdir),
		NDVI:     filepath.Join(dir, config.NDVISubdir),
		DEM:      filepath.Join(dir, DEMFile),
	}
	for _, d := range []string{l.Stations, l.ERA5, l.NDVI} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return Layout{}, fmt.Errorf("failed to create %s: %w", d, err)
		}
	}

	rng := rand.New(rand.NewPCG(opts.Seed, 7))
	stations := placeStations(opts, rng)
	if err := writeCatalogue(filepath.Join(l.Stations, config.StationsFile), stations); err != nil {
		return Layout{}, err
	}
	for _, st := range stations {
		if err := writeSeries(l.Stations, st, opts, rng); err != nil {
			return Layout{}, err
		}
		l.Written++
	}
	logger.Info("wrote station series", "stations", l.Written, "dir", l.Stations)

	for year := opts.Start.Year(); year <= opts.End.Year(); year++ {
		path := filepath.Join(l.ERA5, fmt.Sprintf("%d_%s.nc", year, opts.Variable))
		if err := writeReanalysis(path, year, opts); err != nil {
			return Layout{}, err
		}
		logger.Info("wrote reanalysis archive", "path", path)
	}

	for m := time.Date(opts.Start.Year(), opts.Start.Month(), 1, 0, 0, 0, 0, time.UTC); !m.After(opts.End); m = m.AddDate(0, 1, 0) {
		next := m.AddDate(0, 1, 0)
		path := filepath.Join(l.NDVI, fmt.Sprintf("ndvi_%s_%s.nc", m.Format(time.DateOnly), next.Format(time.DateOnly)))
		if err := writeVegetation(path, m.Month(), opts); err != nil {
			return Layout{}, err
		}
		logger.Info("wrote vegetation raster", "path", path)
	}

	if err := writeElevation(l.DEM, opts); err != nil {
		return Layout{}, err
	}
	return l, nil
}

func placeStations(opts Options, rng *rand.Rand) []domain.StationRecord {
	b := opts.Box
	out := make([]domain.StationRecord, opts.Stations)
	for i := range out {
		// Whole arc-seconds so the catalogue round-trips exactly.
		lat := math.Round((b.MinLat+rng.Float64()*(b.MaxLat-b.MinLat))*3600) / 3600
		lon := math.Round((b.MinLon+rng.Float64()*(b.MaxLon-b.MinLon))*3600) / 3600
		out[i] = domain.StationRecord{
			ID:          1000 + i,
			Name:        fmt.Sprintf("SYNTH-%02d", i),
			CountryCode: opts.Country,
			Latitude:    lat,
			Longitude:   lon,
			ElevationM:  math.Round(Elevation(lat, lon)),
		}
	}
	return out
}

func writeCatalogue(path string, stations []domain.StationRecord) error {
	f, err := os.Create(path) //nolint:gosec // G304: path is under the output directory.
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "EUROPEAN CLIMATE ASSESSMENT & DATASET (ECA&D), synthetic sample")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "FILE FORMAT (MISSING VALUE CODE IS -9999):")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "STAID,STANAME                                 ,CN,      LAT,       LON,HGHT")
	for _, st := range stations {
		fmt.Fprintf(w, "%5d,%-40s,%s,%s,%s,%4d\n", st.ID, st.Name, st.CountryCode,
			dms(st.Latitude, 2), dms(st.Longitude, 3), int(st.ElevationM))
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// dms formats decimal degrees as +DD:MM:SS with width-digit degrees.
func dms(v float64, width int) string {
	sign := '+'
	if v < 0 {
		sign = '-'
		v = -v
	}
	total := int(math.Round(v * 3600))
	return fmt.Sprintf("%c%0*d:%02d:%02d", sign, width, total/3600, total/60%60, total%60)
}

func writeSeries(dir string, st domain.StationRecord, opts Options, rng *rand.Rand) error {
	path := filepath.Join(dir, fmt.Sprintf("TX_STAID%06d.txt", st.ID))
	f, err := os.Create(path) //nolint:gosec // G304: path is under the output directory.
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "EUROPEAN CLIMATE ASSESSMENT & DATASET (ECA&D), synthetic sample")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "STAID, SOUID,    DATE,   TX, Q_TX")
	for d := opts.Start; !d.After(opts.End); d = d.AddDate(0, 0, 1) {
		temp := BaselineC(d, st.Latitude, st.Longitude) + UrbanOffset +
			LapseRate*st.ElevationM +
			VegetationK*Vegetation(st.Latitude, st.Longitude, d.Month()) +
			rng.NormFloat64()*stationNoise
		tenths, quality := int(math.Round(temp*10)), domain.QualityValid
		switch r := rng.Float64(); {
		case r < 0.02:
			quality = 1
		case r < 0.03:
			tenths, quality = domain.MissingValue, 9
		}
		fmt.Fprintf(w, "%6d,%6d,%s,%5d,%5d\n", st.ID, 100000+st.ID, d.Format("20060102"), tenths, quality)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// axis returns the points from lo to hi in steps of step.
func axis(lo, hi, step float64) []float64 {
	n := int(math.Round((hi-lo)/step)) + 1
	out := make([]float64, n)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}

//nolint:gocyclo // Define-mode setup is a flat sequence of checked calls.
func writeReanalysis(path string, year int, opts Options) (err error) {
	step := opts.CoarseStep
	b := opts.Box
	lats := axis(math.Floor(b.MinLat/step)*step-step, math.Ceil(b.MaxLat/step)*step+step, step)
	lons := axis(math.Floor(b.MinLon/step)*step-step, math.Ceil(b.MaxLon/step)*step+step, step)
	// Stored north to south.
	for i, j := 0, len(lats)-1; i < j; i, j = i+1, j-1 {
		lats[i], lats[j] = lats[j], lats[i]
	}

	first := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	if opts.Start.After(first) {
		first = opts.Start
	}
	last := time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC)
	if opts.End.Before(last) {
		last = opts.End
	}
	var times []int64
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		times = append(times, d.Unix())
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

	timeDim, err := ds.AddDim("valid_time", uint64(len(times)))
	if err != nil {
		return err
	}
	latDim, err := ds.AddDim("latitude", uint64(len(lats)))
	if err != nil {
		return err
	}
	lonDim, err := ds.AddDim("longitude", uint64(len(lons)))
	if err != nil {
		return err
	}
	tv, err := ds.AddVar("valid_time", netcdf.INT64, []netcdf.Dim{timeDim})
	if err != nil {
		return err
	}
	if err := tv.Attr("units").WriteBytes([]byte("seconds since 1970-01-01")); err != nil {
		return err
	}
	latVar, err := ds.AddVar("latitude", netcdf.DOUBLE, []netcdf.Dim{latDim})
	if err != nil {
		return err
	}
	lonVar, err := ds.AddVar("longitude", netcdf.DOUBLE, []netcdf.Dim{lonDim})
	if err != nil {
		return err
	}
	t2m, err := ds.AddVar(era5.ShortName(opts.Variable), netcdf.FLOAT, []netcdf.Dim{timeDim, latDim, lonDim})
	if err != nil {
		return err
	}
	if err := t2m.Attr("units").WriteBytes([]byte("K")); err != nil {
		return err
	}
	if err := t2m.Attr("_FillValue").WriteFloat32s([]float32{fillKelvin}); err != nil {
		return err
	}
	if err := ds.EndDef(); err != nil {
		return err
	}

	if err := tv.WriteInt64s(times); err != nil {
		return err
	}
	if err := latVar.WriteFloat64s(lats); err != nil {
		return err
	}
	if err := lonVar.WriteFloat64s(lons); err != nil {
		return err
	}
	values := make([]float32, 0, len(times)*len(lats)*len(lons))
	for _, ts := range times {
		d := time.Unix(ts, 0).UTC()
		for _, lat := range lats {
			for _, lon := range lons {
				values = append(values, float32(BaselineC(d, lat, lon)+era5.KelvinOffset))
			}
		}
	}
	return t2m.WriteFloat32s(values)
}

// fineGrid returns the WGS84 header covering the box at the fine step.
func fineGrid(opts Options) raster.Header {
	b := opts.Box
	return raster.Header{
		Width:     int(math.Round((b.MaxLon - b.MinLon) / opts.FineStep)),
		Height:    int(math.Round((b.MaxLat - b.MinLat) / opts.FineStep)),
		Transform: geo.GeoTransform{b.MinLon, opts.FineStep, 0, b.MaxLat, 0, -opts.FineStep},
		CRS:       geo.WGS84(),
	}
}

func writeVegetation(path string, m time.Month, opts Options) error {
	h := fineGrid(opts)
	h.NoData, h.HasNoData = ndvi.NoDataValue, true
	r := raster.New(h, ndvi.NoDataValue)
	for row := 0; row < h.Height; row++ {
		for col := 0; col < h.Width; col++ {
			lon, lat := h.Transform.PixelCenter(row, col)
			// Low ground is open water.
			if Elevation(lat, lon) < 60 {
				continue
			}
			r.Set(row, col, ndvi.Encode(Vegetation(lat, lon, m)))
		}
	}
	return raster.WriteNetCDF(path, r, raster.WriteOptions{
		Type:     raster.Uint8,
		LongName: "vegetation index, (v+1)/2*254, 255 = no data",
	})
}

func writeElevation(path string, opts Options) error {
	h := fineGrid(opts)
	// One extra pixel on each side keeps bilinear sampling inside the grid.
	h.Width += 2
	h.Height += 2
	h.Transform = h.Transform.Shift(-1, -1)
	r := raster.New(h, 0)
	for row := 0; row < h.Height; row++ {
		for col := 0; col < h.Width; col++ {
			lon, lat := h.Transform.PixelCenter(row, col)
			r.Set(row, col, Elevation(lat, lon))
		}
	}
	return raster.WriteNetCDF(path, r, raster.WriteOptions{
		Type:     raster.Float32,
		Variable: "elevation",
		LongName: "height above sea level",
		Units:    "m",
	})
}
