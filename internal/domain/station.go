package domain

import "time"

// StationRecord describes one ground station from the station catalogue.
type StationRecord struct {
	ID          int
	Name        string
	CountryCode string
	Latitude    float64 // Decimal degrees, WGS84.
	Longitude   float64 // Decimal degrees, WGS84.
	ElevationM  float64
}

// QualityValid is the only quality code kept by observation cleaning.
const QualityValid = 0

// MissingValue is the sentinel used by station files for absent readings (tenths of °C).
const MissingValue = -9999

// ObservationRecord is one cleaned daily maximum temperature reading.
type ObservationRecord struct {
	StationID    int
	Date         time.Time // UTC midnight.
	TemperatureC float64
	Quality      int
}

// DayOfYear returns the 1-366 seasonal position of t.
func DayOfYear(t time.Time) int {
	return t.YearDay()
}

// DateOnly truncates t to UTC midnight.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateRange is an inclusive range of calendar days. Zero bounds are open.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether d falls within the range, bounds inclusive.
func (r DateRange) Contains(d time.Time) bool {
	if !r.Start.IsZero() && d.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && d.After(r.End) {
		return false
	}
	return true
}

// Days lists every date in the range in ascending order.
// Both bounds must be set.
func (r DateRange) Days() []time.Time {
	if r.Start.IsZero() || r.End.IsZero() || r.End.Before(r.Start) {
		return nil
	}
	var days []time.Time
	for d := DateOnly(r.Start); !d.After(r.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// BBox is a geographic bounding box in WGS84 degrees.
type BBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// Valid reports whether the box has positive extent.
func (b BBox) Valid() bool {
	return b.MaxLon > b.MinLon && b.MaxLat > b.MinLat
}

// Contains reports whether (lat, lon) lies inside the box.
func (b BBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}
