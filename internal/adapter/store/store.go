// Package store defines the lookup contracts the pipeline uses against its
// gridded sources.
package store

import (
	"time"

	"go.ngs.io/heat-downscale/internal/domain"
)

// BaselineAccessor resolves coarse reanalysis values.
type BaselineAccessor interface {
	// Lookup returns the nearest grid value in output units, or Missing.
	Lookup(date time.Time, lat, lon float64, variable string) domain.Lookup
}

// CovariateAccessor resolves the fine-resolution vegetation index.
type CovariateAccessor interface {
	// Lookup returns the decoded index in [-1, 1], or Missing.
	Lookup(date time.Time, lat, lon float64) domain.Lookup
}
