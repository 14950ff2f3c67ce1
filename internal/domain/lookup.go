package domain

import "fmt"

// MissingReason classifies why a lookup produced no value.
type MissingReason string

const (
	// MissingNoSource means no file or window covers the query.
	MissingNoSource MissingReason = "no_source"
	// MissingOutOfBounds means the point or date lies outside the source grid.
	MissingOutOfBounds MissingReason = "out_of_bounds"
	// MissingNoData means the source cell holds its NoData/fill value.
	MissingNoData MissingReason = "nodata"
	// MissingReadError means the source exists but could not be read.
	MissingReadError MissingReason = "read_error"
)

// Lookup is the result of resolving a value against a gridded source.
// A zero Lookup is Missing with an empty reason; use Found or Missing to build one.
type Lookup struct {
	value  float64
	ok     bool
	reason MissingReason
	err    error
}

// Found wraps a resolved value.
func Found(v float64) Lookup {
	return Lookup{value: v, ok: true}
}

// Missing reports that no value is available.
func Missing(reason MissingReason) Lookup {
	return Lookup{reason: reason}
}

// MissingErr reports a missing value caused by err.
func MissingErr(reason MissingReason, err error) Lookup {
	return Lookup{reason: reason, err: err}
}

// Value returns the resolved value and whether it exists.
func (l Lookup) Value() (float64, bool) {
	return l.value, l.ok
}

// OK reports whether the lookup resolved.
func (l Lookup) OK() bool { return l.ok }

// Reason returns why the lookup is missing. Empty when found.
func (l Lookup) Reason() MissingReason { return l.reason }

// Err returns the underlying failure, if any.
func (l Lookup) Err() error { return l.err }

func (l Lookup) String() string {
	if l.ok {
		return fmt.Sprintf("Found(%g)", l.value)
	}
	if l.err != nil {
		return fmt.Sprintf("Missing(%s: %v)", l.reason, l.err)
	}
	return fmt.Sprintf("Missing(%s)", l.reason)
}
