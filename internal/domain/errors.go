package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingInput marks a (date, location) that no source could resolve.
	ErrMissingInput = errors.New("missing input")
	// ErrMalformedRecord marks a catalogue or observation row that failed to parse.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrModelContract marks a feature frame that disagrees with the trained schema.
	ErrModelContract = errors.New("model contract violation")
	// ErrPersistence marks a model artifact that could not be saved or loaded.
	ErrPersistence = errors.New("persistence failure")
	// ErrConfig marks invalid run configuration.
	ErrConfig = errors.New("invalid configuration")
)

// MalformedRecordError carries the location of a row that failed to parse.
type MalformedRecordError struct {
	Source string
	Line   int
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Reason)
}

// Unwrap lets errors.Is match ErrMalformedRecord.
func (e *MalformedRecordError) Unwrap() error { return ErrMalformedRecord }

// ModelContractError describes how a feature frame differs from the schema.
type ModelContractError struct {
	Expected []string
	Got      []string
	Detail   string
}

func (e *ModelContractError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("model contract: %s (expected %v, got %v)", e.Detail, e.Expected, e.Got)
	}
	return fmt.Sprintf("model contract: expected features %v, got %v", e.Expected, e.Got)
}

// Unwrap lets errors.Is match ErrModelContract.
func (e *ModelContractError) Unwrap() error { return ErrModelContract }

// Stage names one step of per-date map generation.
type Stage string

// Map generation stages, in execution order.
const (
	StageLoadCovariate     Stage = "load_covariate"
	StageLoadBaseline      Stage = "load_baseline"
	StageReprojectBaseline Stage = "reproject_baseline"
	StageBuildFeatureGrid  Stage = "build_feature_grid"
	StagePredict           Stage = "predict"
	StageReconstruct       Stage = "reconstruct"
	StageWrite             Stage = "write"
)

// StageError reports the stage at which a date failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
