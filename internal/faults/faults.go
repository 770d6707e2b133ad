// Package faults defines the error taxonomy shared by the pipeline stages.
//
// Structural problems (bad configuration, missing inputs, missing artifacts)
// abort the operation that hit them. Cell-local numerical problems never do:
// they are represented as NaN in the affected cells and only counted.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration marks fatal configuration problems.
	ErrConfiguration = errors.New("configuration error")

	// ErrInsufficientData marks a grid cell whose series cannot be fitted.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrArtifactNotFound marks a missing gamma parameter artifact.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrNumericalDomain marks a probability that left [0, 1] and was clamped.
	ErrNumericalDomain = errors.New("numerical domain error")
)

// ConfigurationError describes invalid configuration. Missing lists the
// files or fields whose absence caused the error, if any.
type ConfigurationError struct {
	Msg     string
	Missing []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Missing) == 0 {
		return "configuration error: " + e.Msg
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Msg, strings.Join(e.Missing, ", "))
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Configf returns a ConfigurationError with a formatted message.
func Configf(format string, args ...interface{}) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// MissingFiles returns a ConfigurationError naming the files that were not found.
func MissingFiles(msg string, paths ...string) error {
	return &ConfigurationError{Msg: msg, Missing: paths}
}

// RangeError is returned for an inverted year range.
type RangeError struct {
	Start, End int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid year range: start year %d is after end year %d", e.Start, e.End)
}

func (e *RangeError) Is(target error) bool { return target == ErrConfiguration }

// WindowMismatchError is returned when an aggregate was built with a
// different window length than the gamma parameters it is evaluated against.
type WindowMismatchError struct {
	Parameters int
	Aggregate  int
}

func (e *WindowMismatchError) Error() string {
	return fmt.Sprintf("window mismatch: gamma parameters fitted with window=%d, aggregate built with window=%d",
		e.Parameters, e.Aggregate)
}

func (e *WindowMismatchError) Is(target error) bool { return target == ErrConfiguration }

// MissingParametersError lists required option fields that were left unset.
type MissingParametersError struct {
	Metric string
	Fields []string
}

func (e *MissingParametersError) Error() string {
	return fmt.Sprintf("missing required parameters for %s: %s", e.Metric, strings.Join(e.Fields, ", "))
}

func (e *MissingParametersError) Is(target error) bool { return target == ErrConfiguration }

// ArtifactNotFoundError is returned when no gamma parameters exist for a key.
type ArtifactNotFoundError struct {
	Key string
}

func (e *ArtifactNotFoundError) Error() string {
	return "no gamma parameters found for key " + e.Key
}

func (e *ArtifactNotFoundError) Is(target error) bool { return target == ErrArtifactNotFound }
