// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package models

import (
	"errors"
	"fmt"
)

// ValidationKind classifies why a payload could not become a Reading.
type ValidationKind int

const (
	// MalformedPayload means the payload is not a well-formed JSON object.
	MalformedPayload ValidationKind = iota + 1
	// MissingField means a required field could not be resolved from payload or topic.
	MissingField
	// InvalidField means a field is present but unusable (wrong type, non-finite, unparseable).
	InvalidField
)

// String returns the kind name used in logs and metric labels.
func (k ValidationKind) String() string {
	switch k {
	case MalformedPayload:
		return "malformed_payload"
	case MissingField:
		return "missing_field"
	case InvalidField:
		return "invalid_field"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against a *ValidationError.
var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrMissingField     = errors.New("missing field")
	ErrInvalidField     = errors.New("invalid field")
)

// ValidationError is returned by ParseReading. It never leaves the topic router.
type ValidationError struct {
	Kind  ValidationKind
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Field)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels.
func (e *ValidationError) Is(target error) bool {
	switch target {
	case ErrMalformedPayload:
		return e.Kind == MalformedPayload
	case ErrMissingField:
		return e.Kind == MissingField
	case ErrInvalidField:
		return e.Kind == InvalidField
	}
	return false
}

func malformed(err error) *ValidationError {
	return &ValidationError{Kind: MalformedPayload, Err: err}
}

func missing(field string) *ValidationError {
	return &ValidationError{Kind: MissingField, Field: field}
}

func invalid(field string, err error) *ValidationError {
	return &ValidationError{Kind: InvalidField, Field: field, Err: err}
}

// ValidationKindOf returns the kind of a validation error, or 0 if err is not one.
func ValidationKindOf(err error) ValidationKind {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return 0
}
