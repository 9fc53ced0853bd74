// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package query

import (
	"errors"
	"fmt"
)

// Kind tells the caller how to surface a rejected query.
type Kind int

const (
	// KindBadRequest means the request itself is invalid; retrying it unchanged will fail again.
	KindBadRequest Kind = iota + 1
	// KindUnavailable means storage could not answer; the request may succeed later.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidRange is returned for windows where from is not before to.
	ErrInvalidRange = errors.New("invalid range: from must be before to")
	// ErrInvalidLimit is returned for negative limits.
	ErrInvalidLimit = errors.New("invalid limit")
)

// QueryError is a rejected query.
type QueryError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s query: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

func badRequest(op string, err error) *QueryError {
	return &QueryError{Kind: KindBadRequest, Op: op, Err: err}
}

func unavailable(op string, err error) *QueryError {
	return &QueryError{Kind: KindUnavailable, Op: op, Err: err}
}

// KindOf returns the rejection kind of err, or 0 if err is not a query error.
func KindOf(err error) Kind {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return 0
}
