// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tomtom215/sensorstream/internal/logging"
)

// ErrorKind classifies storage failures for the retry policy.
type ErrorKind int

const (
	// KindUnknown is an unclassified driver error. It is retried.
	KindUnknown ErrorKind = iota
	// KindConnectionLost means the pool lost its database; a reconnect was attempted.
	KindConnectionLost
	// KindTimeout means the operation exceeded its deadline or was cancelled.
	KindTimeout
	// KindConstraintViolation means the statement broke a table constraint. Not retried.
	KindConstraintViolation
	// KindClosed means the adapter was closed. Not retried.
	KindClosed
)

// String returns the kind as used in logs and metric labels.
func (k ErrorKind) String() string {
	switch k {
	case KindConnectionLost:
		return "connection_lost"
	case KindTimeout:
		return "timeout"
	case KindConstraintViolation:
		return "constraint_violation"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("database is closed")

// StorageError wraps a failed storage operation.
type StorageError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the operation may succeed.
func (e *StorageError) Retryable() bool {
	switch e.Kind {
	case KindConstraintViolation, KindClosed:
		return false
	default:
		return true
	}
}

// IsRetryable reports whether err is a StorageError worth retrying.
// Errors that are not StorageErrors are treated as retryable.
func IsRetryable(err error) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return err != nil
}

// KindOf returns the storage error kind of err, KindUnknown if it has none.
func KindOf(err error) ErrorKind {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// classify maps a driver or context error to a StorageError.
func classify(op string, err error) *StorageError {
	var se *StorageError
	if errors.As(err, &se) {
		return se
	}
	kind := KindUnknown
	switch {
	case errors.Is(err, ErrClosed):
		kind = KindClosed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), isInterrupt(err):
		kind = KindTimeout
	case isConnectionError(err):
		kind = KindConnectionLost
	case isConstraintError(err):
		kind = KindConstraintViolation
	}
	return &StorageError{Kind: kind, Op: op, Err: err}
}

// isConnectionError matches the messages database/sql and the DuckDB driver
// produce when the underlying database handle is gone.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"bad connection",
		"database is closed",
		"Connection Error",
		"IO Error",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func isConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Constraint Error")
}

func isInterrupt(err error) bool {
	return err != nil && strings.Contains(err.Error(), "INTERRUPT")
}

// closeWithLog closes a resource and logs any error.
func closeWithLog(closer io.Closer, resourceType string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logging.Warn().Str("type", resourceType).Err(err).Msg("Failed to close resource")
	}
}

// closeQuietly closes a resource on a path that is already failing.
func closeQuietly(closer io.Closer) {
	if closer != nil {
		_ = closer.Close()
	}
}
