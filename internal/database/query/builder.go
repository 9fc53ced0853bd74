// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

// Package query provides a small WHERE clause builder for parameterized
// DuckDB statements.
//
//	wb := query.NewWhereBuilder().
//	    AddEquals("device_id", pred.DeviceID).
//	    AddWindow("recorded_at", pred.From, pred.To)
//	where, args := wb.BuildWithPrefix()
//
// Column names are always supplied by the caller as constants; only values
// travel as bind arguments.
package query

import (
	"strings"
	"time"
)

// WhereBuilder accumulates AND-ed predicates and their bind arguments.
type WhereBuilder struct {
	clauses []string
	args    []interface{}
}

// NewWhereBuilder returns an empty builder.
func NewWhereBuilder() *WhereBuilder {
	return &WhereBuilder{
		clauses: []string{},
		args:    []interface{}{},
	}
}

// AddClause appends a raw clause with its arguments.
func (wb *WhereBuilder) AddClause(clause string, args ...interface{}) *WhereBuilder {
	wb.clauses = append(wb.clauses, clause)
	wb.args = append(wb.args, args...)
	return wb
}

// AddEquals adds "column = ?" unless value is empty.
func (wb *WhereBuilder) AddEquals(column, value string) *WhereBuilder {
	if value == "" {
		return wb
	}
	return wb.AddClause(column+" = ?", value)
}

// AddWindow adds the half-open interval column >= from AND column < to.
// Zero bounds are skipped.
func (wb *WhereBuilder) AddWindow(column string, from, to time.Time) *WhereBuilder {
	if !from.IsZero() {
		wb.AddClause(column+" >= ?", from.UTC())
	}
	if !to.IsZero() {
		wb.AddClause(column+" < ?", to.UTC())
	}
	return wb
}

// Build returns the joined clauses, or "1=1" when empty.
func (wb *WhereBuilder) Build() (string, []interface{}) {
	if len(wb.clauses) == 0 {
		return "1=1", []interface{}{}
	}
	return strings.Join(wb.clauses, " AND "), wb.args
}

// BuildWithPrefix is Build with a leading "WHERE ".
func (wb *WhereBuilder) BuildWithPrefix() (string, []interface{}) {
	where, args := wb.Build()
	return "WHERE " + where, args
}

// Count returns the number of clauses.
func (wb *WhereBuilder) Count() int {
	return len(wb.clauses)
}

// IsEmpty reports whether no clauses were added.
func (wb *WhereBuilder) IsEmpty() bool {
	return len(wb.clauses) == 0
}
