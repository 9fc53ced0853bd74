// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordPersistAttempt(t *testing.T) {
	successBefore := testutil.ToFloat64(PersistAttempts.WithLabelValues("success"))
	errorBefore := testutil.ToFloat64(PersistAttempts.WithLabelValues("error"))
	persistedBefore := testutil.ToFloat64(ReadingsPersisted)

	RecordPersistAttempt(3*time.Millisecond, nil)
	RecordPersistAttempt(5*time.Millisecond, errTest)

	if got := testutil.ToFloat64(PersistAttempts.WithLabelValues("success")) - successBefore; got != 1 {
		t.Errorf("success delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(PersistAttempts.WithLabelValues("error")) - errorBefore; got != 1 {
		t.Errorf("error delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ReadingsPersisted) - persistedBefore; got != 1 {
		t.Errorf("persisted delta = %v, want 1", got)
	}
}

func TestRecordDBQuery(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		kind      string
		wantErr   float64
	}{
		{"success", "insert", "", 0},
		{"timeout", "query_range", "timeout", 1},
		{"connection lost", "aggregate", "connection_lost", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var before float64
			if tt.kind != "" {
				before = testutil.ToFloat64(DBQueryErrors.WithLabelValues(tt.operation, tt.kind))
			}
			RecordDBQuery(tt.operation, time.Millisecond, tt.kind)
			if tt.kind == "" {
				return
			}
			if got := testutil.ToFloat64(DBQueryErrors.WithLabelValues(tt.operation, tt.kind)) - before; got != tt.wantErr {
				t.Errorf("error delta = %v, want %v", got, tt.wantErr)
			}
		})
	}
}

func TestSetBrokerConnected(t *testing.T) {
	SetBrokerConnected("mqtt", true)
	if got := testutil.ToFloat64(BrokerConnected.WithLabelValues("mqtt")); got != 1 {
		t.Errorf("connected = %v, want 1", got)
	}
	SetBrokerConnected("mqtt", false)
	if got := testutil.ToFloat64(BrokerConnected.WithLabelValues("mqtt")); got != 0 {
		t.Errorf("connected = %v, want 0", got)
	}
}

func TestRecordRejected(t *testing.T) {
	before := testutil.ToFloat64(MessagesRejected.WithLabelValues("missing_field"))
	RecordRejected("missing_field")
	RecordRejected("missing_field")
	if got := testutil.ToFloat64(MessagesRejected.WithLabelValues("missing_field")) - before; got != 2 {
		t.Errorf("rejected delta = %v, want 2", got)
	}
}

type testError struct{}

func (testError) Error() string { return "boom" }

var errTest error = testError{}
