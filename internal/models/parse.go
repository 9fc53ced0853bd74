// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package models

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Epoch values above this are interpreted as milliseconds.
const epochMillisThreshold = 1e12

// Layouts accepted for string timestamps, tried in order. Layouts without a
// zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator returns the shared validator. Field errors report JSON names.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// ParseReading turns a raw broker payload into a Reading.
//
// device_id comes from the payload, falling back to the second segment of
// topic. When the payload has no timestamp, receivedAt is used; a zero
// receivedAt is replaced by the current time. The returned error is always a
// *ValidationError.
func ParseReading(payload []byte, topic string, receivedAt time.Time) (*Reading, error) {
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	receivedAt = receivedAt.UTC()

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, malformed(err)
	}
	if fields == nil {
		return nil, malformed(errors.New("payload is not an object"))
	}

	deviceID, err := stringField(fields, "device_id")
	if err != nil {
		return nil, err
	}
	if deviceID == "" {
		deviceID = DeviceFromTopic(topic)
	}
	if deviceID == "" {
		return nil, missing("device_id")
	}

	sensorType, err := stringField(fields, "sensor_type")
	if err != nil {
		return nil, err
	}
	if sensorType == "" {
		return nil, missing("sensor_type")
	}

	value, err := valueField(fields)
	if err != nil {
		return nil, err
	}

	unit, err := stringField(fields, "unit")
	if err != nil {
		return nil, err
	}
	if unit == "" {
		return nil, missing("unit")
	}

	ts, err := timestampField(fields, receivedAt)
	if err != nil {
		return nil, err
	}

	location, err := stringField(fields, "location")
	if err != nil {
		return nil, err
	}

	metadata, err := metadataField(fields)
	if err != nil {
		return nil, err
	}

	r := &Reading{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		SensorType: sensorType,
		Value:      value,
		Unit:       unit,
		Timestamp:  ts,
		Location:   location,
		Metadata:   metadata,
		ReceivedAt: receivedAt,
	}
	if err := Validate(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks a Reading built outside ParseReading, such as one replayed
// from the dead-letter store.
func Validate(r *Reading) error {
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return invalid("value", errors.New("value must be finite"))
	}

	err := getValidator().Struct(r)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return invalid("", err)
	}
	fe := fieldErrs[0]
	if fe.Tag() == "required" {
		return missing(fe.Field())
	}
	return invalid(fe.Field(), fmt.Errorf("failed %q constraint %s", fe.Tag(), fe.Param()))
}

// DeviceFromTopic returns the second segment of an MQTT topic
// (sensors/dev42/data) or NATS subject (sensors.dev42.data), or "".
func DeviceFromTopic(topic string) string {
	sep := "/"
	if !strings.Contains(topic, "/") {
		sep = "."
	}
	parts := strings.Split(topic, sep)
	if len(parts) < 2 {
		return ""
	}
	seg := strings.TrimSpace(parts[1])
	switch seg {
	case "+", "#", "*", ">":
		return ""
	}
	return seg
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// stringField returns "" for absent or null fields.
func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", invalid(name, errors.New("expected a string"))
	}
	return strings.TrimSpace(s), nil
}

func valueField(fields map[string]json.RawMessage) (float64, error) {
	raw, ok := fields["value"]
	if !ok || isNull(raw) {
		return 0, missing("value")
	}

	text := string(bytes.TrimSpace(raw))
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, invalid("value", err)
		}
		text = strings.TrimSpace(s)
		if text == "" {
			return 0, missing("value")
		}
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, invalid("value", errors.New("expected a number"))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, invalid("value", errors.New("value must be finite"))
	}
	return v, nil
}

func timestampField(fields map[string]json.RawMessage, fallback time.Time) (time.Time, error) {
	raw, ok := fields["timestamp"]
	if !ok || isNull(raw) {
		return fallback, nil
	}

	text := string(bytes.TrimSpace(raw))
	if !strings.HasPrefix(text, `"`) {
		epoch, err := strconv.ParseFloat(text, 64)
		if err != nil || math.IsNaN(epoch) || math.IsInf(epoch, 0) || epoch < 0 {
			return time.Time{}, invalid("timestamp", errors.New("expected an RFC3339 string or epoch number"))
		}
		return fromEpoch(epoch), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, invalid("timestamp", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if epoch, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(epoch) && !math.IsInf(epoch, 0) && epoch >= 0 {
		return fromEpoch(epoch), nil
	}
	return time.Time{}, invalid("timestamp", fmt.Errorf("unrecognized format %q", s))
}

func fromEpoch(epoch float64) time.Time {
	if epoch > epochMillisThreshold {
		return time.UnixMilli(int64(epoch)).UTC()
	}
	sec, frac := math.Modf(epoch)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// metadataField keeps string metadata verbatim and compacts anything else.
func metadataField(fields map[string]json.RawMessage) (string, error) {
	raw, ok := fields["metadata"]
	if !ok || isNull(raw) {
		return EmptyMetadata, nil
	}
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte(`"`)) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", invalid("metadata", err)
		}
		if s == "" {
			return EmptyMetadata, nil
		}
		return s, nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", invalid("metadata", err)
	}
	return buf.String(), nil
}
