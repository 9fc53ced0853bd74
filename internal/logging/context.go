// SensorStream - IoT Sensor Ingestion and Time-Series Query Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sensorstream

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	deliveryIDKey contextKey = "delivery_id"
	topicKey      contextKey = "topic"
	sourceKey     contextKey = "source"
)

// NewDeliveryID returns a short identifier for one broker delivery.
func NewDeliveryID() string {
	return uuid.New().String()[:8]
}

// ContextWithDelivery tags ctx with the delivery id, topic and source broker
// of an inbound message so every log line about it can be correlated.
func ContextWithDelivery(ctx context.Context, deliveryID, topic, source string) context.Context {
	ctx = context.WithValue(ctx, deliveryIDKey, deliveryID)
	ctx = context.WithValue(ctx, topicKey, topic)
	return context.WithValue(ctx, sourceKey, source)
}

// DeliveryIDFromContext returns "" when ctx carries no delivery.
func DeliveryIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(deliveryIDKey).(string); ok {
		return id
	}
	return ""
}

// Ctx returns the global logger enriched with the delivery fields in ctx.
//
//	logging.Ctx(ctx).Info().Msg("Reading persisted")
func Ctx(ctx context.Context) *zerolog.Logger {
	logCtx := With()
	if id, ok := ctx.Value(deliveryIDKey).(string); ok && id != "" {
		logCtx = logCtx.Str("delivery_id", id)
	}
	if topic, ok := ctx.Value(topicKey).(string); ok && topic != "" {
		logCtx = logCtx.Str("topic", topic)
	}
	if src, ok := ctx.Value(sourceKey).(string); ok && src != "" {
		logCtx = logCtx.Str("source", src)
	}
	l := logCtx.Logger()
	return &l
}
