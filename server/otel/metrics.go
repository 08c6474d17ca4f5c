// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "mqtt-app-persistence"

// Metrics holds OpenTelemetry metric instruments for application redelivery.
type Metrics struct {
	meter metric.Meter

	// Counters
	roundsTotal       metric.Int64Counter
	publishDelivered  metric.Int64Counter
	pubRelDelivered   metric.Int64Counter
	messagesAcked     metric.Int64Counter
	messagesUnacked   metric.Int64Counter
	errorsTotal       metric.Int64Counter
	stalePacketsTotal metric.Int64Counter

	// UpDownCounters (Gauges)
	processorsActive metric.Int64UpDownCounter

	// Histograms
	roundDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

// NewMetricsWithProvider creates a new Metrics instance with all instruments
// initialized on the given provider.
func NewMetricsWithProvider(provider metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{
		meter: provider.Meter(meterName),
	}

	var err error

	m.roundsTotal, err = m.meter.Int64Counter(
		"mqtt.app.rounds.total",
		metric.WithDescription("Total delivery rounds by decision"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create roundsTotal counter: %w", err)
	}

	m.publishDelivered, err = m.meter.Int64Counter(
		"mqtt.app.publish.delivered.total",
		metric.WithDescription("Total PUBLISH packets handed to the transport"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDelivered counter: %w", err)
	}

	m.pubRelDelivered, err = m.meter.Int64Counter(
		"mqtt.app.pubrel.delivered.total",
		metric.WithDescription("Total PUBREL packets handed to the transport"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubRelDelivered counter: %w", err)
	}

	m.messagesAcked, err = m.meter.Int64Counter(
		"mqtt.app.messages.acked.total",
		metric.WithDescription("Total messages resolved within their round"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesAcked counter: %w", err)
	}

	m.messagesUnacked, err = m.meter.Int64Counter(
		"mqtt.app.messages.unacked.total",
		metric.WithDescription("Total messages still pending when their round ended"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesUnacked counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"mqtt.app.errors.total",
		metric.WithDescription("Total processing errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.stalePacketsTotal, err = m.meter.Int64Counter(
		"mqtt.app.acks.stale.total",
		metric.WithDescription("Total acknowledgments that matched no pending packet"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stalePacketsTotal counter: %w", err)
	}

	m.processorsActive, err = m.meter.Int64UpDownCounter(
		"mqtt.app.processors.active",
		metric.WithDescription("Number of running per-client processors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processorsActive gauge: %w", err)
	}

	m.roundDuration, err = m.meter.Float64Histogram(
		"mqtt.app.round.duration.ms",
		metric.WithDescription("Delivery round duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create roundDuration histogram: %w", err)
	}

	return m, nil
}

// ProcessorStarted records a per-client processor start.
func (m *Metrics) ProcessorStarted() {
	m.processorsActive.Add(context.Background(), 1)
}

// ProcessorStopped records a per-client processor exit.
func (m *Metrics) ProcessorStopped() {
	m.processorsActive.Add(context.Background(), -1)
}

// RecordDelivered records a packet handed to the transport.
func (m *Metrics) RecordDelivered(pubRel bool, qos byte) {
	ctx := context.Background()
	if pubRel {
		m.pubRelDelivered.Add(ctx, 1)
		return
	}
	m.publishDelivered.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
}

// RecordRound records the outcome of a delivery round.
func (m *Metrics) RecordRound(acked, pending int, commit, timedOut bool, d time.Duration) {
	ctx := context.Background()

	decision := "retry"
	if commit {
		decision = "commit"
	}
	m.roundsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", decision),
		attribute.Bool("timed_out", timedOut),
	))
	m.messagesAcked.Add(ctx, int64(acked))
	m.messagesUnacked.Add(ctx, int64(pending))
	m.roundDuration.Record(ctx, float64(d)/float64(time.Millisecond))
}

// RecordStaleAck records an acknowledgment that matched no pending packet.
func (m *Metrics) RecordStaleAck(packetType string) {
	m.stalePacketsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("packet_type", packetType),
	))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
