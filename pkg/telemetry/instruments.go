package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the meter and tracer name used by the companion
const InstrumentationName = "github.com/mjasion/vitalsync/companion"

// Instruments groups the companion's OpenTelemetry instruments.
// When no meter provider is installed the global no-op provider makes every call free.
type Instruments struct {
	samplesMerged    metric.Int64Counter
	samplesDiscarded metric.Int64Counter
	disconnectAlerts metric.Int64Counter
	scans            metric.Int64Counter
	provisioning     metric.Int64Counter
	sleepScore       metric.Int64Histogram
}

// NewInstruments creates the instruments from the global meter provider
func NewInstruments() (*Instruments, error) {
	return NewInstrumentsFromMeter(otel.Meter(InstrumentationName))
}

// NewInstrumentsFromMeter creates the instruments from a specific meter
func NewInstrumentsFromMeter(meter metric.Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
	)

	if in.samplesMerged, err = meter.Int64Counter("vitalsync.telemetry.samples_merged",
		metric.WithDescription("Telemetry payloads merged into the latest sample")); err != nil {
		return nil, fmt.Errorf("samples_merged counter: %w", err)
	}
	if in.samplesDiscarded, err = meter.Int64Counter("vitalsync.telemetry.samples_discarded",
		metric.WithDescription("Payloads dropped because they belonged to a previous device")); err != nil {
		return nil, fmt.Errorf("samples_discarded counter: %w", err)
	}
	if in.disconnectAlerts, err = meter.Int64Counter("vitalsync.ble.disconnect_alerts",
		metric.WithDescription("Unexpected disconnect alerts raised")); err != nil {
		return nil, fmt.Errorf("disconnect_alerts counter: %w", err)
	}
	if in.scans, err = meter.Int64Counter("vitalsync.wifi.scans",
		metric.WithDescription("Wi-Fi scans by outcome")); err != nil {
		return nil, fmt.Errorf("scans counter: %w", err)
	}
	if in.provisioning, err = meter.Int64Counter("vitalsync.provisioning.attempts",
		metric.WithDescription("Provisioning attempts by outcome")); err != nil {
		return nil, fmt.Errorf("provisioning counter: %w", err)
	}
	if in.sleepScore, err = meter.Int64Histogram("vitalsync.sleep.score",
		metric.WithDescription("Derived sleep score"),
		metric.WithExplicitBucketBoundaries(10, 20, 30, 40, 50, 60, 70, 80, 90, 100)); err != nil {
		return nil, fmt.Errorf("sleep score histogram: %w", err)
	}

	return &in, nil
}

// SampleMerged records one merged payload; source is "push", "poll" or "seed"
func (in *Instruments) SampleMerged(ctx context.Context, deviceID, source string) {
	if in == nil {
		return
	}
	in.samplesMerged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("device_id", deviceID),
		attribute.String("source", source),
	))
}

// SampleDiscarded records a payload rejected by the generation check
func (in *Instruments) SampleDiscarded(ctx context.Context, deviceID string) {
	if in == nil {
		return
	}
	in.samplesDiscarded.Add(ctx, 1, metric.WithAttributes(attribute.String("device_id", deviceID)))
}

// DisconnectAlert records an unexpected disconnect notice
func (in *Instruments) DisconnectAlert(ctx context.Context) {
	if in == nil {
		return
	}
	in.disconnectAlerts.Add(ctx, 1)
}

// Scan records a Wi-Fi scan outcome ("ok", "throttled", "failed")
func (in *Instruments) Scan(ctx context.Context, outcome string) {
	if in == nil {
		return
	}
	in.scans.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Provisioning records a provisioning outcome ("sent", "invalid", "failed")
func (in *Instruments) Provisioning(ctx context.Context, outcome string) {
	if in == nil {
		return
	}
	in.provisioning.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// SleepScore records a computed sleep score
func (in *Instruments) SleepScore(ctx context.Context, deviceID string, score int) {
	if in == nil {
		return
	}
	in.sleepScore.Record(ctx, int64(score), metric.WithAttributes(attribute.String("device_id", deviceID)))
}
