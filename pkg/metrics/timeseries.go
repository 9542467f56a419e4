package metrics

import (
	"context"
	"sort"

	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mjasion/vitalsync/pkg/types"
)

// vital maps a metric name to the sample field it exports
type vital struct {
	name  string
	value func(s *types.TelemetrySample) float64
}

var vitals = []vital{
	{"vitals_temperature_celsius", func(s *types.TelemetrySample) float64 { return s.Temperature }},
	{"vitals_heart_rate_bpm", func(s *types.TelemetrySample) float64 { return s.HeartRate }},
	{"vitals_respiration_rate_bpm", func(s *types.TelemetrySample) float64 { return s.Respiration }},
	{"vitals_stress_index", func(s *types.TelemetrySample) float64 { return s.Stress }},
	{"vitals_hrv_ms", func(s *types.TelemetrySample) float64 { return s.HRV }},
	{"vitals_humidity_percent", func(s *types.TelemetrySample) float64 { return s.Humidity }},
	{"vitals_iaq_index", func(s *types.TelemetrySample) float64 { return s.IAQ }},
	{"vitals_eco2_ppm", func(s *types.TelemetrySample) float64 { return s.ECO2 }},
	{"vitals_tvoc_ppb", func(s *types.TelemetrySample) float64 { return s.TVOC }},
	{"vitals_etoh_ppm", func(s *types.TelemetrySample) float64 { return s.ETOH }},
}

// BuildVitalsTimeSeries builds one time series per device and vital sign,
// plus the derived sleep score and the server sleep quality when present.
// Vitals that were never observed are skipped.
func BuildVitalsTimeSeries(ctx context.Context, samples []*types.ScoredSample) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildVitalsTimeSeries")
	defer span.End()

	if len(samples) == 0 {
		span.SetStatus(codes.Ok, "no samples")
		return nil, nil
	}

	byDevice := make(map[string][]*types.ScoredSample)
	for _, s := range samples {
		if s == nil {
			continue
		}
		byDevice[s.Sample.DeviceID] = append(byDevice[s.Sample.DeviceID], s)
	}

	devices := make([]string, 0, len(byDevice))
	for id := range byDevice {
		devices = append(devices, id)
	}
	sort.Strings(devices)

	var timeSeries []prompb.TimeSeries
	for _, deviceID := range devices {
		deviceSamples := byDevice[deviceID]

		for _, v := range vitals {
			var points []prompb.Sample
			for _, s := range deviceSamples {
				value := v.value(&s.Sample)
				if !types.Observed(value) {
					continue
				}
				points = append(points, prompb.Sample{Value: value, Timestamp: s.Sample.Timestamp.UnixMilli()})
			}
			if ts, ok := series(v.name, deviceID, points); ok {
				timeSeries = append(timeSeries, ts)
			}
		}

		var scores, quality []prompb.Sample
		for _, s := range deviceSamples {
			ts := s.Sample.Timestamp.UnixMilli()
			scores = append(scores, prompb.Sample{Value: float64(s.SleepScore), Timestamp: ts})
			if s.Sample.SleepQuality != nil {
				quality = append(quality, prompb.Sample{Value: *s.Sample.SleepQuality, Timestamp: ts})
			}
		}
		if ts, ok := series("vitals_sleep_score", deviceID, scores); ok {
			timeSeries = append(timeSeries, ts)
		}
		if ts, ok := series("vitals_sleep_quality", deviceID, quality); ok {
			timeSeries = append(timeSeries, ts)
		}
	}

	span.SetAttributes(
		attribute.Int("metrics.devices", len(devices)),
		attribute.Int("metrics.vitals_time_series_count", len(timeSeries)),
	)
	span.SetStatus(codes.Ok, "vitals time series built")

	return timeSeries, nil
}

func series(name, deviceID string, points []prompb.Sample) (prompb.TimeSeries, bool) {
	if len(points) == 0 {
		return prompb.TimeSeries{}, false
	}
	return prompb.TimeSeries{
		Labels: []prompb.Label{
			{Name: "__name__", Value: name},
			{Name: "device_id", Value: deviceID},
		},
		Samples: points,
	}, true
}
