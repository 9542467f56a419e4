package types

import "time"

// Payload is a decoded telemetry message as received from the push or pull channel.
// Keys are not normalized; see fusion.Aliases for the accepted spellings.
type Payload map[string]any

// TelemetrySample is the canonical fused reading for one device.
// A sample is never mutated after it has been published; every merge produces a new value.
type TelemetrySample struct {
	DeviceID    string    `json:"deviceId"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	HeartRate   float64   `json:"heartRate"`
	Respiration float64   `json:"respiration"`
	Stress      float64   `json:"stress"`
	HRV         float64   `json:"hrv"`
	Humidity    float64   `json:"humidity"`
	IAQ         float64   `json:"iaq"`
	ECO2        float64   `json:"eco2"`
	TVOC        float64   `json:"tvoc"`
	ETOH        float64   `json:"etoh"`

	// SleepQuality is the server-computed quality, nil when the server never sent one
	SleepQuality *float64 `json:"sleepQuality,omitempty"`

	Metrics map[string]any `json:"metrics,omitempty"`
	Signals map[string]any `json:"signals,omitempty"`
	Raw     map[string]any `json:"raw,omitempty"`
}

// Trimmed returns a copy without the metrics, signals and raw blobs.
// History only keeps trimmed samples.
func (s TelemetrySample) Trimmed() TelemetrySample {
	s.Metrics = nil
	s.Signals = nil
	s.Raw = nil
	if s.SleepQuality != nil {
		q := *s.SleepQuality
		s.SleepQuality = &q
	}
	return s
}

// Observed reports whether a vital sign has ever been received.
// Zero is the "never observed" value for every numeric field.
func Observed(v float64) bool {
	return v != 0
}

// ScoredSample pairs a fused sample with the sleep score derived from it.
// It is the unit queued for metric export.
type ScoredSample struct {
	Sample     TelemetrySample
	SleepScore int
}
