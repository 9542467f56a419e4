// Package fusion merges telemetry payloads from the push and pull channels into
// one canonical sample per device, with a bounded history.
package fusion

import "github.com/mjasion/vitalsync/pkg/types"

// field binds a canonical field to the payload keys accepted for it
type field struct {
	canonical string
	// keys are tried in order; the canonical name always comes first
	keys []string
	set  func(s *types.TelemetrySample, v float64)
}

var fields = []field{
	{
		canonical: "temperature",
		keys:      []string{"temperature", "temp", "Temperature"},
		set:       func(s *types.TelemetrySample, v float64) { s.Temperature = v },
	},
	{
		canonical: "heartRate",
		keys:      []string{"heartRate", "hr", "heart_rate", "HeartRate", "heart"},
		set:       func(s *types.TelemetrySample, v float64) { s.HeartRate = v },
	},
	{
		canonical: "respiration",
		keys:      []string{"respiration", "resp", "respirationRate", "rr", "breath", "RespirationRate"},
		set:       func(s *types.TelemetrySample, v float64) { s.Respiration = v },
	},
	{
		canonical: "stress",
		keys:      []string{"stress", "Stress", "stressIndex"},
		set:       func(s *types.TelemetrySample, v float64) { s.Stress = v },
	},
	{
		canonical: "hrv",
		keys:      []string{"hrv", "HRV", "heartRateVariability"},
		set:       func(s *types.TelemetrySample, v float64) { s.HRV = v },
	},
	{
		canonical: "humidity",
		keys:      []string{"humidity", "hum", "Humidity"},
		set:       func(s *types.TelemetrySample, v float64) { s.Humidity = v },
	},
	{
		canonical: "iaq",
		keys:      []string{"iaq", "IAQ"},
		set:       func(s *types.TelemetrySample, v float64) { s.IAQ = v },
	},
	{
		canonical: "eco2",
		keys:      []string{"eco2", "eCO2", "co2"},
		set:       func(s *types.TelemetrySample, v float64) { s.ECO2 = v },
	},
	{
		canonical: "tvoc",
		keys:      []string{"tvoc", "TVOC"},
		set:       func(s *types.TelemetrySample, v float64) { s.TVOC = v },
	},
	{
		canonical: "etoh",
		keys:      []string{"etoh", "EtOH"},
		set:       func(s *types.TelemetrySample, v float64) { s.ETOH = v },
	},
}

// sleepQualityKeys are the accepted keys for the server sleep quality
var sleepQualityKeys = []string{"sleepQuality", "SleepQuality", "sleep_quality"}

// aliases returns a copy of the alias table: canonical field to accepted keys in precedence order
func aliases() map[string][]string {
	out := make(map[string][]string, len(fields)+1)
	for _, f := range fields {
		out[f.canonical] = append([]string(nil), f.keys...)
	}
	out["sleepQuality"] = append([]string(nil), sleepQualityKeys...)
	return out
}
