// Package sleepscore derives the composite sleep score from a fused sample.
package sleepscore

import (
	"math"

	"github.com/mjasion/vitalsync/pkg/types"
)

// NeutralScore is returned when heart rate or respiration was never observed
const NeutralScore = 50

const (
	weightHeartRate   = 0.30
	weightRespiration = 0.30
	weightStress      = 0.25
	weightHRV         = 0.15
)

// Options tune the score
type Options struct {
	// ZeroQualityIsAbsent treats a server SleepQuality of 0 as "not sent" and
	// computes the local score instead. When false, 0 is returned as very poor sleep.
	ZeroQualityIsAbsent bool
}

// DefaultOptions are used by the companion unless configured otherwise
var DefaultOptions = Options{ZeroQualityIsAbsent: true}

// Compute returns the sleep score in [0,100]. A server quality value wins over the
// local formula.
func Compute(sample types.TelemetrySample, opts Options) int {
	if q := sample.SleepQuality; q != nil && !math.IsNaN(*q) {
		if *q > 0 || (*q == 0 && !opts.ZeroQualityIsAbsent) {
			return int(math.Round(clamp(*q)))
		}
	}

	if !types.Observed(sample.HeartRate) || !types.Observed(sample.Respiration) {
		return NeutralScore
	}

	score := weightHeartRate*HeartRateScore(sample.HeartRate) +
		weightRespiration*RespirationScore(sample.Respiration) +
		weightStress*StressScore(sample.Stress) +
		weightHRV*HRVScore(sample.HRV)

	return int(math.Round(clamp(score)))
}

// HeartRateScore is 100 inside 50-70 bpm and decays from 65 outside it,
// 1.5 points per bpm below and 2 points per bpm above
func HeartRateScore(hr float64) float64 {
	switch {
	case hr >= 50 && hr <= 70:
		return 100
	case hr < 50:
		return clamp(100 - 1.5*(65-hr))
	default:
		return clamp(100 - 2*(hr-65))
	}
}

// RespirationScore is 100 inside 12-18 rpm and decays from 16 outside it,
// 3 points per rpm below and 2 points per rpm above
func RespirationScore(rr float64) float64 {
	switch {
	case rr >= 12 && rr <= 18:
		return 100
	case rr < 12:
		return clamp(100 - 3*(16-rr))
	default:
		return clamp(100 - 2*(rr-16))
	}
}

// StressScore is 100 - 1.5 * stress
func StressScore(stress float64) float64 {
	return clamp(100 - 1.5*stress)
}

// HRVScore rises linearly from 0 to 50 at 300 ms and to 100 at 500 ms
func HRVScore(hrv float64) float64 {
	switch {
	case hrv <= 0:
		return 0
	case hrv <= 300:
		return hrv / 300 * 50
	case hrv < 500:
		return 50 + (hrv-300)/200*50
	default:
		return 100
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
