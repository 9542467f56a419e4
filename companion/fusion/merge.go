package fusion

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mjasion/vitalsync/pkg/types"
)

// Merge resolves every canonical field of incoming through the alias table,
// falling back to previous when the payload does not carry it, and stamps the
// result with the arrival time. The returned sample is always a new value;
// previous is never modified. previous may be nil.
func Merge(incoming types.Payload, previous *types.TelemetrySample, at time.Time) types.TelemetrySample {
	var next types.TelemetrySample
	if previous != nil {
		next = *previous
		if previous.SleepQuality != nil {
			q := *previous.SleepQuality
			next.SleepQuality = &q
		}
	}
	next.Timestamp = at

	nested, _ := incoming["metrics"].(map[string]any)

	for _, f := range fields {
		if v, ok := resolve(incoming, nested, f.keys); ok {
			f.set(&next, v)
		}
	}
	if v, ok := resolve(incoming, nested, sleepQualityKeys); ok {
		next.SleepQuality = &v
	}

	if m, ok := incoming["metrics"].(map[string]any); ok {
		next.Metrics = m
	}
	if m, ok := incoming["signals"].(map[string]any); ok {
		next.Signals = m
	}
	if m, ok := incoming["raw"].(map[string]any); ok {
		next.Raw = m
	}

	return next
}

// resolve looks up keys in order at the top level, then in the metrics object
func resolve(top, nested map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		if v, ok := number(top[k]); ok {
			return v, true
		}
	}
	for _, k := range keys {
		if v, ok := number(nested[k]); ok {
			return v, true
		}
	}
	return 0, false
}

// number accepts JSON numbers and numeric strings. Anything else, including
// null, NaN and infinities, counts as absent.
func number(raw any) (float64, bool) {
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int32:
		v = float64(n)
	case int64:
		v = float64(n)
	case uint8:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// serverTimestamp returns the timestamp the server attached to a payload, if any
func serverTimestamp(p types.Payload) (string, bool) {
	for _, k := range []string{"timestamp", "ts", "time", "createdAt"} {
		switch v := p[k].(type) {
		case string:
			if v != "" {
				return v, true
			}
		case float64, int64, int, json.Number:
			if f, ok := number(v); ok {
				return strconv.FormatFloat(f, 'f', -1, 64), true
			}
		}
	}
	return "", false
}
