package types

import "cmp"

// ScannedNetwork is one Wi-Fi network from a single scan result set
type ScannedNetwork struct {
	SSID         string `json:"ssid"`
	Capabilities string `json:"capabilities,omitempty"`
	// Level is the signal strength in dBm, nil when the platform did not report it
	Level *int `json:"level,omitempty"`
	// Quality is the 0-100 signal quality on platforms that report one. It is
	// finer than the dBm level derived from it and breaks ties between equal levels.
	Quality *int `json:"quality,omitempty"`
}

// LevelOrMin returns the signal level, or the lowest possible value when unknown
func (n ScannedNetwork) LevelOrMin() int {
	return orMin(n.Level)
}

// CompareSignal orders n against o by level, then by quality. A missing value ranks lowest.
func (n ScannedNetwork) CompareSignal(o ScannedNetwork) int {
	if c := cmp.Compare(n.LevelOrMin(), o.LevelOrMin()); c != 0 {
		return c
	}
	return cmp.Compare(orMin(n.Quality), orMin(o.Quality))
}

func orMin(v *int) int {
	if v == nil {
		return minLevel
	}
	return *v
}

const minLevel = -1 << 31

// IntPtr is a small helper for building networks in code and tests
func IntPtr(v int) *int {
	return &v
}

// Float64Ptr returns a pointer to v
func Float64Ptr(v float64) *float64 {
	return &v
}
