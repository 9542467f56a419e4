package preflight

// Static is a Platform assembled from its collaborators
type Static struct {
	NeedsLocation bool
	Locator       LocationServices
	WifiRadio     Radio
}

func (p Static) RequiresLocation() bool     { return p.NeedsLocation }
func (p Static) Location() LocationServices { return p.Locator }
func (p Static) Radio() Radio               { return p.WifiRadio }

// Linux returns the platform used by the daemon. NetworkManager scans need no
// location access, so only the radio check runs.
func Linux(radio Radio) Platform {
	return Static{WifiRadio: radio}
}
