// Package notice holds the user-facing messages raised by the companion core.
// Every failure that reaches the UI is translated into a Notice with exactly one action.
package notice

import "fmt"

// Kind identifies the failure behind a notice
type Kind string

const (
	PermissionDenied     Kind = "permission_denied"
	ServicesDisabled     Kind = "services_disabled"
	RadioDisabled        Kind = "radio_disabled"
	ScanThrottled        Kind = "scan_throttled"
	ScanFailed           Kind = "scan_failed"
	EmptySsid            Kind = "empty_ssid"
	EmptyPassword        Kind = "empty_password"
	PasswordTooShort     Kind = "password_too_short"
	TransmissionError    Kind = "transmission_error"
	UnexpectedDisconnect Kind = "unexpected_disconnect"
)

// Action is the single remediation offered with a notice
type Action string

const (
	OpenAppSettings      Action = "open_app_settings"
	OpenLocationSettings Action = "open_location_settings"
	OpenWifiSettings     Action = "open_wifi_settings"
	Dismiss              Action = "dismiss"
	FixInput             Action = "fix_input"
	Retry                Action = "retry"
	ReturnToDiscovery    Action = "return_to_discovery"
)

// Notice is a structured user-facing message
type Notice struct {
	Kind    Kind   `json:"kind"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Action  Action `json:"action"`
}

func (n Notice) String() string {
	return fmt.Sprintf("%s: %s", n.Title, n.Message)
}

// Noticer is implemented by errors that carry a user-facing notice
type Noticer interface {
	Notice() Notice
}

// For builds the standard notice of a kind. detail, when set, replaces the default message.
func For(kind Kind, detail string) Notice {
	n, ok := catalog[kind]
	if !ok {
		n = Notice{Kind: kind, Title: "Something went wrong", Message: "Please try again.", Action: Dismiss}
	}
	if detail != "" {
		n.Message = detail
	}
	return n
}

var catalog = map[Kind]Notice{
	PermissionDenied: {
		Kind:    PermissionDenied,
		Title:   "Location permission required",
		Message: "Location access is needed to scan for Wi-Fi networks. Grant it in the app settings.",
		Action:  OpenAppSettings,
	},
	ServicesDisabled: {
		Kind:    ServicesDisabled,
		Title:   "Location services are off",
		Message: "Turn on location services to scan for nearby Wi-Fi networks.",
		Action:  OpenLocationSettings,
	},
	RadioDisabled: {
		Kind:    RadioDisabled,
		Title:   "Wi-Fi is off",
		Message: "Turn on Wi-Fi to scan for networks.",
		Action:  OpenWifiSettings,
	},
	ScanThrottled: {
		Kind:    ScanThrottled,
		Title:   "Scanning too often",
		Message: "The system limits how often Wi-Fi scans can run. Wait a moment and try again.",
		Action:  Dismiss,
	},
	ScanFailed: {
		Kind:    ScanFailed,
		Title:   "Wi-Fi scan failed",
		Message: "Could not scan for Wi-Fi networks. Try again shortly.",
		Action:  Dismiss,
	},
	EmptySsid: {
		Kind:    EmptySsid,
		Title:   "Network name missing",
		Message: "Select or enter the Wi-Fi network name.",
		Action:  FixInput,
	},
	EmptyPassword: {
		Kind:    EmptyPassword,
		Title:   "Password missing",
		Message: "Enter the Wi-Fi password.",
		Action:  FixInput,
	},
	PasswordTooShort: {
		Kind:    PasswordTooShort,
		Title:   "Password too short",
		Message: "Wi-Fi passwords are at least 8 characters long.",
		Action:  FixInput,
	},
	TransmissionError: {
		Kind:    TransmissionError,
		Title:   "Could not send credentials",
		Message: "Sending the Wi-Fi credentials to the device failed.",
		Action:  Retry,
	},
	UnexpectedDisconnect: {
		Kind:    UnexpectedDisconnect,
		Title:   "Device disconnected",
		Message: "The connection to the device was lost.",
		Action:  ReturnToDiscovery,
	},
}
