package ble

import (
	"fmt"
	"net/netip"
)

// ProvisioningState is reported by the device after it received credentials
type ProvisioningState uint8

const (
	ProvisioningIdle       ProvisioningState = 0x00
	ProvisioningConnecting ProvisioningState = 0x01
	ProvisioningConnected  ProvisioningState = 0x02
	ProvisioningFailed     ProvisioningState = 0x03
)

func (s ProvisioningState) String() string {
	switch s {
	case ProvisioningIdle:
		return "idle"
	case ProvisioningConnecting:
		return "connecting"
	case ProvisioningConnected:
		return "provisioned"
	case ProvisioningFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(s))
	}
}

// MarshalText renders the state as its name
func (s ProvisioningState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ProvisioningStatus is one notification of the status characteristic
type ProvisioningStatus struct {
	State ProvisioningState `json:"state"`
	// IP is the address the device obtained, only valid when State is ProvisioningConnected
	IP netip.Addr `json:"ip,omitzero"`
}

// Terminal reports whether the device will not change state without new credentials
func (s ProvisioningStatus) Terminal() bool {
	return s.State == ProvisioningConnected || s.State == ProvisioningFailed
}

// DecodeProvisioningStatus decodes the status characteristic value
// Format (1 or 5 bytes):
// - Byte 0: state
// - Bytes 1-4: IPv4 address, present once connected
func DecodeProvisioningStatus(data []byte) (ProvisioningStatus, error) {
	if len(data) < 1 {
		return ProvisioningStatus{}, fmt.Errorf("invalid provisioning status length: expected at least 1 byte, got 0")
	}

	status := ProvisioningStatus{State: ProvisioningState(data[0])}
	if status.State > ProvisioningFailed {
		return ProvisioningStatus{}, fmt.Errorf("unknown provisioning state 0x%02x", data[0])
	}

	if status.State == ProvisioningConnected {
		if len(data) < 5 {
			return ProvisioningStatus{}, fmt.Errorf("provisioned status without address: expected 5 bytes, got %d", len(data))
		}
		status.IP = netip.AddrFrom4([4]byte(data[1:5]))
	}
	return status, nil
}
