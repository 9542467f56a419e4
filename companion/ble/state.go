// Package ble tracks and drives the BLE link to the device being provisioned.
package ble

import (
	"context"
	"errors"
)

// ConnectionState is the lifecycle of the single active peripheral
type ConnectionState int

const (
	// Idle is the implicit state before any connection attempt
	Idle ConnectionState = iota
	Connecting
	Connected
	Disconnecting
	Disconnected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return "idle"
	}
}

// MarshalText renders the state as its lowercase name
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrNotConnected is returned when a write is attempted without a connected peripheral
var ErrNotConnected = errors.New("ble: peripheral not connected")

// Transport is the BLE collaborator. Statuses subscribes to connection state changes;
// the returned func unsubscribes.
type Transport interface {
	Connect(ctx context.Context, peripheralID string) error
	Disconnect(ctx context.Context) error
	SendCredentials(ctx context.Context, ssid, password string) error
	Statuses() (<-chan ConnectionState, func())
}
