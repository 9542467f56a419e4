package ble

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/companion/notice"
	"github.com/mjasion/vitalsync/pkg/feed"
	"github.com/mjasion/vitalsync/pkg/telemetry"
)

// Machine observes transport state changes and raises at most one
// UnexpectedDisconnect alert per disconnected episode.
type Machine struct {
	mu      sync.Mutex
	state   ConnectionState
	alerted bool

	deviceName  string
	alerts      *feed.Feed[notice.Notice]
	logger      *zap.Logger
	instruments *telemetry.Instruments
}

// NewMachine creates a machine in the Idle state. deviceName is used in the alert text.
func NewMachine(deviceName string, logger *zap.Logger, instruments *telemetry.Instruments) *Machine {
	return &Machine{
		deviceName:  deviceName,
		alerts:      feed.New[notice.Notice]("ble_alerts", logger),
		logger:      logger,
		instruments: instruments,
	}
}

// Alerts subscribes to disconnect alerts
func (m *Machine) Alerts() (<-chan notice.Notice, func()) {
	return m.alerts.Subscribe(4)
}

// State returns the current state and whether the disconnect alert was raised
func (m *Machine) State() (ConnectionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.alerted
}

// Apply records a transport state change. It returns the alert raised by this
// transition, if any.
func (m *Machine) Apply(next ConnectionState) (notice.Notice, bool) {
	m.mu.Lock()
	prev := m.state
	m.state = next

	var (
		alert  notice.Notice
		raised bool
	)
	switch next {
	case Connected:
		m.alerted = false
	case Disconnected:
		if !m.alerted {
			m.alerted = true
			raised = true
			alert = notice.For(notice.UnexpectedDisconnect, m.alertMessage())
		}
	}
	m.mu.Unlock()

	if prev != next {
		m.logger.Info("ble connection state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", next),
		)
	}
	if raised {
		m.logger.Warn("ble device disconnected unexpectedly", zap.String("device", m.deviceName))
		m.instruments.DisconnectAlert(context.Background())
		m.alerts.Publish(alert)
	}
	return alert, raised
}

// Observe applies every status from the channel until it is closed or ctx is done
func (m *Machine) Observe(ctx context.Context, statuses <-chan ConnectionState) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-statuses:
			if !ok {
				return
			}
			m.Apply(s)
		}
	}
}

// Abandon clears the alert flag when the alert was dismissed and the screen left
func (m *Machine) Abandon() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerted = false
}

// Close releases alert subscribers
func (m *Machine) Close() {
	m.alerts.Close()
}

func (m *Machine) alertMessage() string {
	if m.deviceName == "" {
		return ""
	}
	return fmt.Sprintf("The connection to %s was lost. Return to discovery to connect again.", m.deviceName)
}
