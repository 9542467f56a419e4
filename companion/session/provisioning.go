// Package session scopes collaborator handles to the screen that uses them.
// A session owns its subscriptions and releases all of them on Close.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/companion/ble"
	"github.com/mjasion/vitalsync/companion/notice"
	"github.com/mjasion/vitalsync/companion/provision"
	"github.com/mjasion/vitalsync/pkg/telemetry"
)

// StatusSource is implemented by transports that report provisioning progress
type StatusSource interface {
	ProvisioningStatuses() (<-chan ble.ProvisioningStatus, func())
}

// ProvisioningConfig tunes a provisioning session
type ProvisioningConfig struct {
	PeripheralID string
	DeviceName   string
	// MonitorTimeout bounds the wait for a terminal status after sending credentials
	MonitorTimeout time.Duration
	// OnAlert receives the disconnect alerts of the session, including one raised
	// while connecting. It may be nil.
	OnAlert func(notice.Notice)
}

// Provisioning owns the BLE link for one provisioning screen
type Provisioning struct {
	transport ble.Transport
	machine   *ble.Machine
	sequencer *provision.Sequencer
	cfg       ProvisioningConfig
	logger    *zap.Logger

	unsubscribe func()
	observed    chan struct{}
	closeOnce   sync.Once
}

// OpenProvisioning subscribes to link state and connects to the peripheral.
// The subscription is released again when the connection fails.
func OpenProvisioning(ctx context.Context, transport ble.Transport, cfg ProvisioningConfig, logger *zap.Logger, instruments *telemetry.Instruments) (*Provisioning, error) {
	if cfg.MonitorTimeout <= 0 {
		cfg.MonitorTimeout = 30 * time.Second
	}
	logger = logger.With(zap.String("peripheral", cfg.PeripheralID))

	p := &Provisioning{
		transport: transport,
		machine:   ble.NewMachine(cfg.DeviceName, logger, instruments),
		cfg:       cfg,
		logger:    logger,
		observed:  make(chan struct{}),
	}
	p.sequencer = provision.NewSequencer(transport, nil, logger, instruments)

	if cfg.OnAlert != nil {
		alerts, _ := p.machine.Alerts()
		go func() {
			for a := range alerts {
				cfg.OnAlert(a)
			}
		}()
	}

	statuses, unsubscribe := transport.Statuses()
	p.unsubscribe = unsubscribe
	go func() {
		defer close(p.observed)
		p.machine.Observe(context.Background(), statuses)
	}()

	if err := transport.Connect(ctx, cfg.PeripheralID); err != nil {
		p.release()
		return nil, err
	}

	logger.Info("provisioning session opened")
	return p, nil
}

// Alerts subscribes to unexpected disconnect alerts of this session
func (p *Provisioning) Alerts() (<-chan notice.Notice, func()) {
	return p.machine.Alerts()
}

// State returns the link state and whether the disconnect alert is raised
func (p *Provisioning) State() (ble.ConnectionState, bool) {
	return p.machine.State()
}

// PeripheralID returns the peripheral this session is connected to
func (p *Provisioning) PeripheralID() string {
	return p.cfg.PeripheralID
}

// Phase returns the provisioning phase
func (p *Provisioning) Phase() provision.Phase {
	return p.sequencer.Phase()
}

// Provision sends the credentials and, when the transport reports progress,
// waits for the device to finish joining the network. The zero status is
// returned when the transport has no status channel.
func (p *Provisioning) Provision(ctx context.Context, creds provision.Credentials) (ble.ProvisioningStatus, error) {
	var (
		updates <-chan ble.ProvisioningStatus
		stop    = func() {}
	)
	// subscribe first so a fast device cannot finish before we listen
	if source, ok := p.transport.(StatusSource); ok {
		updates, stop = source.ProvisioningStatuses()
	}
	defer stop()

	if err := p.sequencer.Provision(ctx, creds); err != nil {
		return ble.ProvisioningStatus{}, err
	}
	if updates == nil {
		return ble.ProvisioningStatus{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.MonitorTimeout)
	defer cancel()

	status, err := p.sequencer.Monitor(ctx, updates)
	if errors.Is(err, context.DeadlineExceeded) {
		p.logger.Warn("device did not report a final provisioning status", zap.Duration("timeout", p.cfg.MonitorTimeout))
	}
	return status, err
}

// Close leaves the screen. The link observer is unsubscribed before the
// peripheral is disconnected, so an owner-initiated disconnect raises no alert.
func (p *Provisioning) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		p.release()
		p.sequencer.Reset()
		if err = p.transport.Disconnect(ctx); err != nil {
			p.logger.Warn("failed to disconnect peripheral", zap.Error(err))
		}
		p.logger.Info("provisioning session closed")
	})
	return err
}

func (p *Provisioning) release() {
	p.unsubscribe()
	<-p.observed
	p.machine.Abandon()
	p.machine.Close()
}
