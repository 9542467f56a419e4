package ble

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/mjasion/vitalsync/pkg/feed"
)

// AdapterConfig names the provisioning GATT service and its characteristics
type AdapterConfig struct {
	ServiceUUID      string
	SSIDCharUUID     string
	PasswordCharUUID string
	StatusCharUUID   string
	ScanTimeout      time.Duration
}

// Peripheral is a device advertising the provisioning service
type Peripheral struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	RSSI    int16  `json:"rssi"`
}

// Adapter is the Transport backed by the host Bluetooth stack
type Adapter struct {
	adapter *bluetooth.Adapter
	cfg     AdapterConfig

	serviceUUID  bluetooth.UUID
	ssidUUID     bluetooth.UUID
	passwordUUID bluetooth.UUID
	statusUUID   bluetooth.UUID

	scanMu sync.Mutex

	mu       sync.Mutex
	device   *bluetooth.Device
	address  string
	ssidChar bluetooth.DeviceCharacteristic
	pskChar  bluetooth.DeviceCharacteristic

	statuses     *feed.Feed[ConnectionState]
	provisioning *feed.Feed[ProvisioningStatus]
	logger       *zap.Logger
}

// NewAdapter parses the configured UUIDs and wraps the default host adapter
func NewAdapter(cfg AdapterConfig, logger *zap.Logger) (*Adapter, error) {
	a := &Adapter{
		adapter:      bluetooth.DefaultAdapter,
		cfg:          cfg,
		statuses:     feed.New[ConnectionState]("ble_status", logger),
		provisioning: feed.New[ProvisioningStatus]("ble_provisioning", logger),
		logger:       logger,
	}
	if a.cfg.ScanTimeout <= 0 {
		a.cfg.ScanTimeout = 10 * time.Second
	}

	var err error
	if a.serviceUUID, err = bluetooth.ParseUUID(cfg.ServiceUUID); err != nil {
		return nil, errors.Wrap(err, "parse provisioning service uuid")
	}
	if a.ssidUUID, err = bluetooth.ParseUUID(cfg.SSIDCharUUID); err != nil {
		return nil, errors.Wrap(err, "parse ssid characteristic uuid")
	}
	if a.passwordUUID, err = bluetooth.ParseUUID(cfg.PasswordCharUUID); err != nil {
		return nil, errors.Wrap(err, "parse password characteristic uuid")
	}
	if a.statusUUID, err = bluetooth.ParseUUID(cfg.StatusCharUUID); err != nil {
		return nil, errors.Wrap(err, "parse status characteristic uuid")
	}
	return a, nil
}

// Enable powers the host adapter and starts tracking link state
func (a *Adapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return errors.Wrap(err, "enable BLE adapter")
	}

	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		a.mu.Lock()
		ours := a.address != "" && strings.EqualFold(device.Address.String(), a.address)
		if ours && !connected {
			a.device = nil
		}
		a.mu.Unlock()

		if !ours {
			return
		}
		if connected {
			a.statuses.Publish(Connected)
		} else {
			a.statuses.Publish(Disconnected)
		}
	})

	a.logger.Info("BLE adapter enabled")
	return nil
}

// Statuses subscribes to connection state changes
func (a *Adapter) Statuses() (<-chan ConnectionState, func()) {
	return a.statuses.Subscribe(8)
}

// ProvisioningStatuses subscribes to decoded status characteristic notifications
func (a *Adapter) ProvisioningStatuses() (<-chan ProvisioningStatus, func()) {
	return a.provisioning.Subscribe(8)
}

// Discover scans for peripherals advertising the provisioning service until the
// timeout elapses or ctx is done. Duplicates are merged keeping the strongest RSSI.
func (a *Adapter) Discover(ctx context.Context, timeout time.Duration) ([]Peripheral, error) {
	if timeout <= 0 {
		timeout = a.cfg.ScanTimeout
	}

	var (
		mu    sync.Mutex
		found []Peripheral
	)
	err := a.scan(ctx, timeout, func(result bluetooth.ScanResult) bool {
		if !result.HasServiceUUID(a.serviceUUID) {
			return false
		}
		mu.Lock()
		found = mergePeripheral(found, Peripheral{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    result.RSSI,
		})
		mu.Unlock()
		return false
	})
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	a.logger.Info("BLE discovery finished", zap.Int("peripherals", len(found)))
	return found, nil
}

// Connect finds the peripheral by address, connects and resolves the provisioning
// characteristics. The status characteristic is subscribed when present.
func (a *Adapter) Connect(ctx context.Context, peripheralID string) error {
	a.statuses.Publish(Connecting)

	if err := a.connect(ctx, peripheralID); err != nil {
		a.logger.Error("BLE connect failed", zap.String("peripheral", peripheralID), zap.Error(err))
		a.statuses.Publish(Disconnected)
		return err
	}

	a.statuses.Publish(Connected)
	a.logger.Info("BLE peripheral connected", zap.String("peripheral", peripheralID))
	return nil
}

func (a *Adapter) connect(ctx context.Context, peripheralID string) error {
	var target *bluetooth.ScanResult
	err := a.scan(ctx, a.cfg.ScanTimeout, func(result bluetooth.ScanResult) bool {
		if !strings.EqualFold(result.Address.String(), peripheralID) {
			return false
		}
		target = &result
		return true
	})
	if err != nil {
		return err
	}
	if target == nil {
		return errors.Errorf("peripheral %s not found within %s", peripheralID, a.cfg.ScanTimeout)
	}

	a.mu.Lock()
	a.address = target.Address.String()
	a.mu.Unlock()

	device, err := a.adapter.Connect(target.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return errors.Wrapf(err, "connect to %s", peripheralID)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{a.serviceUUID})
	if err != nil {
		_ = device.Disconnect()
		return errors.Wrap(err, "discover provisioning service")
	}
	if len(services) == 0 {
		_ = device.Disconnect()
		return errors.Errorf("provisioning service %s not found on %s", a.serviceUUID, peripheralID)
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{a.ssidUUID, a.passwordUUID, a.statusUUID})
	if err != nil {
		_ = device.Disconnect()
		return errors.Wrap(err, "discover provisioning characteristics")
	}

	var ssid, psk, status *bluetooth.DeviceCharacteristic
	for i := range chars {
		switch chars[i].UUID() {
		case a.ssidUUID:
			ssid = &chars[i]
		case a.passwordUUID:
			psk = &chars[i]
		case a.statusUUID:
			status = &chars[i]
		}
	}
	if ssid == nil || psk == nil {
		_ = device.Disconnect()
		return errors.New("provisioning characteristics missing on peripheral")
	}

	if status != nil {
		if err := status.EnableNotifications(a.handleStatus); err != nil {
			a.logger.Warn("could not subscribe to provisioning status", zap.Error(err))
		}
	}

	a.mu.Lock()
	a.device = &device
	a.ssidChar = *ssid
	a.pskChar = *psk
	a.mu.Unlock()
	return nil
}

// Disconnect drops the link to the current peripheral
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	device := a.device
	a.device = nil
	a.mu.Unlock()

	if device == nil {
		return nil
	}

	a.statuses.Publish(Disconnecting)
	if err := device.Disconnect(); err != nil {
		a.statuses.Publish(Disconnected)
		return errors.Wrap(err, "disconnect peripheral")
	}
	a.statuses.Publish(Disconnected)
	return nil
}

// SendCredentials writes the SSID and then the password characteristic
func (a *Adapter) SendCredentials(ctx context.Context, ssid, password string) error {
	a.mu.Lock()
	connected := a.device != nil
	ssidChar, pskChar := a.ssidChar, a.pskChar
	a.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := ssidChar.WriteWithoutResponse([]byte(ssid)); err != nil {
		return errors.Wrap(err, "write ssid characteristic")
	}
	if _, err := pskChar.WriteWithoutResponse([]byte(password)); err != nil {
		return errors.Wrap(err, "write password characteristic")
	}

	a.logger.Info("credentials written to peripheral", zap.Int("ssid_length", len(ssid)))
	return nil
}

// Close releases subscribers
func (a *Adapter) Close() {
	a.statuses.Close()
	a.provisioning.Close()
}

func (a *Adapter) handleStatus(buf []byte) {
	status, err := DecodeProvisioningStatus(buf)
	if err != nil {
		a.logger.Warn("failed to decode provisioning status", zap.Binary("data", buf), zap.Error(err))
		return
	}
	a.logger.Info("provisioning status", zap.Stringer("state", status.State), zap.Stringer("ip", status.IP))
	a.provisioning.Publish(status)
}

// scan runs a host scan until match returns true, the timeout elapses or ctx is done
func (a *Adapter) scan(ctx context.Context, timeout time.Duration, match func(bluetooth.ScanResult) bool) error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = a.adapter.StopScan()
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if match(result) {
			cancel()
		}
	})
	if err != nil {
		return errors.Wrap(err, "BLE scan")
	}
	return nil
}

// mergePeripheral adds p, or replaces an entry with the same address when p is stronger
func mergePeripheral(found []Peripheral, p Peripheral) []Peripheral {
	for i := range found {
		if found[i].Address != p.Address {
			continue
		}
		if p.RSSI > found[i].RSSI {
			if p.Name == "" {
				p.Name = found[i].Name
			}
			found[i] = p
		}
		return found
	}
	return append(found, p)
}
