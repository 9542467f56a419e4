package session

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/companion/ble"
	"github.com/mjasion/vitalsync/companion/fusion"
	"github.com/mjasion/vitalsync/companion/notice"
	"github.com/mjasion/vitalsync/companion/provision"
	"github.com/mjasion/vitalsync/companion/sleepscore"
	"github.com/mjasion/vitalsync/pkg/feed"
	"github.com/mjasion/vitalsync/pkg/types"
)

type fakeTransport struct {
	statuses     *feed.Feed[ble.ConnectionState]
	provisioning *feed.Feed[ble.ProvisioningStatus]

	mu         sync.Mutex
	connectErr error
	// dropAfterConnect loses the link right after it is established
	dropAfterConnect bool
	sent             []string
	disconnects      int
	// reply is published on the provisioning feed when credentials arrive
	reply []ble.ProvisioningStatus
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		statuses:     feed.New[ble.ConnectionState]("test_status", zap.NewNop()),
		provisioning: feed.New[ble.ProvisioningStatus]("test_provisioning", zap.NewNop()),
	}
}

func (f *fakeTransport) Connect(ctx context.Context, id string) error {
	f.statuses.Publish(ble.Connecting)
	if f.connectErr != nil {
		f.statuses.Publish(ble.Disconnected)
		return f.connectErr
	}
	f.statuses.Publish(ble.Connected)
	if f.dropAfterConnect {
		f.statuses.Publish(ble.Disconnected)
	}
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.statuses.Publish(ble.Disconnecting)
	f.statuses.Publish(ble.Disconnected)
	return nil
}

func (f *fakeTransport) SendCredentials(ctx context.Context, ssid, password string) error {
	f.mu.Lock()
	f.sent = append(f.sent, ssid)
	reply := f.reply
	f.mu.Unlock()
	for _, s := range reply {
		f.provisioning.Publish(s)
	}
	return nil
}

func (f *fakeTransport) Statuses() (<-chan ble.ConnectionState, func()) {
	return f.statuses.Subscribe(8)
}

func (f *fakeTransport) ProvisioningStatuses() (<-chan ble.ProvisioningStatus, func()) {
	return f.provisioning.Subscribe(8)
}

func (f *fakeTransport) counts() (sent, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent), f.disconnects
}

func waitForState(t *testing.T, p *Provisioning, want ble.ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, _ := p.State(); s == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, _ := p.State()
	t.Fatalf("Expected state %s, got %s", want, s)
}

func TestProvisioning_UnexpectedDisconnectAlertsOnce(t *testing.T) {
	tr := newFakeTransport()
	p, err := OpenProvisioning(context.Background(), tr, ProvisioningConfig{PeripheralID: "AA:BB", DeviceName: "Pad"}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer p.Close(context.Background())
	waitForState(t, p, ble.Connected)

	alerts, unsub := p.Alerts()
	defer unsub()

	tr.statuses.Publish(ble.Disconnected)
	tr.statuses.Publish(ble.Disconnected)
	tr.statuses.Publish(ble.Disconnected)

	select {
	case a := <-alerts:
		if a.Kind != notice.UnexpectedDisconnect {
			t.Errorf("Expected UnexpectedDisconnect, got %s", a.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a disconnect alert")
	}

	waitForState(t, p, ble.Disconnected)
	select {
	case a := <-alerts:
		t.Errorf("Expected a single alert, got another: %+v", a)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProvisioning_AlertWhileConnectingReachesSink(t *testing.T) {
	tr := newFakeTransport()
	tr.dropAfterConnect = true

	got := make(chan notice.Notice, 4)
	p, err := OpenProvisioning(context.Background(), tr, ProvisioningConfig{
		PeripheralID: "AA:BB",
		OnAlert:      func(n notice.Notice) { got <- n },
	}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer p.Close(context.Background())

	select {
	case a := <-got:
		if a.Kind != notice.UnexpectedDisconnect {
			t.Errorf("Expected UnexpectedDisconnect, got %s", a.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the alert raised while connecting")
	}
}

func TestProvisioning_CloseRaisesNoAlert(t *testing.T) {
	tr := newFakeTransport()
	p, err := OpenProvisioning(context.Background(), tr, ProvisioningConfig{PeripheralID: "AA:BB"}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	waitForState(t, p, ble.Connected)

	alerts, _ := p.Alerts()
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if _, ok := <-alerts; ok {
		t.Error("Expected alert channel to close without an alert")
	}
	if tr.statuses.Subscribers() != 0 {
		t.Errorf("Expected no status subscribers after close, got %d", tr.statuses.Subscribers())
	}
	if _, n := tr.counts(); n != 1 {
		t.Errorf("Expected one disconnect, got %d", n)
	}

	// closing twice is a no-op
	p.Close(context.Background())
	if _, n := tr.counts(); n != 1 {
		t.Errorf("Expected one disconnect after second close, got %d", n)
	}
}

func TestProvisioning_ConnectFailureReleasesSubscription(t *testing.T) {
	tr := newFakeTransport()
	tr.connectErr = errors.New("out of range")

	if _, err := OpenProvisioning(context.Background(), tr, ProvisioningConfig{PeripheralID: "AA:BB"}, zap.NewNop(), nil); err == nil {
		t.Fatal("Expected error, got nil")
	}
	if tr.statuses.Subscribers() != 0 {
		t.Errorf("Expected no status subscribers, got %d", tr.statuses.Subscribers())
	}
}

func TestProvisioning_ProvisionWaitsForTerminalStatus(t *testing.T) {
	tr := newFakeTransport()
	tr.reply = []ble.ProvisioningStatus{
		{State: ble.ProvisioningConnecting},
		{State: ble.ProvisioningConnected, IP: netip.MustParseAddr("192.168.1.50")},
	}

	p, err := OpenProvisioning(context.Background(), tr, ProvisioningConfig{PeripheralID: "AA:BB"}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer p.Close(context.Background())

	status, err := p.Provision(context.Background(), provision.Credentials{SSID: "home", Password: "longenough1"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if status.State != ble.ProvisioningConnected || status.IP.String() != "192.168.1.50" {
		t.Errorf("Unexpected status: %+v", status)
	}
	if p.Phase() != provision.PhaseMonitoring {
		t.Errorf("Expected monitoring phase, got %s", p.Phase())
	}
	if tr.provisioning.Subscribers() != 0 {
		t.Errorf("Expected status subscription to be released, got %d", tr.provisioning.Subscribers())
	}
}

func TestProvisioning_ValidationErrorNotSent(t *testing.T) {
	tr := newFakeTransport()
	p, err := OpenProvisioning(context.Background(), tr, ProvisioningConfig{PeripheralID: "AA:BB"}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer p.Close(context.Background())

	_, err = p.Provision(context.Background(), provision.Credentials{SSID: "home", Password: "short1"})
	var verr *provision.ValidationError
	if !errors.As(err, &verr) || verr.Kind() != notice.PasswordTooShort {
		t.Fatalf("Expected PasswordTooShort, got: %v", err)
	}
	if n, _ := tr.counts(); n != 0 {
		t.Errorf("Expected nothing sent, got %d", n)
	}
}

func TestProvisioning_MonitorTimeout(t *testing.T) {
	tr := newFakeTransport()
	p, err := OpenProvisioning(context.Background(), tr, ProvisioningConfig{PeripheralID: "AA:BB", MonitorTimeout: 20 * time.Millisecond}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer p.Close(context.Background())

	_, err = p.Provision(context.Background(), provision.Credentials{SSID: "home", Password: "longenough1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got: %v", err)
	}
}

type nopPull struct{}

func (nopPull) GetLatest(ctx context.Context, id string) (types.Payload, error) {
	return types.Payload{}, nil
}

func (nopPull) GetHistory(ctx context.Context, id string, window time.Duration) ([]types.Payload, error) {
	return nil, nil
}

func TestTelemetry_OpenAndClose(t *testing.T) {
	store := newTestStore()
	ing := fusion.NewIngestor(store, nil, nopPull{}, fusion.IngestorConfig{PollInterval: time.Minute}, zap.NewNop())
	s := NewTelemetry(store, ing, zap.NewNop())

	if err := s.Open(context.Background(), "pad-1"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if id, mode := s.Status(); id != "pad-1" || mode != fusion.ModePoll {
		t.Errorf("Expected pad-1 polling, got %s in %s", id, mode)
	}

	s.Close()
	if id, mode := s.Status(); id != "" || mode != fusion.ModeNone {
		t.Errorf("Expected nothing active after close, got %s in %s", id, mode)
	}
}

func newTestStore() *fusion.Store {
	return fusion.NewStore(zap.NewNop(), nil)
}

func TestExporter_ScoresAndFansOut(t *testing.T) {
	store := newTestStore()

	got := make(chan *types.ScoredSample, 4)
	failing := SinkFunc(func(context.Context, *types.ScoredSample) error { return errors.New("down") })
	collect := SinkFunc(func(_ context.Context, s *types.ScoredSample) error {
		got <- s
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exp := NewExporter(store, sleepscore.DefaultOptions, zap.NewNop(), nil, failing, collect)

	ready := make(chan struct{})
	go func() {
		// the exporter subscribes synchronously at the top of Run
		close(ready)
		exp.Run(ctx)
	}()
	<-ready

	gen := store.Begin("pad-1")
	deadline := time.After(2 * time.Second)
	for {
		store.Apply(gen, types.Payload{"sleepQuality": 72.0}, "push")
		select {
		case s := <-got:
			if s.SleepScore != 72 || s.Sample.DeviceID != "pad-1" {
				t.Errorf("Unexpected scored sample: %+v", s)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("Expected a scored sample")
		}
	}
}
