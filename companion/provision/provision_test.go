package provision

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/companion/ble"
	"github.com/mjasion/vitalsync/companion/notice"
)

type fakeSender struct {
	err   error
	calls int
	ssid  string
}

func (f *fakeSender) SendCredentials(ctx context.Context, ssid, password string) error {
	f.calls++
	f.ssid = ssid
	return f.err
}

func validationKind(t *testing.T, err error) notice.Kind {
	t.Helper()
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Expected *ValidationError, got %v", err)
	}
	return vErr.Kind()
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		creds    Credentials
		expected notice.Kind
	}{
		{name: "empty ssid wins", creds: Credentials{SSID: "", Password: ""}, expected: notice.EmptySsid},
		{name: "empty password", creds: Credentials{SSID: "home", Password: ""}, expected: notice.EmptyPassword},
		{name: "six chars", creds: Credentials{SSID: "home", Password: "short1"}, expected: notice.PasswordTooShort},
		{name: "seven chars", creds: Credentials{SSID: "home", Password: "1234567"}, expected: notice.PasswordTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if kind := validationKind(t, Validate(tt.creds)); kind != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, kind)
			}
		})
	}

	if err := Validate(Credentials{SSID: "home", Password: "longenough1"}); err != nil {
		t.Errorf("Expected longenough1 to pass, got %v", err)
	}
	if err := Validate(Credentials{SSID: "home", Password: "12345678"}); err != nil {
		t.Errorf("Expected 8 chars to pass, got %v", err)
	}
}

func TestProvision_InvalidNeverReachesTransport(t *testing.T) {
	sender := &fakeSender{}
	dismissed := 0
	seq := NewSequencer(sender, func() { dismissed++ }, zap.NewNop(), nil)

	err := seq.Provision(context.Background(), Credentials{SSID: "home", Password: "short1"})
	if kind := validationKind(t, err); kind != notice.PasswordTooShort {
		t.Errorf("Expected PasswordTooShort, got %s", kind)
	}
	if sender.calls != 0 || dismissed != 0 {
		t.Errorf("Expected no transmission and no dismiss, got calls=%d dismissed=%d", sender.calls, dismissed)
	}
	if seq.Phase() != PhaseInput {
		t.Errorf("Expected input phase, got %s", seq.Phase())
	}
}

func TestProvision_Success(t *testing.T) {
	sender := &fakeSender{}
	dismissed := 0
	seq := NewSequencer(sender, func() { dismissed++ }, zap.NewNop(), nil)

	if err := seq.Provision(context.Background(), Credentials{SSID: "home", Password: "longenough1"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if sender.calls != 1 || sender.ssid != "home" {
		t.Errorf("Expected one transmission for home, got calls=%d ssid=%s", sender.calls, sender.ssid)
	}
	if dismissed != 1 {
		t.Errorf("Expected input to be dismissed once, got %d", dismissed)
	}
	if seq.Phase() != PhaseMonitoring {
		t.Errorf("Expected monitoring phase, got %s", seq.Phase())
	}
}

func TestProvision_TransmissionErrorNotRetried(t *testing.T) {
	cause := errors.New("gatt write failed")
	sender := &fakeSender{err: cause}
	seq := NewSequencer(sender, nil, zap.NewNop(), nil)

	err := seq.Provision(context.Background(), Credentials{SSID: "home", Password: "longenough1"})
	var tErr *TransmissionError
	if !errors.As(err, &tErr) {
		t.Fatalf("Expected *TransmissionError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("Expected transport error to be wrapped")
	}
	if tErr.Notice().Action != notice.Retry {
		t.Errorf("Expected retry action, got %s", tErr.Notice().Action)
	}
	if sender.calls != 1 {
		t.Errorf("Expected exactly one attempt, got %d", sender.calls)
	}
	if seq.Phase() != PhaseInput {
		t.Errorf("Expected back to input phase, got %s", seq.Phase())
	}
}

func TestMonitor_WaitsForTerminalStatus(t *testing.T) {
	seq := NewSequencer(&fakeSender{}, nil, zap.NewNop(), nil)
	statuses := make(chan ble.ProvisioningStatus, 3)
	statuses <- ble.ProvisioningStatus{State: ble.ProvisioningConnecting}
	statuses <- ble.ProvisioningStatus{State: ble.ProvisioningConnected, IP: netip.MustParseAddr("10.0.0.7")}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	status, err := seq.Monitor(ctx, statuses)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if status.State != ble.ProvisioningConnected || status.IP.String() != "10.0.0.7" {
		t.Errorf("Unexpected terminal status: %+v", status)
	}
}

func TestMonitor_Cancelled(t *testing.T) {
	seq := NewSequencer(&fakeSender{}, nil, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := seq.Monitor(ctx, make(chan ble.ProvisioningStatus)); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestCredentials_StringHidesPassword(t *testing.T) {
	s := Credentials{SSID: "home", Password: "secret-pass"}.String()
	if s != `{ssid:"home" password:***}` {
		t.Errorf("Unexpected string: %s", s)
	}
}
