// Package provision validates Wi-Fi credentials and hands them to the device over BLE.
package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/companion/ble"
	"github.com/mjasion/vitalsync/companion/notice"
	"github.com/mjasion/vitalsync/pkg/telemetry"
)

// MinPasswordLength is the shortest accepted WPA passphrase
const MinPasswordLength = 8

// Credentials are the user-entered network credentials. They are never persisted.
type Credentials struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// String hides the password
func (c Credentials) String() string {
	return fmt.Sprintf("{ssid:%q password:***}", c.SSID)
}

// Phase is the screen phase of the provisioning flow
type Phase int

const (
	PhaseInput Phase = iota
	PhaseSending
	PhaseMonitoring
)

func (p Phase) String() string {
	switch p {
	case PhaseSending:
		return "sending"
	case PhaseMonitoring:
		return "monitoring"
	default:
		return "input"
	}
}

// MarshalText renders the phase as its name
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ValidationError is a local input error; it never reaches the transport
type ValidationError struct {
	kind notice.Kind
}

func (e *ValidationError) Error() string     { return fmt.Sprintf("invalid credentials: %s", e.kind) }
func (e *ValidationError) Kind() notice.Kind { return e.kind }

// Notice returns the input hint for the failed check
func (e *ValidationError) Notice() notice.Notice { return notice.For(e.kind, "") }

// TransmissionError is a failed hand-off to the BLE transport. It is never retried automatically.
type TransmissionError struct {
	err error
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("sending credentials failed: %v", e.err)
}
func (e *TransmissionError) Unwrap() error { return e.err }

// Notice returns the notice with a retry action
func (e *TransmissionError) Notice() notice.Notice { return notice.For(notice.TransmissionError, "") }

// ErrInProgress is returned when credentials are already being sent
var ErrInProgress = errors.New("provisioning already in progress")

// Validate checks SSID, then password presence, then password length
func Validate(c Credentials) error {
	switch {
	case c.SSID == "":
		return &ValidationError{kind: notice.EmptySsid}
	case c.Password == "":
		return &ValidationError{kind: notice.EmptyPassword}
	case utf8.RuneCountInString(c.Password) < MinPasswordLength:
		return &ValidationError{kind: notice.PasswordTooShort}
	}
	return nil
}

// Sender transmits credentials to the device; ble.Transport satisfies it
type Sender interface {
	SendCredentials(ctx context.Context, ssid, password string) error
}

// Sequencer drives one provisioning screen
type Sequencer struct {
	sender       Sender
	dismissInput func()
	logger       *zap.Logger
	instruments  *telemetry.Instruments

	mu    sync.Mutex
	phase Phase
}

// NewSequencer creates a sequencer. dismissInput is called right before transmission
// to release any input focus; it may be nil.
func NewSequencer(sender Sender, dismissInput func(), logger *zap.Logger, instruments *telemetry.Instruments) *Sequencer {
	if dismissInput == nil {
		dismissInput = func() {}
	}
	return &Sequencer{
		sender:       sender,
		dismissInput: dismissInput,
		logger:       logger,
		instruments:  instruments,
	}
}

// Phase returns the current phase
func (s *Sequencer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Provision validates the credentials, sends them and moves to PhaseMonitoring.
// Validation failures are *ValidationError, transport failures *TransmissionError.
func (s *Sequencer) Provision(ctx context.Context, creds Credentials) error {
	if err := Validate(creds); err != nil {
		s.logger.Info("credentials rejected", zap.Error(err))
		s.instruments.Provisioning(ctx, "invalid")
		return err
	}

	s.mu.Lock()
	if s.phase == PhaseSending {
		s.mu.Unlock()
		return ErrInProgress
	}
	s.phase = PhaseSending
	s.mu.Unlock()

	s.dismissInput()

	ctx, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, "provision.Provision")
	defer span.End()
	span.SetAttributes(attribute.Int("provision.ssid_length", len(creds.SSID)))

	if err := s.sender.SendCredentials(ctx, creds.SSID, creds.Password); err != nil {
		s.setPhase(PhaseInput)
		span.RecordError(err)
		span.SetStatus(codes.Error, "transmission failed")
		telemetry.ErrorWithTrace(ctx, s.logger, "failed to send credentials", zap.Error(err))
		s.instruments.Provisioning(ctx, "failed")
		return &TransmissionError{err: err}
	}

	s.setPhase(PhaseMonitoring)
	span.SetStatus(codes.Ok, "credentials sent")
	telemetry.InfoWithTrace(ctx, s.logger, "credentials sent, monitoring device", zap.String("ssid", creds.SSID))
	s.instruments.Provisioning(ctx, "sent")
	return nil
}

// Monitor waits in PhaseMonitoring for a terminal status from the device
func (s *Sequencer) Monitor(ctx context.Context, statuses <-chan ble.ProvisioningStatus) (ble.ProvisioningStatus, error) {
	for {
		select {
		case <-ctx.Done():
			return ble.ProvisioningStatus{}, ctx.Err()
		case status, ok := <-statuses:
			if !ok {
				return ble.ProvisioningStatus{}, errors.New("provisioning status stream closed")
			}
			s.logger.Info("device provisioning status", zap.Stringer("state", status.State))
			if status.Terminal() {
				return status, nil
			}
		}
	}
}

// Reset returns to PhaseInput, used when the screen is left
func (s *Sequencer) Reset() {
	s.setPhase(PhaseInput)
}

func (s *Sequencer) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}
