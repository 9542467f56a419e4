// Package preflight checks the OS prerequisites for a Wi-Fi scan.
package preflight

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/companion/notice"
)

// PermissionStatus is the state of the location permission
type PermissionStatus int

const (
	PermissionUndetermined PermissionStatus = iota
	PermissionGranted
	PermissionDenied
)

func (s PermissionStatus) String() string {
	switch s {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "undetermined"
	}
}

// ProviderStatus reports the state of the location provider
type ProviderStatus struct {
	LocationServicesEnabled bool
}

// LocationServices is the OS location collaborator
type LocationServices interface {
	PermissionStatus(ctx context.Context) (PermissionStatus, error)
	RequestPermission(ctx context.Context) (PermissionStatus, error)
	ProviderStatus(ctx context.Context) (ProviderStatus, error)
}

// Radio reports whether the Wi-Fi radio is on. wifi.Transport satisfies it.
type Radio interface {
	IsEnabled(ctx context.Context) (bool, error)
}

// Platform describes what a scan needs on the current OS
type Platform interface {
	// RequiresLocation is false on platforms where Wi-Fi scans need no location access
	RequiresLocation() bool
	Location() LocationServices
	Radio() Radio
}

// Failure is a failed guard. It is returned as error and carries the notice to show.
type Failure struct {
	notice notice.Notice
}

func newFailure(kind notice.Kind) *Failure {
	return &Failure{notice: notice.For(kind, "")}
}

func (f *Failure) Error() string {
	return fmt.Sprintf("preflight failed: %s", f.notice.Kind)
}

// Kind returns the failed guard
func (f *Failure) Kind() notice.Kind {
	return f.notice.Kind
}

// Notice returns the user-facing remediation
func (f *Failure) Notice() notice.Notice {
	return f.notice
}

// Guard runs the preflight chain
type Guard struct {
	logger *zap.Logger
}

// NewGuard creates a preflight guard
func NewGuard(logger *zap.Logger) *Guard {
	return &Guard{logger: logger}
}

// Run executes location permission, location services and Wi-Fi radio checks in order
// and stops at the first failure. The location checks are skipped when the platform
// does not require them. A guard failure is a *Failure; collaborator errors are wrapped.
func (g *Guard) Run(ctx context.Context, platform Platform) error {
	if platform.RequiresLocation() {
		if err := g.checkPermission(ctx, platform.Location()); err != nil {
			return err
		}
		if err := g.checkServices(ctx, platform.Location()); err != nil {
			return err
		}
	}

	return g.checkRadio(ctx, platform.Radio())
}

func (g *Guard) checkPermission(ctx context.Context, location LocationServices) error {
	status, err := location.PermissionStatus(ctx)
	if err != nil {
		g.logger.Error("failed to read location permission", zap.Error(err))
		return fmt.Errorf("could not read the location permission: %w", err)
	}
	if status == PermissionGranted {
		return nil
	}

	// one request only; a second denial is final for this run
	status, err = location.RequestPermission(ctx)
	if err != nil {
		g.logger.Error("location permission request failed", zap.Error(err))
		return fmt.Errorf("could not request the location permission: %w", err)
	}
	if status != PermissionGranted {
		g.logger.Info("location permission denied", zap.Stringer("status", status))
		return newFailure(notice.PermissionDenied)
	}
	return nil
}

func (g *Guard) checkServices(ctx context.Context, location LocationServices) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	provider, err := location.ProviderStatus(ctx)
	if err != nil {
		g.logger.Error("failed to read location provider status", zap.Error(err))
		return fmt.Errorf("could not read the location services state: %w", err)
	}
	if !provider.LocationServicesEnabled {
		g.logger.Info("location services disabled")
		return newFailure(notice.ServicesDisabled)
	}
	return nil
}

func (g *Guard) checkRadio(ctx context.Context, radio Radio) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	enabled, err := radio.IsEnabled(ctx)
	if err != nil {
		g.logger.Error("failed to read Wi-Fi radio state", zap.Error(err))
		return fmt.Errorf("could not read the Wi-Fi radio state: %w", err)
	}
	if !enabled {
		g.logger.Info("Wi-Fi radio disabled")
		return newFailure(notice.RadioDisabled)
	}
	return nil
}
