package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/companion/fusion"
)

// Telemetry owns the ingestion of the telemetry screen
type Telemetry struct {
	ingestor *fusion.Ingestor
	store    *fusion.Store
	logger   *zap.Logger
}

// NewTelemetry wraps an ingestor feeding store
func NewTelemetry(store *fusion.Store, ingestor *fusion.Ingestor, logger *zap.Logger) *Telemetry {
	return &Telemetry{ingestor: ingestor, store: store, logger: logger}
}

// Open starts ingesting deviceID, tearing down any previous device first
func (t *Telemetry) Open(ctx context.Context, deviceID string) error {
	if err := t.ingestor.Switch(ctx, deviceID); err != nil {
		t.logger.Error("failed to switch telemetry device", zap.String("device_id", deviceID), zap.Error(err))
		return err
	}
	_, mode := t.ingestor.Status()
	t.logger.Info("telemetry session opened", zap.String("device_id", deviceID), zap.String("mode", string(mode)))
	return nil
}

// Status returns the active device and ingestion mode
func (t *Telemetry) Status() (string, fusion.Mode) {
	return t.ingestor.Status()
}

// Store returns the store the session feeds
func (t *Telemetry) Store() *fusion.Store {
	return t.store
}

// Close stops polling or unsubscribes, whichever mode is active
func (t *Telemetry) Close() {
	t.ingestor.Stop()
}
