package fusion

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/pkg/buffer"
	"github.com/mjasion/vitalsync/pkg/feed"
	"github.com/mjasion/vitalsync/pkg/telemetry"
	"github.com/mjasion/vitalsync/pkg/types"
)

// HistoryCapacity is the number of trimmed samples kept per device
const HistoryCapacity = 100

// Update is published after every merge
type Update struct {
	Generation uint64
	Source     string
	Sample     types.TelemetrySample
}

// Store owns the latest sample and the history of the active device.
// Merges are serialized and applied in arrival order.
type Store struct {
	mu         sync.Mutex
	deviceID   string
	generation uint64
	latest     *types.TelemetrySample
	history    *buffer.RingBuffer[types.TelemetrySample]

	updates     *feed.Feed[Update]
	now         func() time.Time
	logger      *zap.Logger
	instruments *telemetry.Instruments
}

// NewStore creates an empty store with no active device
func NewStore(logger *zap.Logger, instruments *telemetry.Instruments) *Store {
	return &Store{
		history:     buffer.New[types.TelemetrySample]("telemetry_history", HistoryCapacity, logger),
		updates:     feed.New[Update]("telemetry_updates", logger),
		now:         time.Now,
		logger:      logger,
		instruments: instruments,
	}
}

// Begin switches the store to deviceID, dropping the previous device's sample and
// history. It returns the generation that Apply calls must present.
func (s *Store) Begin(deviceID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	s.deviceID = deviceID
	s.latest = nil
	s.history.Reset()

	s.logger.Info("telemetry store switched device",
		zap.String("device_id", deviceID),
		zap.Uint64("generation", s.generation),
	)
	return s.generation
}

// Apply merges payload into the latest sample when gen is still current.
// Payloads from an older generation are discarded and reported as not applied.
func (s *Store) Apply(gen uint64, payload types.Payload, source string) (types.TelemetrySample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		s.logger.Debug("discarding telemetry from previous device",
			zap.Uint64("generation", gen),
			zap.Uint64("current_generation", s.generation),
		)
		s.instruments.SampleDiscarded(context.Background(), s.deviceID)
		return types.TelemetrySample{}, false
	}

	next := Merge(payload, s.latest, s.now())
	next.DeviceID = s.deviceID
	s.latest = &next
	s.history.Add(next.Trimmed())

	s.instruments.SampleMerged(context.Background(), s.deviceID, source)
	s.updates.Publish(Update{Generation: gen, Source: source, Sample: next})
	return next, true
}

// Latest returns the current sample of the active device
func (s *Store) Latest() (types.TelemetrySample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return types.TelemetrySample{}, false
	}
	return *s.latest, true
}

// History returns a copy of the trimmed history, oldest first
func (s *Store) History() []types.TelemetrySample {
	return s.history.Snapshot()
}

// DeviceID returns the active device and its generation
func (s *Store) DeviceID() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID, s.generation
}

// Subscribe registers for merge updates
func (s *Store) Subscribe(buffer int) (<-chan Update, func()) {
	return s.updates.Subscribe(buffer)
}

// Close releases update subscribers
func (s *Store) Close() {
	s.updates.Close()
}
