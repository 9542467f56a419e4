package fusion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/pkg/types"
)

// Mode is the active ingestion mode
type Mode string

const (
	ModeNone Mode = "none"
	ModePush Mode = "push"
	ModePoll Mode = "poll"
)

// IngestorConfig selects and tunes the ingestion modes
type IngestorConfig struct {
	PushEnabled  bool
	PollInterval time.Duration
	// PushCheckInterval is how often a live push handle is checked; a lost handle falls back to polling
	PushCheckInterval time.Duration
	// HistoryWindow seeds the history from the pull channel on switch, 0 disables seeding
	HistoryWindow time.Duration
}

// Ingestor feeds the store from exactly one mode for exactly one device at a time
type Ingestor struct {
	store  *Store
	push   PushChannel
	pull   PullChannel
	cfg    IngestorConfig
	logger *zap.Logger

	mu     sync.Mutex
	active *ingestion
}

type ingestion struct {
	deviceID string
	cancel   context.CancelFunc
	done     chan struct{}
	mode     atomic.Value
}

// NewIngestor creates an ingestor. push may be nil, in which case polling is always used.
func NewIngestor(store *Store, push PushChannel, pull PullChannel, cfg IngestorConfig, logger *zap.Logger) *Ingestor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PushCheckInterval <= 0 {
		cfg.PushCheckInterval = 5 * time.Second
	}
	return &Ingestor{store: store, push: push, pull: pull, cfg: cfg, logger: logger}
}

// Switch tears down the current ingestion, waits for it to exit, then starts
// ingesting deviceID. An empty deviceID only tears down. Once the old device is
// torn down the switch is not undone: if ctx ends first, Switch returns and the
// new ingestion keeps settling in the background.
func (i *Ingestor) Switch(ctx context.Context, deviceID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.stopLocked()
	if deviceID == "" {
		return nil
	}

	gen := i.store.Begin(deviceID)
	i.seed(ctx, deviceID, gen)

	runCtx, cancel := context.WithCancel(context.Background())
	ing := &ingestion{deviceID: deviceID, cancel: cancel, done: make(chan struct{})}
	ing.mode.Store(ModeNone)
	i.active = ing

	started := make(chan struct{})
	go func() {
		defer close(ing.done)
		i.run(runCtx, ing, gen, started)
	}()

	// return once the mode is established so callers observe a settled state
	select {
	case <-started:
	case <-ctx.Done():
		i.logger.Warn("telemetry ingestion still starting after switch deadline",
			zap.String("device_id", deviceID),
			zap.Error(ctx.Err()),
		)
	}
	return nil
}

// Stop tears down the current ingestion and waits for it to exit
func (i *Ingestor) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopLocked()
}

// Status returns the active device and mode
func (i *Ingestor) Status() (string, Mode) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.active == nil {
		return "", ModeNone
	}
	return i.active.deviceID, i.active.mode.Load().(Mode)
}

func (i *Ingestor) stopLocked() {
	if i.active == nil {
		return
	}
	i.active.cancel()
	<-i.active.done
	i.logger.Info("telemetry ingestion stopped", zap.String("device_id", i.active.deviceID))
	i.active = nil
}

// seed fills the history from the pull channel before live ingestion starts
func (i *Ingestor) seed(ctx context.Context, deviceID string, gen uint64) {
	if i.pull == nil || i.cfg.HistoryWindow <= 0 {
		return
	}
	payloads, err := i.pull.GetHistory(ctx, deviceID, i.cfg.HistoryWindow)
	if err != nil {
		i.logger.Warn("failed to seed telemetry history", zap.String("device_id", deviceID), zap.Error(err))
		return
	}
	for _, p := range payloads {
		i.store.Apply(gen, p, "seed")
	}
	i.logger.Info("seeded telemetry history", zap.String("device_id", deviceID), zap.Int("samples", len(payloads)))
}

func (i *Ingestor) run(ctx context.Context, ing *ingestion, gen uint64, started chan<- struct{}) {
	var once sync.Once
	markStarted := func() { once.Do(func() { close(started) }) }
	defer markStarted()

	if i.cfg.PushEnabled && i.push != nil {
		err := i.runPush(ctx, ing, gen, markStarted)
		if ctx.Err() != nil {
			return
		}
		i.logger.Warn("push ingestion unavailable, falling back to polling",
			zap.String("device_id", ing.deviceID),
			zap.Error(err),
		)
	}

	if i.pull == nil {
		i.logger.Error("no pull channel configured, telemetry ingestion idle", zap.String("device_id", ing.deviceID))
		markStarted()
		<-ctx.Done()
		return
	}

	ing.mode.Store(ModePoll)
	markStarted()
	poller := NewPoller(i.pull, ing.deviceID, i.cfg.PollInterval, func(p types.Payload) {
		i.store.Apply(gen, p, "poll")
	}, i.logger)
	if err := poller.Run(ctx); err != nil {
		i.logger.Error("telemetry poller failed", zap.Error(err))
	}
	ing.mode.Store(ModeNone)
}

var errPushLost = errors.New("push connection lost")

// runPush holds a push subscription until ctx is done or the handle reports
// disconnected. The handle is always disconnected before returning.
func (i *Ingestor) runPush(ctx context.Context, ing *ingestion, gen uint64, markStarted func()) error {
	handle, err := i.push.Connect(ctx, ing.deviceID)
	if err != nil {
		return err
	}

	var attached atomic.Bool
	attached.Store(true)
	handle.OnMessage(func(p types.Payload) {
		if !attached.Load() {
			return
		}
		i.store.Apply(gen, p, "push")
	})
	defer func() {
		attached.Store(false)
		handle.Disconnect()
		ing.mode.Store(ModeNone)
	}()

	ing.mode.Store(ModePush)
	markStarted()
	i.logger.Info("push ingestion started", zap.String("device_id", ing.deviceID))

	ticker := time.NewTicker(i.cfg.PushCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !handle.IsConnected() {
				return errPushLost
			}
		}
	}
}
