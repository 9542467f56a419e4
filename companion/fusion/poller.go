package fusion

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/pkg/telemetry"
	"github.com/mjasion/vitalsync/pkg/types"
)

// DefaultPollInterval is the fallback polling interval
const DefaultPollInterval = 30 * time.Second

// Poller fetches the latest payload of one device on a fixed schedule
type Poller struct {
	pull     PullChannel
	deviceID string
	interval time.Duration
	apply    func(types.Payload)
	logger   *zap.Logger

	lastServerTS string
}

// NewPoller creates a poller; apply receives every new payload. The schedule has
// second resolution, so a fractional interval is rounded up to the next second.
func NewPoller(pull PullChannel, deviceID string, interval time.Duration, apply func(types.Payload), logger *zap.Logger) *Poller {
	if interval < time.Second {
		interval = DefaultPollInterval
	}
	if rem := interval % time.Second; rem != 0 {
		interval += time.Second - rem
	}
	return &Poller{
		pull:     pull,
		deviceID: deviceID,
		interval: interval,
		apply:    apply,
		logger:   logger,
	}
}

// Run polls immediately and then every interval until ctx is done.
// It returns once the in-flight poll, if any, has finished.
func (p *Poller) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", p.interval), func() { p.PollOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule telemetry poll: %w", err)
	}

	p.logger.Info("starting telemetry poller",
		zap.String("device_id", p.deviceID),
		zap.Duration("interval", p.interval),
	)

	p.PollOnce(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()

	p.logger.Info("telemetry poller stopped", zap.String("device_id", p.deviceID))
	return nil
}

// PollOnce fetches the latest payload and applies it unless the server
// timestamp equals the previous poll's
func (p *Poller) PollOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	ctx, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, "fusion.Poll")
	defer span.End()
	span.SetAttributes(attribute.String("device_id", p.deviceID))

	payload, err := p.pull.GetLatest(ctx, p.deviceID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll failed")
		telemetry.ErrorWithTrace(ctx, p.logger, "failed to poll latest telemetry",
			zap.String("device_id", p.deviceID),
			zap.Error(err),
		)
		return
	}
	if len(payload) == 0 {
		p.logger.Debug("no telemetry returned", zap.String("device_id", p.deviceID))
		return
	}

	if ts, ok := serverTimestamp(payload); ok {
		if ts == p.lastServerTS {
			p.logger.Debug("telemetry unchanged since last poll", zap.String("server_ts", ts))
			span.SetAttributes(attribute.Bool("fusion.unchanged", true))
			return
		}
		p.lastServerTS = ts
	}

	if ctx.Err() != nil {
		return
	}
	p.apply(payload)
	span.SetStatus(codes.Ok, "payload applied")
}
