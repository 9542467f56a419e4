package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/companion/fusion"
	"github.com/mjasion/vitalsync/companion/sleepscore"
	"github.com/mjasion/vitalsync/pkg/buffer"
	"github.com/mjasion/vitalsync/pkg/telemetry"
	"github.com/mjasion/vitalsync/pkg/types"
)

// Sink receives every scored sample
type Sink interface {
	Write(ctx context.Context, s *types.ScoredSample) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, s *types.ScoredSample) error

func (f SinkFunc) Write(ctx context.Context, s *types.ScoredSample) error { return f(ctx, s) }

// QueueSink queues samples for the metrics pusher
func QueueSink(buf *buffer.RingBuffer[*types.ScoredSample]) Sink {
	return SinkFunc(func(_ context.Context, s *types.ScoredSample) error {
		buf.Add(s)
		return nil
	})
}

// Exporter scores every merged sample and hands it to the sinks
type Exporter struct {
	store       *fusion.Store
	opts        sleepscore.Options
	sinks       []Sink
	logger      *zap.Logger
	instruments *telemetry.Instruments
}

// NewExporter creates an exporter for store
func NewExporter(store *fusion.Store, opts sleepscore.Options, logger *zap.Logger, instruments *telemetry.Instruments, sinks ...Sink) *Exporter {
	return &Exporter{store: store, opts: opts, sinks: sinks, logger: logger, instruments: instruments}
}

// Run exports updates until ctx is done
func (e *Exporter) Run(ctx context.Context) {
	updates, unsubscribe := e.store.Subscribe(64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			e.export(ctx, u)
		}
	}
}

func (e *Exporter) export(ctx context.Context, u fusion.Update) {
	scored := &types.ScoredSample{
		Sample:     u.Sample,
		SleepScore: sleepscore.Compute(u.Sample, e.opts),
	}
	e.instruments.SleepScore(ctx, u.Sample.DeviceID, scored.SleepScore)

	for _, sink := range e.sinks {
		if err := sink.Write(ctx, scored); err != nil {
			e.logger.Warn("failed to export sample",
				zap.String("device_id", u.Sample.DeviceID),
				zap.String("source", u.Source),
				zap.Error(err),
			)
		}
	}
}
