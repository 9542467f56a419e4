package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/pkg/buffer"
	"github.com/mjasion/vitalsync/pkg/types"
)

// TimeSeriesBuilder converts queued samples to Prometheus time series
type TimeSeriesBuilder func(ctx context.Context, samples []*types.ScoredSample) ([]prompb.TimeSeries, error)

const maxAttempts = 3

// Pusher drains the export buffer into a Prometheus remote_write endpoint
type Pusher struct {
	url          string
	username     string
	password     string
	client       *http.Client
	logger       *zap.Logger
	buffer       *buffer.RingBuffer[*types.ScoredSample]
	pushInterval time.Duration
	batchSize    int
	retryBackoff time.Duration
	tsBuilder    TimeSeriesBuilder

	mu       sync.RWMutex
	lastPush time.Time
}

// Config contains configuration for the Prometheus pusher
type Config struct {
	URL               string
	Username          string
	Password          string
	PushIntervalSec   int
	BatchSize         int
	TimeSeriesBuilder TimeSeriesBuilder
	// RetryBackoff is the first retry delay, doubled for each further attempt. Defaults to 1s.
	RetryBackoff time.Duration
}

// New creates a new Prometheus pusher. A nil TimeSeriesBuilder defaults to BuildVitalsTimeSeries.
func New(cfg Config, buf *buffer.RingBuffer[*types.ScoredSample], logger *zap.Logger) *Pusher {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return "prometheus.remote_write"
			}),
		),
	}

	builder := cfg.TimeSeriesBuilder
	if builder == nil {
		builder = BuildVitalsTimeSeries
	}
	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 100
	}
	interval := time.Duration(cfg.PushIntervalSec) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	return &Pusher{
		url:          cfg.URL,
		username:     cfg.Username,
		password:     cfg.Password,
		client:       httpClient,
		logger:       logger,
		buffer:       buf,
		pushInterval: interval,
		batchSize:    batchSize,
		retryBackoff: backoff,
		tsBuilder:    builder,
	}
}

// Start pushes the buffered samples every push interval until ctx is cancelled
func (p *Pusher) Start(ctx context.Context) {
	ticker := time.NewTicker(p.pushInterval)
	defer ticker.Stop()

	p.logger.Info("prometheus pusher started",
		zap.Duration("push_interval", p.pushInterval),
		zap.Int("batch_size", p.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("prometheus pusher stopping")
			return
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush pushes everything currently buffered in batches.
// On failure the failed batch and every later one go back into the buffer.
func (p *Pusher) Flush(ctx context.Context) {
	samples := p.buffer.GetAllAndClear()
	if len(samples) == 0 {
		p.logger.Debug("no samples to push")
		return
	}

	for start := 0; start < len(samples); start += p.batchSize {
		end := min(start+p.batchSize, len(samples))

		if err := p.Push(ctx, samples[start:end]); err != nil {
			p.logger.Error("failed to push batch, re-adding remaining samples to buffer",
				zap.Error(err),
				zap.Int("failed_samples", len(samples)-start),
			)
			for _, s := range samples[start:] {
				p.buffer.Add(s)
			}
			return
		}
	}
}

// Push sends samples to Prometheus, retrying with exponential backoff
func (p *Pusher) Push(ctx context.Context, samples []*types.ScoredSample) error {
	ctx, span := otel.Tracer("metrics").Start(ctx, "metrics.Push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("metrics.total_samples", len(samples))),
	)
	defer span.End()

	if len(samples) == 0 {
		span.SetStatus(codes.Ok, "no samples to push")
		return nil
	}

	timeSeries, err := p.tsBuilder(ctx, samples)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "builder failed")
		return fmt.Errorf("time series builder failed: %w", err)
	}
	if len(timeSeries) == 0 {
		span.SetStatus(codes.Ok, "no time series")
		return nil
	}
	writeReq := &prompb.WriteRequest{Timeseries: timeSeries}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := p.pushOnce(ctx, writeReq)
		if err == nil {
			p.mu.Lock()
			p.lastPush = time.Now()
			p.mu.Unlock()

			p.logger.Info("successfully pushed metrics",
				zap.Int("samples", len(samples)),
				zap.Int("time_series", len(timeSeries)),
				zap.Int("attempt", attempt),
			)
			span.SetAttributes(attribute.Int("metrics.successful_attempt", attempt))
			span.SetStatus(codes.Ok, "metrics pushed successfully")
			return nil
		}

		lastErr = err
		p.logger.Warn("failed to push metrics, will retry",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		span.AddEvent("push attempt failed", trace.WithAttributes(
			attribute.Int("metrics.attempt", attempt),
			attribute.String("error", err.Error()),
		))

		if attempt < maxAttempts {
			backoff := p.retryBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context cancelled")
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "failed after retries")
	return fmt.Errorf("failed to push metrics after %d attempts: %w", maxAttempts, lastErr)
}

func (p *Pusher) pushOnce(ctx context.Context, writeReq *prompb.WriteRequest) error {
	data, err := proto.Marshal(writeReq)
	if err != nil {
		return fmt.Errorf("failed to marshal protobuf: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.username != "" && p.password != "" {
		req.SetBasicAuth(p.username, p.password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("received non-2xx status code: %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

// LastPushTime returns the time of the last successful push
func (p *Pusher) LastPushTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPush
}

// Pending returns the number of samples waiting to be pushed
func (p *Pusher) Pending() int {
	return p.buffer.Size()
}

// Dropped returns the number of samples evicted from the queue before they could be pushed
func (p *Pusher) Dropped() uint64 {
	_, _, evicted := p.buffer.Stats()
	return evicted
}
