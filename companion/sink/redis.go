// Package sink mirrors fused samples into Redis for other consumers.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/pkg/types"
)

// Config contains the Redis settings
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// StreamMaxLen caps every per-device stream, approximately
	StreamMaxLen int64
	LatestTTL    time.Duration
}

// Redis appends samples to a per-device stream and keeps the latest one under a plain key
type Redis struct {
	client *redis.Client
	cfg    Config
	logger *zap.Logger
}

// NewClient creates the go-redis client for cfg
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// New wraps client. The caller owns the client.
func New(client *redis.Client, cfg Config, logger *zap.Logger) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "vitalsync"
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = 1000
	}
	return &Redis{client: client, cfg: cfg, logger: logger}
}

// StreamKey is the stream holding deviceID's samples
func (r *Redis) StreamKey(deviceID string) string {
	return fmt.Sprintf("%s:telemetry:%s", r.cfg.KeyPrefix, deviceID)
}

// LatestKey holds deviceID's most recent sample as JSON
func (r *Redis) LatestKey(deviceID string) string {
	return fmt.Sprintf("%s:telemetry:%s:latest", r.cfg.KeyPrefix, deviceID)
}

// Ping checks the connection
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Write stores one scored sample
func (r *Redis) Write(ctx context.Context, s *types.ScoredSample) error {
	data, err := json.Marshal(s.Sample)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}

	deviceID := s.Sample.DeviceID
	pipe := r.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: r.StreamKey(deviceID),
		MaxLen: r.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"sample":      string(data),
			"sleep_score": strconv.Itoa(s.SleepScore),
			"timestamp":   strconv.FormatInt(s.Sample.Timestamp.UnixMilli(), 10),
		},
	})
	pipe.Set(ctx, r.LatestKey(deviceID), data, r.cfg.LatestTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write sample for %s: %w", deviceID, err)
	}

	r.logger.Debug("sample written to redis", zap.String("device_id", deviceID), zap.Int("sleep_score", s.SleepScore))
	return nil
}

// Latest reads back the most recent sample of deviceID
func (r *Redis) Latest(ctx context.Context, deviceID string) (types.TelemetrySample, bool, error) {
	data, err := r.client.Get(ctx, r.LatestKey(deviceID)).Bytes()
	if err == redis.Nil {
		return types.TelemetrySample{}, false, nil
	}
	if err != nil {
		return types.TelemetrySample{}, false, fmt.Errorf("read latest sample: %w", err)
	}

	var s types.TelemetrySample
	if err := json.Unmarshal(data, &s); err != nil {
		return types.TelemetrySample{}, false, fmt.Errorf("decode latest sample: %w", err)
	}
	return s, true, nil
}
