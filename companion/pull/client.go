// Package pull is the REST implementation of the polled telemetry channel.
package pull

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/pkg/types"
)

const (
	latestPath  = "/devices/{deviceId}/telemetry/latest"
	historyPath = "/devices/{deviceId}/telemetry/history"
)

// Config contains the telemetry API settings
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
	// MaxFailures consecutive failed calls open the breaker for BreakerTimeout
	MaxFailures    uint32
	BreakerTimeout time.Duration
}

// ErrUnavailable is returned while the breaker is open
var ErrUnavailable = errors.New("telemetry API unavailable")

// Client fetches telemetry over HTTP behind a circuit breaker
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	logger  *zap.Logger
}

// New creates a REST pull channel
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTransport(otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return "telemetry-api " + r.Method
			}),
		)).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(4*cfg.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        "telemetry-api",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// a poll abandoned by a device switch says nothing about the API
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{http: client, breaker: breaker, logger: logger}
}

// GetLatest returns the newest payload of deviceID. A device without
// telemetry yields an empty payload and no error.
func (c *Client) GetLatest(ctx context.Context, deviceID string) (types.Payload, error) {
	resp, err := c.get(ctx, latestPath, deviceID, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusNoContent || len(resp.Body()) == 0 {
		return types.Payload{}, nil
	}

	payload, err := types.DecodePayload(resp.Body())
	if err != nil {
		return nil, err
	}
	// some deployments wrap the sample
	if inner, ok := payload["data"].(map[string]any); ok && len(payload) == 1 {
		payload = inner
	}
	return payload, nil
}

// GetHistory returns the payloads of deviceID received within window, oldest first
func (c *Client) GetHistory(ctx context.Context, deviceID string, window time.Duration) ([]types.Payload, error) {
	now := time.Now()
	query := map[string]string{
		"from": strconv.FormatInt(now.Add(-window).UnixMilli(), 10),
		"to":   strconv.FormatInt(now.UnixMilli(), 10),
	}

	resp, err := c.get(ctx, historyPath, deviceID, query)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNotFound || len(resp.Body()) == 0 {
		return nil, nil
	}
	return types.DecodePayloads(resp.Body())
}

// State reports the breaker state
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) get(ctx context.Context, path, deviceID string, query map[string]string) (*resty.Response, error) {
	resp, err := c.breaker.Execute(func() (*resty.Response, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetPathParam("deviceId", deviceID).
			SetQueryParams(query).
			Get(path)
		if err != nil {
			return nil, err
		}
		// 404 means no telemetry yet, not an outage
		if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
			return nil, fmt.Errorf("telemetry API returned %s", resp.Status())
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		c.logger.Debug("telemetry API call failed", zap.String("path", path), zap.String("device_id", deviceID), zap.Error(err))
		return nil, fmt.Errorf("fetch %s for %s: %w", path, deviceID, err)
	}
	return resp, nil
}
