// Package push is the MQTT implementation of the live telemetry channel.
package push

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/companion/fusion"
	"github.com/mjasion/vitalsync/pkg/types"
)

// DeviceIDPlaceholder is substituted in Config.TopicTemplate
const DeviceIDPlaceholder = "{deviceId}"

// Config contains the broker settings
type Config struct {
	BrokerURL      string
	Username       string
	Password       string
	TopicTemplate  string
	QoS            byte
	ClientIDPrefix string
	ConnectTimeout time.Duration
}

// Channel opens one MQTT client per device subscription
type Channel struct {
	cfg       Config
	logger    *zap.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// New creates a push channel. Nothing is dialed until Connect.
func New(cfg Config, logger *zap.Logger) *Channel {
	if cfg.TopicTemplate == "" {
		cfg.TopicTemplate = "vitalsync/devices/" + DeviceIDPlaceholder + "/telemetry"
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "vitalsync-companion"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Channel{cfg: cfg, logger: logger, newClient: mqtt.NewClient}
}

// Topic returns the telemetry topic of deviceID
func (c *Channel) Topic(deviceID string) string {
	return strings.ReplaceAll(c.cfg.TopicTemplate, DeviceIDPlaceholder, deviceID)
}

// Connect dials the broker and subscribes to deviceID's topic
func (c *Channel) Connect(ctx context.Context, deviceID string) (fusion.PushHandle, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}

	h := &handle{
		topic:  c.Topic(deviceID),
		logger: c.logger.With(zap.String("device_id", deviceID)),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("%s-%s", c.cfg.ClientIDPrefix, uuid.NewString()))
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
	}
	if c.cfg.Password != "" {
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		h.logger.Warn("MQTT connection lost", zap.Error(err))
	})

	h.client = c.newClient(opts)

	if err := wait(ctx, h.client.Connect(), c.cfg.ConnectTimeout); err != nil {
		// paho keeps dialling in the background until told otherwise
		h.client.Disconnect(250)
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	if err := wait(ctx, h.client.Subscribe(h.topic, c.cfg.QoS, h.receive), c.cfg.ConnectTimeout); err != nil {
		h.client.Disconnect(250)
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", h.topic, err)
	}

	h.logger.Info("subscribed to telemetry topic", zap.String("topic", h.topic))
	return h, nil
}

// wait blocks on token until it completes, the timeout elapses or ctx is done
func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// maxPending bounds the messages held between Subscribe and OnMessage
const maxPending = 32

type handle struct {
	client mqtt.Client
	topic  string
	logger *zap.Logger

	// deliverMu keeps callback invocations in broker order
	deliverMu sync.Mutex

	mu       sync.Mutex
	callback func(types.Payload)
	pending  []types.Payload
	closed   bool
}

// OnMessage sets the callback and hands it the messages received since Subscribe,
// such as a retained latest sample.
func (h *handle) OnMessage(callback func(types.Payload)) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	h.callback = callback
	pending := h.pending
	h.pending = nil
	closed := h.closed
	h.mu.Unlock()

	if closed || callback == nil {
		return
	}
	for _, p := range pending {
		callback(p)
	}
}

func (h *handle) receive(_ mqtt.Client, msg mqtt.Message) {
	payload, err := types.DecodePayload(msg.Payload())
	if err != nil {
		h.logger.Warn("dropping undecodable telemetry message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}

	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	cb := h.callback
	if h.closed {
		h.mu.Unlock()
		return
	}
	if cb == nil {
		if len(h.pending) == maxPending {
			h.logger.Warn("dropping oldest unclaimed telemetry message", zap.String("topic", h.topic))
			h.pending = h.pending[1:]
		}
		h.pending = append(h.pending, payload)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	cb(payload)
}

// Disconnect unsubscribes and closes the client. It is safe to call more than once.
func (h *handle) Disconnect() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.callback = nil
	h.pending = nil
	h.mu.Unlock()

	if h.client.IsConnected() {
		if token := h.client.Unsubscribe(h.topic); token.WaitTimeout(time.Second) && token.Error() != nil {
			h.logger.Warn("failed to unsubscribe", zap.String("topic", h.topic), zap.Error(token.Error()))
		}
	}
	h.client.Disconnect(250)
	h.logger.Info("unsubscribed from telemetry topic", zap.String("topic", h.topic))
}

func (h *handle) IsConnected() bool {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	return !closed && h.client.IsConnected()
}
