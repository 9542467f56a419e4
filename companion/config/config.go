package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"

	pkgconfig "github.com/mjasion/vitalsync/pkg/config"
)

// Config represents the companion configuration
type Config struct {
	BLE        BLEConfig        `yaml:"ble"`
	WiFi       WiFiConfig       `yaml:"wifi"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	Redis      RedisConfig      `yaml:"redis"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	HTTP       HTTPConfig       `yaml:"http"`

	Logging       pkgconfig.LoggingConfig       `yaml:"logging"`
	OpenTelemetry pkgconfig.OpenTelemetryConfig `yaml:"opentelemetry"`
	Profiling     pkgconfig.ProfilingConfig     `yaml:"profiling"`
}

// BLEConfig contains the provisioning GATT layout
type BLEConfig struct {
	Enabled               bool   `yaml:"enabled" env:"BLE_ENABLED" env-default:"true"`
	ServiceUUID           string `yaml:"serviceUUID" env:"BLE_SERVICE_UUID" env-default:"0000ffa0-0000-1000-8000-00805f9b34fb"`
	SSIDCharUUID          string `yaml:"ssidCharUUID" env:"BLE_SSID_CHAR_UUID" env-default:"0000ffa1-0000-1000-8000-00805f9b34fb"`
	PasswordCharUUID      string `yaml:"passwordCharUUID" env:"BLE_PASSWORD_CHAR_UUID" env-default:"0000ffa2-0000-1000-8000-00805f9b34fb"`
	StatusCharUUID        string `yaml:"statusCharUUID" env:"BLE_STATUS_CHAR_UUID" env-default:"0000ffa3-0000-1000-8000-00805f9b34fb"`
	ScanTimeoutSeconds    int    `yaml:"scanTimeoutSeconds" env:"BLE_SCAN_TIMEOUT_SECONDS" env-default:"10"`
	MonitorTimeoutSeconds int    `yaml:"monitorTimeoutSeconds" env:"BLE_MONITOR_TIMEOUT_SECONDS" env-default:"30"`
}

// WiFiConfig contains the NetworkManager scan settings
type WiFiConfig struct {
	Enabled                bool   `yaml:"enabled" env:"WIFI_ENABLED" env-default:"true"`
	NMCLIPath              string `yaml:"nmcliPath" env:"WIFI_NMCLI_PATH" env-default:"nmcli"`
	Interface              string `yaml:"interface" env:"WIFI_INTERFACE"`
	MinScanIntervalSeconds int    `yaml:"minScanIntervalSeconds" env:"WIFI_MIN_SCAN_INTERVAL_SECONDS" env-default:"10"`
}

// TelemetryConfig selects the ingestion modes
type TelemetryConfig struct {
	DeviceID                 string `yaml:"deviceId" env:"TELEMETRY_DEVICE_ID"`
	PushEnabled              bool   `yaml:"pushEnabled" env:"TELEMETRY_PUSH_ENABLED" env-default:"true"`
	PollIntervalSeconds      int    `yaml:"pollIntervalSeconds" env:"TELEMETRY_POLL_INTERVAL_SECONDS" env-default:"30"`
	PushCheckIntervalSeconds int    `yaml:"pushCheckIntervalSeconds" env:"TELEMETRY_PUSH_CHECK_INTERVAL_SECONDS" env-default:"5"`
	HistoryWindowMinutes     int    `yaml:"historyWindowMinutes" env:"TELEMETRY_HISTORY_WINDOW_MINUTES" env-default:"60"`
	ZeroSleepQualityIsAbsent bool   `yaml:"zeroSleepQualityIsAbsent" env:"TELEMETRY_ZERO_SLEEP_QUALITY_IS_ABSENT" env-default:"true"`
}

// MQTTConfig contains the push channel broker settings
type MQTTConfig struct {
	BrokerURL             string `yaml:"brokerUrl" env:"MQTT_BROKER_URL"`
	Username              string `yaml:"username" env:"MQTT_USERNAME"`
	Password              string `yaml:"password" env:"MQTT_PASSWORD"`
	TopicTemplate         string `yaml:"topicTemplate" env:"MQTT_TOPIC_TEMPLATE" env-default:"vitalsync/devices/{deviceId}/telemetry"`
	QoS                   int    `yaml:"qos" env:"MQTT_QOS" env-default:"1"`
	ClientIDPrefix        string `yaml:"clientIdPrefix" env:"MQTT_CLIENT_ID_PREFIX" env-default:"vitalsync-companion"`
	ConnectTimeoutSeconds int    `yaml:"connectTimeoutSeconds" env:"MQTT_CONNECT_TIMEOUT_SECONDS" env-default:"10"`
}

// APIConfig contains the pull channel settings
type APIConfig struct {
	BaseURL               string `yaml:"baseUrl" env:"API_BASE_URL" env-required:"true"`
	Token                 string `yaml:"token" env:"API_TOKEN"`
	TimeoutSeconds        int    `yaml:"timeoutSeconds" env:"API_TIMEOUT_SECONDS" env-default:"10"`
	RetryCount            int    `yaml:"retryCount" env:"API_RETRY_COUNT" env-default:"2"`
	MaxFailures           int    `yaml:"maxFailures" env:"API_MAX_FAILURES" env-default:"5"`
	BreakerTimeoutSeconds int    `yaml:"breakerTimeoutSeconds" env:"API_BREAKER_TIMEOUT_SECONDS" env-default:"30"`
}

// RedisConfig contains the sample mirror settings
type RedisConfig struct {
	Enabled          bool   `yaml:"enabled" env:"REDIS_ENABLED" env-default:"false"`
	Addr             string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password         string `yaml:"password" env:"REDIS_PASSWORD"`
	DB               int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	KeyPrefix        string `yaml:"keyPrefix" env:"REDIS_KEY_PREFIX" env-default:"vitalsync"`
	StreamMaxLen     int64  `yaml:"streamMaxLen" env:"REDIS_STREAM_MAX_LEN" env-default:"1000"`
	LatestTTLSeconds int    `yaml:"latestTtlSeconds" env:"REDIS_LATEST_TTL_SECONDS" env-default:"3600"`
}

// PrometheusConfig contains Prometheus metrics push configuration
type PrometheusConfig struct {
	Enabled             bool   `yaml:"enabled" env:"PROMETHEUS_ENABLED" env-default:"false"`
	URL                 string `yaml:"prometheusUrl" env:"PROMETHEUS_URL"`
	Username            string `yaml:"prometheusUsername" env:"PROMETHEUS_USERNAME"`
	Password            string `yaml:"prometheusPassword" env:"PROMETHEUS_PASSWORD"`
	PushIntervalSeconds int    `yaml:"pushIntervalSeconds" env:"PUSH_INTERVAL_SECONDS" env-default:"15"`
	BatchSize           int    `yaml:"batchSize" env:"BATCH_SIZE" env-default:"100"`
	BufferSize          int    `yaml:"bufferSize" env:"BUFFER_SIZE" env-default:"1000"`
}

// HTTPConfig contains the read model server settings
type HTTPConfig struct {
	Port int `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
}

var uuidRegex = regexp.MustCompile(`^[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}$`)

// Load loads configuration from a YAML file with environment variable overrides
func Load(configPath string) (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration and normalizes case where needed
func (c *Config) Validate() error {
	if c.BLE.Enabled {
		for name, v := range map[string]string{
			"serviceUUID":      c.BLE.ServiceUUID,
			"ssidCharUUID":     c.BLE.SSIDCharUUID,
			"passwordCharUUID": c.BLE.PasswordCharUUID,
			"statusCharUUID":   c.BLE.StatusCharUUID,
		} {
			if !uuidRegex.MatchString(v) {
				return fmt.Errorf("ble.%s is not a 128-bit UUID: %q", name, v)
			}
		}
		if c.BLE.ScanTimeoutSeconds < 1 {
			return fmt.Errorf("ble.scanTimeoutSeconds must be at least 1, got %d", c.BLE.ScanTimeoutSeconds)
		}
		if c.BLE.MonitorTimeoutSeconds < 1 {
			return fmt.Errorf("ble.monitorTimeoutSeconds must be at least 1, got %d", c.BLE.MonitorTimeoutSeconds)
		}
	}

	if c.WiFi.Enabled && c.WiFi.MinScanIntervalSeconds < 0 {
		return fmt.Errorf("wifi.minScanIntervalSeconds must not be negative, got %d", c.WiFi.MinScanIntervalSeconds)
	}

	if c.Telemetry.PollIntervalSeconds < 1 {
		return fmt.Errorf("telemetry.pollIntervalSeconds must be at least 1, got %d", c.Telemetry.PollIntervalSeconds)
	}
	if c.Telemetry.PushCheckIntervalSeconds < 1 {
		return fmt.Errorf("telemetry.pushCheckIntervalSeconds must be at least 1, got %d", c.Telemetry.PushCheckIntervalSeconds)
	}
	if c.Telemetry.HistoryWindowMinutes < 0 {
		return fmt.Errorf("telemetry.historyWindowMinutes must not be negative, got %d", c.Telemetry.HistoryWindowMinutes)
	}

	if c.Telemetry.PushEnabled {
		if _, err := url.ParseRequestURI(c.MQTT.BrokerURL); err != nil {
			return fmt.Errorf("mqtt.brokerUrl is required when push is enabled: %w", err)
		}
		if !strings.Contains(c.MQTT.TopicTemplate, "{deviceId}") {
			return fmt.Errorf("mqtt.topicTemplate must contain {deviceId}, got %q", c.MQTT.TopicTemplate)
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}

	if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil {
		return fmt.Errorf("invalid api.baseUrl: %w", err)
	}
	if c.API.RetryCount < 0 {
		return fmt.Errorf("api.retryCount must not be negative, got %d", c.API.RetryCount)
	}
	if c.API.MaxFailures < 1 {
		return fmt.Errorf("api.maxFailures must be at least 1, got %d", c.API.MaxFailures)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.Prometheus.Enabled {
		if _, err := url.ParseRequestURI(c.Prometheus.URL); err != nil {
			return fmt.Errorf("invalid prometheusUrl: %w", err)
		}
		if c.Prometheus.Username == "" {
			return fmt.Errorf("prometheus username is required")
		}
		if c.Prometheus.PushIntervalSeconds < 1 {
			return fmt.Errorf("push interval must be at least 1 second")
		}
		if c.Prometheus.BufferSize < 1 {
			return fmt.Errorf("buffer size must be at least 1")
		}
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	if err := pkgconfig.ValidateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}
	if err := pkgconfig.ValidateOpenTelemetry(&c.OpenTelemetry); err != nil {
		return fmt.Errorf("opentelemetry validation failed: %w", err)
	}
	if err := pkgconfig.ValidateProfiling(&c.Profiling); err != nil {
		return fmt.Errorf("profiling validation failed: %w", err)
	}

	return nil
}

// PollInterval is the telemetry poll interval
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Telemetry.PollIntervalSeconds) * time.Second
}

// HistoryWindow is how far back history is seeded on device switch
func (c *Config) HistoryWindow() time.Duration {
	return time.Duration(c.Telemetry.HistoryWindowMinutes) * time.Minute
}

// NewLogger creates a zap logger based on the configuration
func (c *Config) NewLogger() (*zap.Logger, error) {
	return pkgconfig.NewLogger(&c.Logging)
}

// PrintConfig prints the configuration (masking sensitive fields)
func (c *Config) PrintConfig(logger *zap.Logger) {
	logger.Info("configuration loaded",
		zap.Bool("ble_enabled", c.BLE.Enabled),
		zap.String("ble_service_uuid", c.BLE.ServiceUUID),
		zap.Bool("wifi_enabled", c.WiFi.Enabled),
		zap.String("wifi_interface", c.WiFi.Interface),
		zap.Int("wifi_min_scan_interval_seconds", c.WiFi.MinScanIntervalSeconds),
		zap.String("telemetry_device_id", c.Telemetry.DeviceID),
		zap.Bool("telemetry_push_enabled", c.Telemetry.PushEnabled),
		zap.Int("telemetry_poll_interval_seconds", c.Telemetry.PollIntervalSeconds),
		zap.Int("telemetry_history_window_minutes", c.Telemetry.HistoryWindowMinutes),
		zap.Bool("telemetry_zero_sleep_quality_is_absent", c.Telemetry.ZeroSleepQualityIsAbsent),
		zap.String("mqtt_broker_url", redactURL(c.MQTT.BrokerURL)),
		zap.String("mqtt_username", c.MQTT.Username),
		zap.Bool("mqtt_password_set", c.MQTT.Password != ""),
		zap.String("mqtt_topic_template", c.MQTT.TopicTemplate),
		zap.String("api_base_url", redactURL(c.API.BaseURL)),
		zap.Bool("api_token_set", c.API.Token != ""),
		zap.Bool("redis_enabled", c.Redis.Enabled),
		zap.String("redis_addr", c.Redis.Addr),
		zap.Bool("redis_password_set", c.Redis.Password != ""),
		zap.Bool("prometheus_enabled", c.Prometheus.Enabled),
		zap.String("prometheus_url", redactURL(c.Prometheus.URL)),
		zap.String("prometheus_username", c.Prometheus.Username),
		zap.Bool("prometheus_password_set", c.Prometheus.Password != ""),
		zap.Int("push_interval_seconds", c.Prometheus.PushIntervalSeconds),
		zap.Int("buffer_size", c.Prometheus.BufferSize),
		zap.Int("http_port", c.HTTP.Port),
		zap.Bool("otel_enabled", c.OpenTelemetry.Enabled),
		zap.String("otel_service_name", c.OpenTelemetry.ServiceName),
		zap.Bool("otel_traces_enabled", c.OpenTelemetry.Traces.Enabled),
		zap.Bool("otel_metrics_enabled", c.OpenTelemetry.Metrics.Enabled),
		zap.Bool("profiling_enabled", c.Profiling.Enabled),
		zap.String("log_format", c.Logging.Format),
		zap.String("log_level", c.Logging.Level),
	)
}

// redactURL removes credentials from URLs for logging
func redactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}
