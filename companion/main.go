package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/companion/ble"
	"github.com/mjasion/vitalsync/companion/config"
	"github.com/mjasion/vitalsync/companion/fusion"
	"github.com/mjasion/vitalsync/companion/preflight"
	"github.com/mjasion/vitalsync/companion/pull"
	"github.com/mjasion/vitalsync/companion/push"
	"github.com/mjasion/vitalsync/companion/readmodel"
	"github.com/mjasion/vitalsync/companion/session"
	"github.com/mjasion/vitalsync/companion/sink"
	"github.com/mjasion/vitalsync/companion/sleepscore"
	"github.com/mjasion/vitalsync/companion/wifi"
	"github.com/mjasion/vitalsync/pkg/buffer"
	pkgmetrics "github.com/mjasion/vitalsync/pkg/metrics"
	"github.com/mjasion/vitalsync/pkg/profiling"
	"github.com/mjasion/vitalsync/pkg/telemetry"
	"github.com/mjasion/vitalsync/pkg/types"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "Path to configuration file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting vitalsync companion")
	cfg.PrintConfig(logger)

	profiler, err := profiling.Start(&cfg.Profiling, cfg.Telemetry.DeviceID, logger)
	if err != nil {
		logger.Error("failed to initialize profiler", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Error("failed to shutdown profiler", zap.Error(err))
		}
	}()

	ctx := context.Background()
	otelProviders, err := telemetry.InitProviders(ctx, &cfg.OpenTelemetry, logger)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry providers", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if otelProviders != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := otelProviders.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shutdown OpenTelemetry providers", zap.Error(err))
			}
		}
	}()

	instruments, err := telemetry.NewInstruments()
	if err != nil {
		// a nil *Instruments records nothing
		logger.Warn("failed to create instruments", zap.Error(err))
	}

	ctx, mainSpan := otel.Tracer("main").Start(ctx, "main.run")
	defer mainSpan.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	// telemetry fusion
	store := fusion.NewStore(logger, instruments)
	var pushChannel fusion.PushChannel
	if cfg.Telemetry.PushEnabled {
		pushChannel = push.New(push.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicTemplate:  cfg.MQTT.TopicTemplate,
			QoS:            byte(cfg.MQTT.QoS),
			ClientIDPrefix: cfg.MQTT.ClientIDPrefix,
			ConnectTimeout: time.Duration(cfg.MQTT.ConnectTimeoutSeconds) * time.Second,
		}, logger)
	}
	pullClient := pull.New(pull.Config{
		BaseURL:        cfg.API.BaseURL,
		Token:          cfg.API.Token,
		Timeout:        time.Duration(cfg.API.TimeoutSeconds) * time.Second,
		RetryCount:     cfg.API.RetryCount,
		MaxFailures:    uint32(cfg.API.MaxFailures),
		BreakerTimeout: time.Duration(cfg.API.BreakerTimeoutSeconds) * time.Second,
	}, logger)
	ingestor := fusion.NewIngestor(store, pushChannel, pullClient, fusion.IngestorConfig{
		PushEnabled:       cfg.Telemetry.PushEnabled,
		PollInterval:      cfg.PollInterval(),
		PushCheckInterval: time.Duration(cfg.Telemetry.PushCheckIntervalSeconds) * time.Second,
		HistoryWindow:     cfg.HistoryWindow(),
	}, logger)
	telemetrySession := session.NewTelemetry(store, ingestor, logger)
	scoreOptions := sleepscore.Options{ZeroQualityIsAbsent: cfg.Telemetry.ZeroSleepQualityIsAbsent}

	// exports
	hub := readmodel.NewHub(logger)
	sinks := []session.Sink{hub}

	var (
		pusher    *pkgmetrics.Pusher
		exportBuf *buffer.RingBuffer[*types.ScoredSample]
	)
	if cfg.Prometheus.Enabled {
		exportBuf = buffer.New[*types.ScoredSample]("prometheus_export", cfg.Prometheus.BufferSize, logger)
		pusher = pkgmetrics.New(pkgmetrics.Config{
			URL:             cfg.Prometheus.URL,
			Username:        cfg.Prometheus.Username,
			Password:        cfg.Prometheus.Password,
			PushIntervalSec: cfg.Prometheus.PushIntervalSeconds,
			BatchSize:       cfg.Prometheus.BatchSize,
		}, exportBuf, logger)
		sinks = append(sinks, session.QueueSink(exportBuf))
		logger.Info("prometheus pusher initialized", zap.String("url", cfg.Prometheus.URL))
	}

	var redisSink *sink.Redis
	if cfg.Redis.Enabled {
		redisCfg := sink.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			KeyPrefix:    cfg.Redis.KeyPrefix,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
			LatestTTL:    time.Duration(cfg.Redis.LatestTTLSeconds) * time.Second,
		}
		redisClient := sink.NewClient(redisCfg)
		defer redisClient.Close()
		redisSink = sink.New(redisClient, redisCfg, logger)

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisSink.Ping(pingCtx); err != nil {
			logger.Warn("redis not reachable yet, samples will be retried per write", zap.Error(err))
		}
		pingCancel()
		sinks = append(sinks, redisSink)
	}

	exporter := session.NewExporter(store, scoreOptions, logger, instruments, sinks...)

	// provisioning
	deps := readmodel.Deps{
		Telemetry: telemetrySession,
		Hub:       hub,
		API:       pullClient,
	}
	if redisSink != nil {
		deps.Mirror = redisSink
	}
	if pusher != nil {
		deps.Export = pusher
	}

	if cfg.WiFi.Enabled {
		nmcli := wifi.NewNMCLI(cfg.WiFi.NMCLIPath, cfg.WiFi.Interface, logger)
		deps.Scanner = wifi.NewScanner(nmcli, time.Duration(cfg.WiFi.MinScanIntervalSeconds)*time.Second, logger, instruments)
		deps.Guard = preflight.NewGuard(logger)
		deps.Platform = preflight.Linux(nmcli)
	}

	var adapter *ble.Adapter
	if cfg.BLE.Enabled {
		adapter, err = ble.NewAdapter(ble.AdapterConfig{
			ServiceUUID:      cfg.BLE.ServiceUUID,
			SSIDCharUUID:     cfg.BLE.SSIDCharUUID,
			PasswordCharUUID: cfg.BLE.PasswordCharUUID,
			StatusCharUUID:   cfg.BLE.StatusCharUUID,
			ScanTimeout:      time.Duration(cfg.BLE.ScanTimeoutSeconds) * time.Second,
		}, logger)
		if err != nil {
			logger.Error("failed to create BLE adapter", zap.Error(err))
			os.Exit(1)
		}
		if err := adapter.Enable(); err != nil {
			logger.Error("failed to enable BLE adapter", zap.Error(err))
			os.Exit(1)
		}
		defer adapter.Close()

		deps.Discoverer = adapter
		deps.OpenProvisioning = func(ctx context.Context, pc session.ProvisioningConfig) (*session.Provisioning, error) {
			return session.OpenProvisioning(ctx, adapter, pc, logger, instruments)
		}
	}

	server := readmodel.New(readmodel.Config{
		Port:            cfg.HTTP.Port,
		PushInterval:    time.Duration(cfg.Prometheus.PushIntervalSeconds) * time.Second,
		MonitorTimeout:  time.Duration(cfg.BLE.MonitorTimeoutSeconds) * time.Second,
		DiscoverTimeout: time.Duration(cfg.BLE.ScanTimeoutSeconds) * time.Second,
		ScoreOptions:    scoreOptions,
	}, deps, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		exporter.Run(ctx)
	}()

	if pusher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pusher.Start(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(); err != nil {
			logger.Error("read model server failed", zap.Error(err))
			cancel()
		}
	}()

	if cfg.Telemetry.DeviceID != "" {
		if err := telemetrySession.Open(ctx, cfg.Telemetry.DeviceID); err != nil {
			logger.Error("failed to open telemetry session", zap.Error(err))
		}
	}

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("stopping read model server")
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop read model server", zap.Error(err))
	}

	logger.Info("stopping telemetry ingestion")
	telemetrySession.Close()

	cancel()
	store.Close()

	if pusher != nil {
		logger.Info("performing final metrics push", zap.Int("sample_count", exportBuf.Size()))
		pusher.Flush(shutdownCtx)
	}

	logger.Info("waiting for goroutines to finish")
	wg.Wait()

	logger.Info("vitalsync companion stopped")
}
