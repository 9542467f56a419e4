// Package readmodel serves the companion state over HTTP and a WebSocket stream.
package readmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/companion/ble"
	"github.com/mjasion/vitalsync/companion/fusion"
	"github.com/mjasion/vitalsync/companion/notice"
	"github.com/mjasion/vitalsync/companion/preflight"
	"github.com/mjasion/vitalsync/companion/provision"
	"github.com/mjasion/vitalsync/companion/session"
	"github.com/mjasion/vitalsync/companion/sleepscore"
	"github.com/mjasion/vitalsync/companion/wifi"
	"github.com/mjasion/vitalsync/pkg/types"
)

// Scanner lists nearby Wi-Fi networks
type Scanner interface {
	Scan(ctx context.Context) ([]types.ScannedNetwork, error)
}

// Discoverer lists peripherals advertising the provisioning service
type Discoverer interface {
	Discover(ctx context.Context, timeout time.Duration) ([]ble.Peripheral, error)
}

// ProvisioningOpener opens a provisioning session
type ProvisioningOpener func(ctx context.Context, cfg session.ProvisioningConfig) (*session.Provisioning, error)

// ExportStatus reports the metrics export backlog for the health check
type ExportStatus interface {
	LastPushTime() time.Time
	Pending() int
	Dropped() uint64
}

// BreakerState reports the circuit breaker guarding the telemetry API
type BreakerState interface {
	State() gobreaker.State
}

// LatestMirror serves the last exported sample of a device, used before the
// first live sample arrives
type LatestMirror interface {
	Latest(ctx context.Context, deviceID string) (types.TelemetrySample, bool, error)
}

// Config contains the HTTP settings
type Config struct {
	Port            int
	PushInterval    time.Duration
	MonitorTimeout  time.Duration
	DiscoverTimeout time.Duration
	ScoreOptions    sleepscore.Options
}

// Deps are the collaborators behind the routes. Nil optional deps disable their routes.
type Deps struct {
	Telemetry        *session.Telemetry
	Hub              *Hub
	Guard            *preflight.Guard
	Platform         preflight.Platform
	Scanner          Scanner
	Discoverer       Discoverer
	OpenProvisioning ProvisioningOpener
	Export           ExportStatus
	API              BreakerState
	Mirror           LatestMirror
}

// HealthStatus is the /health body
type HealthStatus struct {
	Status          string    `json:"status"`
	DeviceID        string    `json:"deviceId,omitempty"`
	Mode            string    `json:"mode"`
	LastPushTime    time.Time `json:"lastPushTime"`
	BufferedSamples int       `json:"bufferedSamples"`
	DroppedSamples  uint64    `json:"droppedSamples"`
	API             string    `json:"api,omitempty"`
}

// SampleView is a fused sample with its sleep score
type SampleView struct {
	types.TelemetrySample
	SleepScore int `json:"sleepScore"`
}

func sampleView(s types.TelemetrySample, score int) SampleView {
	return SampleView{TelemetrySample: s, SleepScore: score}
}

type errorBody struct {
	Error  string         `json:"error"`
	Notice *notice.Notice `json:"notice,omitempty"`
}

// Server is the read model HTTP server
type Server struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	server *http.Server

	mu   sync.Mutex
	prov *session.Provisioning
}

// New builds the server and its routes
func New(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.MonitorTimeout <= 0 {
		cfg.MonitorTimeout = 30 * time.Second
	}
	if cfg.DiscoverTimeout <= 0 {
		cfg.DiscoverTimeout = 10 * time.Second
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed and instrumented handler
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// the stream bypasses compression
	if s.deps.Hub != nil {
		r.Handle("/api/v1/telemetry/stream", s.deps.Hub).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(handlers.CompressHandler)
	api.HandleFunc("/telemetry/latest", s.handleLatest).Methods(http.MethodGet)
	api.HandleFunc("/telemetry/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/telemetry/device", s.handleSwitchDevice).Methods(http.MethodPut)
	api.HandleFunc("/wifi/scan", s.handleScan).Methods(http.MethodPost)
	api.HandleFunc("/ble/peripherals", s.handleDiscover).Methods(http.MethodGet)
	api.HandleFunc("/provisioning", s.handleProvision).Methods(http.MethodPost)
	api.HandleFunc("/provisioning", s.handleLeaveProvisioning).Methods(http.MethodDelete)

	var h http.Handler = r
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(zap.NewStdLog(s.logger)), handlers.PrintRecoveryStack(true))(h)
	h = handlers.LoggingHandler(zap.NewStdLog(s.logger).Writer(), h)
	return otelhttp.NewHandler(h, "readmodel",
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("starting read model server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("read model server error: %w", err)
	}
	return nil
}

// Stop leaves any open provisioning session and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.closeProvisioning(ctx)
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Status: "healthy", Mode: string(fusion.ModeNone)}
	if s.deps.Telemetry != nil {
		id, mode := s.deps.Telemetry.Status()
		status.DeviceID, status.Mode = id, string(mode)
	}

	code := http.StatusOK
	if s.deps.Export != nil {
		status.LastPushTime = s.deps.Export.LastPushTime()
		status.BufferedSamples = s.deps.Export.Pending()
		status.DroppedSamples = s.deps.Export.Dropped()
		// stale when nothing was pushed for three intervals
		if s.cfg.PushInterval > 0 && !status.LastPushTime.IsZero() && time.Since(status.LastPushTime) > 3*s.cfg.PushInterval {
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	if s.deps.API != nil {
		state := s.deps.API.State()
		status.API = state.String()
		// polling cannot work while the breaker is open
		if state == gobreaker.StateOpen && code == http.StatusOK {
			status.Status = "degraded"
		}
	}
	writeJSON(w, code, status)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telemetry == nil {
		writeError(w, http.StatusNotFound, errors.New("telemetry disabled"))
		return
	}
	latest, ok := s.deps.Telemetry.Store().Latest()
	if !ok {
		latest, ok = s.mirroredLatest(r.Context())
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no telemetry received yet"))
		return
	}
	writeJSON(w, http.StatusOK, sampleView(latest, sleepscore.Compute(latest, s.cfg.ScoreOptions)))
}

func (s *Server) mirroredLatest(ctx context.Context) (types.TelemetrySample, bool) {
	if s.deps.Mirror == nil {
		return types.TelemetrySample{}, false
	}
	deviceID, _ := s.deps.Telemetry.Status()
	if deviceID == "" {
		return types.TelemetrySample{}, false
	}
	latest, ok, err := s.deps.Mirror.Latest(ctx, deviceID)
	if err != nil {
		s.logger.Warn("failed to read mirrored sample", zap.String("device_id", deviceID), zap.Error(err))
		return types.TelemetrySample{}, false
	}
	return latest, ok
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telemetry == nil {
		writeError(w, http.StatusNotFound, errors.New("telemetry disabled"))
		return
	}
	history := s.deps.Telemetry.Store().History()
	views := make([]SampleView, len(history))
	for i, h := range history {
		views[i] = sampleView(h, sleepscore.Compute(h, s.cfg.ScoreOptions))
	}
	writeJSON(w, http.StatusOK, views)
}

type switchDeviceRequest struct {
	DeviceID string `json:"deviceId"`
}

func (s *Server) handleSwitchDevice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telemetry == nil {
		writeError(w, http.StatusNotFound, errors.New("telemetry disabled"))
		return
	}
	var req switchDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}

	if req.DeviceID == "" {
		s.deps.Telemetry.Close()
	} else if err := s.deps.Telemetry.Open(r.Context(), req.DeviceID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	id, mode := s.deps.Telemetry.Status()
	writeJSON(w, http.StatusOK, map[string]string{"deviceId": id, "mode": string(mode)})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scanner == nil || s.deps.Guard == nil {
		writeError(w, http.StatusNotFound, errors.New("wifi scanning disabled"))
		return
	}
	if err := s.deps.Guard.Run(r.Context(), s.deps.Platform); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	networks, err := s.deps.Scanner.Scan(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, networks)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if s.deps.Discoverer == nil {
		writeError(w, http.StatusNotFound, errors.New("BLE discovery disabled"))
		return
	}
	peripherals, err := s.deps.Discoverer.Discover(r.Context(), s.cfg.DiscoverTimeout)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if peripherals == nil {
		peripherals = []ble.Peripheral{}
	}
	writeJSON(w, http.StatusOK, peripherals)
}

type provisionRequest struct {
	PeripheralID string `json:"peripheralId"`
	DeviceName   string `json:"deviceName"`
	SSID         string `json:"ssid"`
	Password     string `json:"password"`
}

type provisionResponse struct {
	Phase  provision.Phase        `json:"phase"`
	Status ble.ProvisioningStatus `json:"status"`
}

// handleProvision reuses the open session for the same peripheral and
// replaces it otherwise
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	if s.deps.OpenProvisioning == nil {
		writeError(w, http.StatusNotFound, errors.New("provisioning disabled"))
		return
	}
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	creds := provision.Credentials{SSID: req.SSID, Password: req.Password}
	if err := provision.Validate(creds); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	prov, err := s.provisioningFor(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	status, err := prov.Provision(r.Context(), creds)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, provisionResponse{Phase: prov.Phase(), Status: status})
}

func (s *Server) handleLeaveProvisioning(w http.ResponseWriter, r *http.Request) {
	s.closeProvisioning(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) provisioningFor(ctx context.Context, req provisionRequest) (*session.Provisioning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.prov != nil && s.prov.PeripheralID() == req.PeripheralID {
		return s.prov, nil
	}
	s.closeProvisioningLocked(ctx)

	cfg := session.ProvisioningConfig{
		PeripheralID:   req.PeripheralID,
		DeviceName:     req.DeviceName,
		MonitorTimeout: s.cfg.MonitorTimeout,
	}
	if s.deps.Hub != nil {
		cfg.OnAlert = func(n notice.Notice) { s.deps.Hub.Publish("alert", n) }
	}

	prov, err := s.deps.OpenProvisioning(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.prov = prov
	return prov, nil
}

func (s *Server) closeProvisioning(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeProvisioningLocked(ctx)
}

func (s *Server) closeProvisioningLocked(ctx context.Context) {
	if s.prov == nil {
		return
	}
	if err := s.prov.Close(ctx); err != nil {
		s.logger.Warn("provisioning session closed with error", zap.Error(err))
	}
	s.prov = nil
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var (
		pf   *preflight.Failure
		scan *wifi.ScanError
		verr *provision.ValidationError
		terr *provision.TransmissionError
	)
	switch {
	case errors.As(err, &pf):
		return http.StatusPreconditionFailed
	case errors.As(err, &scan):
		if scan.Kind() == notice.ScanThrottled {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &terr):
		return http.StatusBadGateway
	case errors.Is(err, provision.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	body := errorBody{Error: err.Error()}
	var n notice.Noticer
	if errors.As(err, &n) {
		nt := n.Notice()
		body.Notice = &nt
	}
	writeJSON(w, code, body)
}
