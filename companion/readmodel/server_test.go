package readmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/companion/ble"
	"github.com/mjasion/vitalsync/companion/fusion"
	"github.com/mjasion/vitalsync/companion/notice"
	"github.com/mjasion/vitalsync/companion/preflight"
	"github.com/mjasion/vitalsync/companion/session"
	"github.com/mjasion/vitalsync/companion/sleepscore"
	"github.com/mjasion/vitalsync/pkg/feed"
	"github.com/mjasion/vitalsync/pkg/types"
)

type fakeRadio struct{ enabled bool }

func (f fakeRadio) IsEnabled(ctx context.Context) (bool, error) { return f.enabled, nil }

type fakeScanner struct {
	networks []types.ScannedNetwork
	err      error
}

func (f fakeScanner) Scan(ctx context.Context) ([]types.ScannedNetwork, error) {
	return f.networks, f.err
}

type fakePull struct{}

func (fakePull) GetLatest(ctx context.Context, id string) (types.Payload, error) {
	return types.Payload{}, nil
}

func (fakePull) GetHistory(ctx context.Context, id string, window time.Duration) ([]types.Payload, error) {
	return nil, nil
}

type fakeExport struct {
	last    time.Time
	pending int
	dropped uint64
}

func (f fakeExport) Dropped() uint64 { return f.dropped }

func (f fakeExport) LastPushTime() time.Time { return f.last }
func (f fakeExport) Pending() int            { return f.pending }

type fakeBreaker struct {
	state gobreaker.State
}

func (f fakeBreaker) State() gobreaker.State { return f.state }

type fakeMirror struct {
	samples map[string]types.TelemetrySample
}

func (f fakeMirror) Latest(ctx context.Context, id string) (types.TelemetrySample, bool, error) {
	s, ok := f.samples[id]
	return s, ok, nil
}

type fakeTransport struct {
	statuses *feed.Feed[ble.ConnectionState]

	mu          sync.Mutex
	connected   []string
	disconnects int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{statuses: feed.New[ble.ConnectionState]("test", zap.NewNop())}
}

func (f *fakeTransport) Connect(ctx context.Context, id string) error {
	f.mu.Lock()
	f.connected = append(f.connected, id)
	f.mu.Unlock()
	f.statuses.Publish(ble.Connected)
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendCredentials(ctx context.Context, ssid, password string) error {
	return nil
}

func (f *fakeTransport) Statuses() (<-chan ble.ConnectionState, func()) {
	return f.statuses.Subscribe(8)
}

func (f *fakeTransport) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connected), f.disconnects
}

func newTestServer(t *testing.T, deps Deps) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Config{PushInterval: time.Minute, ScoreOptions: sleepscore.DefaultOptions}, deps, zap.NewNop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func newTelemetry() *session.Telemetry {
	store := fusion.NewStore(zap.NewNop(), nil)
	ing := fusion.NewIngestor(store, nil, fakePull{}, fusion.IngestorConfig{PollInterval: time.Minute}, zap.NewNop())
	return session.NewTelemetry(store, ing, zap.NewNop())
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return v
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, Deps{
		Export: fakeExport{last: time.Now(), pending: 3, dropped: 2},
		API:    fakeBreaker{state: gobreaker.StateClosed},
	})

	resp := do(t, http.MethodGet, ts.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	status := decode[HealthStatus](t, resp)
	if status.Status != "healthy" || status.BufferedSamples != 3 || status.DroppedSamples != 2 || status.Mode != "none" {
		t.Errorf("Unexpected health: %+v", status)
	}
	if status.API != "closed" {
		t.Errorf("Expected closed breaker, got %q", status.API)
	}
}

func TestHealth_OpenBreakerIsDegraded(t *testing.T) {
	_, ts := newTestServer(t, Deps{API: fakeBreaker{state: gobreaker.StateOpen}})

	resp := do(t, http.MethodGet, ts.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	status := decode[HealthStatus](t, resp)
	if status.Status != "degraded" || status.API != "open" {
		t.Errorf("Expected degraded with open breaker, got %+v", status)
	}
}

func TestHealth_StalePush(t *testing.T) {
	_, ts := newTestServer(t, Deps{Export: fakeExport{last: time.Now().Add(-time.Hour)}})

	resp := do(t, http.MethodGet, ts.URL+"/health", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}
	if status := decode[HealthStatus](t, resp); status.Status != "unhealthy" {
		t.Errorf("Expected unhealthy, got %s", status.Status)
	}
}

func TestTelemetryRoutes(t *testing.T) {
	tel := newTelemetry()
	defer tel.Close()
	_, ts := newTestServer(t, Deps{Telemetry: tel})

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/telemetry/latest", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404 before any sample, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = do(t, http.MethodPut, ts.URL+"/api/v1/telemetry/device", `{"deviceId":"pad-1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["deviceId"] != "pad-1" || body["mode"] != "poll" {
		t.Errorf("Unexpected switch response: %v", body)
	}

	_, gen := tel.Store().DeviceID()
	tel.Store().Apply(gen, types.Payload{"hr": 60.0, "rr": 15.0, "stress": 0.0, "hrv": 500.0}, "push")

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/telemetry/latest", "")
	latest := decode[SampleView](t, resp)
	if latest.DeviceID != "pad-1" || latest.SleepScore != 100 {
		t.Errorf("Unexpected latest: %+v", latest)
	}

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/telemetry/history", "")
	history := decode[[]SampleView](t, resp)
	if len(history) != 1 || history[0].HeartRate != 60 {
		t.Errorf("Unexpected history: %+v", history)
	}

	resp = do(t, http.MethodPut, ts.URL+"/api/v1/telemetry/device", `{"deviceId":""}`)
	body = decode[map[string]string](t, resp)
	if body["mode"] != "none" {
		t.Errorf("Expected no mode after leaving, got %v", body)
	}
}

func TestLatest_FallsBackToMirror(t *testing.T) {
	tel := newTelemetry()
	defer tel.Close()
	mirror := fakeMirror{samples: map[string]types.TelemetrySample{
		"pad-1": {DeviceID: "pad-1", HeartRate: 60, Respiration: 15, HRV: 500},
	}}
	_, ts := newTestServer(t, Deps{Telemetry: tel, Mirror: mirror})

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/telemetry/latest", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404 without a device, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	if err := tel.Open(context.Background(), "pad-1"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	resp = do(t, http.MethodGet, ts.URL+"/api/v1/telemetry/latest", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from the mirror, got %d", resp.StatusCode)
	}
	if latest := decode[SampleView](t, resp); latest.DeviceID != "pad-1" || latest.SleepScore != 100 {
		t.Errorf("Unexpected mirrored latest: %+v", latest)
	}
}

func TestScan_PreflightFailure(t *testing.T) {
	_, ts := newTestServer(t, Deps{
		Guard:    preflight.NewGuard(zap.NewNop()),
		Platform: preflight.Linux(fakeRadio{enabled: false}),
		Scanner:  fakeScanner{},
	})

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/wifi/scan", "")
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("Expected 412, got %d", resp.StatusCode)
	}
	body := decode[errorBody](t, resp)
	if body.Notice == nil || body.Notice.Kind != notice.RadioDisabled {
		t.Errorf("Expected RadioDisabled notice, got %+v", body)
	}
}

func TestScan_Success(t *testing.T) {
	_, ts := newTestServer(t, Deps{
		Guard:    preflight.NewGuard(zap.NewNop()),
		Platform: preflight.Linux(fakeRadio{enabled: true}),
		Scanner:  fakeScanner{networks: []types.ScannedNetwork{{SSID: "home", Level: types.IntPtr(-40)}}},
	})

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/wifi/scan", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	networks := decode[[]types.ScannedNetwork](t, resp)
	if len(networks) != 1 || networks[0].SSID != "home" {
		t.Errorf("Unexpected networks: %+v", networks)
	}
}

func TestScan_TransportError(t *testing.T) {
	_, ts := newTestServer(t, Deps{
		Guard:    preflight.NewGuard(zap.NewNop()),
		Platform: preflight.Linux(fakeRadio{enabled: true}),
		Scanner:  fakeScanner{err: errors.New("boom")},
	})

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/wifi/scan", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestProvisioning(t *testing.T) {
	tr := newFakeTransport()
	var opened session.ProvisioningConfig
	opener := func(ctx context.Context, cfg session.ProvisioningConfig) (*session.Provisioning, error) {
		opened = cfg
		return session.OpenProvisioning(ctx, tr, cfg, zap.NewNop(), nil)
	}
	s, ts := newTestServer(t, Deps{OpenProvisioning: opener, Hub: NewHub(zap.NewNop())})
	defer s.closeProvisioning(context.Background())

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/provisioning", `{"peripheralId":"AA","ssid":"home","password":"short1"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d", resp.StatusCode)
	}
	body := decode[errorBody](t, resp)
	if body.Notice == nil || body.Notice.Kind != notice.PasswordTooShort {
		t.Errorf("Expected PasswordTooShort notice, got %+v", body)
	}
	if n, _ := tr.counts(); n != 0 {
		t.Error("Expected no connection for invalid credentials")
	}

	for i := 0; i < 2; i++ {
		resp = do(t, http.MethodPost, ts.URL+"/api/v1/provisioning", `{"peripheralId":"AA","ssid":"home","password":"longenough1"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}
		got := decode[map[string]any](t, resp)
		if got["phase"] != "monitoring" {
			t.Errorf("Expected monitoring phase, got %v", got)
		}
	}
	if n, _ := tr.counts(); n != 1 {
		t.Errorf("Expected the session to be reused, got %d connects", n)
	}
	if opened.PeripheralID != "AA" || opened.OnAlert == nil {
		t.Errorf("Expected the session to be opened with an alert sink, got %+v", opened)
	}

	resp = do(t, http.MethodDelete, ts.URL+"/api/v1/provisioning", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	if _, n := tr.counts(); n != 1 {
		t.Errorf("Expected one disconnect, got %d", n)
	}
	if tr.statuses.Subscribers() != 0 {
		t.Errorf("Expected no status subscribers, got %d", tr.statuses.Subscribers())
	}
}

func TestStream(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	_, ts := newTestServer(t, Deps{Hub: hub})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/telemetry/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial stream: %v", err)
	}
	defer conn.Close()

	received := make(chan Event, 1)
	go func() {
		var ev Event
		if err := conn.ReadJSON(&ev); err == nil {
			received <- ev
		}
	}()

	sample := &types.ScoredSample{Sample: types.TelemetrySample{DeviceID: "pad-1"}, SleepScore: 42}
	deadline := time.After(2 * time.Second)
	for {
		// registration is asynchronous, keep publishing until it lands
		hub.Write(ctx, sample)
		select {
		case ev := <-received:
			if ev.Type != "sample" {
				t.Errorf("Expected sample event, got %s", ev.Type)
			}
			data, _ := json.Marshal(ev.Data)
			if !bytes.Contains(data, []byte(`"sleepScore":42`)) {
				t.Errorf("Expected sleep score in event, got %s", data)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("Expected a stream event")
		}
	}
}
