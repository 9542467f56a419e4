package wifi

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/companion/notice"
	"github.com/mjasion/vitalsync/pkg/types"
)

type fakeTransport struct {
	networks []types.ScannedNetwork
	err      error
	calls    int
}

func (f *fakeTransport) IsEnabled(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeTransport) Scan(ctx context.Context) ([]types.ScannedNetwork, error) {
	f.calls++
	return f.networks, f.err
}

func TestDedupe_KeepsStrongestAndSorts(t *testing.T) {
	in := []types.ScannedNetwork{
		{SSID: "home", Level: types.IntPtr(-70)},
		{SSID: "office", Level: types.IntPtr(-50)},
		{SSID: "home", Level: types.IntPtr(-40), Capabilities: "WPA2"},
		{SSID: "cafe"},
		{SSID: "office", Level: types.IntPtr(-80)},
		{SSID: "", Level: types.IntPtr(-10)},
	}

	out := Dedupe(in)

	if len(out) != 3 {
		t.Fatalf("Expected 3 networks, got %d: %+v", len(out), out)
	}
	expected := []string{"home", "office", "cafe"}
	for i, ssid := range expected {
		if out[i].SSID != ssid {
			t.Errorf("Expected network[%d]=%s, got %s", i, ssid, out[i].SSID)
		}
	}
	if *out[0].Level != -40 || out[0].Capabilities != "WPA2" {
		t.Errorf("Expected strongest home entry to survive, got %+v", out[0])
	}
	if out[2].Level != nil {
		t.Errorf("Expected missing level to stay missing, got %d", *out[2].Level)
	}
}

func TestDedupe_MissingLevelLosesToAnyLevel(t *testing.T) {
	out := Dedupe([]types.ScannedNetwork{
		{SSID: "x"},
		{SSID: "x", Level: types.IntPtr(-99)},
	})
	if len(out) != 1 || out[0].Level == nil || *out[0].Level != -99 {
		t.Errorf("Expected entry with level to win, got %+v", out)
	}
}

func TestDedupe_Property(t *testing.T) {
	// every SSID keeps its maximum level and the output is non-increasing
	in := []types.ScannedNetwork{}
	for i := 0; i < 60; i++ {
		ssid := string(rune('a' + i%7))
		in = append(in, types.ScannedNetwork{SSID: ssid, Level: types.IntPtr(-(i * 37 % 90))})
	}

	maxLevel := map[string]int{}
	for _, n := range in {
		if cur, ok := maxLevel[n.SSID]; !ok || *n.Level > cur {
			maxLevel[n.SSID] = *n.Level
		}
	}

	out := Dedupe(in)
	if len(out) != len(maxLevel) {
		t.Fatalf("Expected %d networks, got %d", len(maxLevel), len(out))
	}
	for i, n := range out {
		if *n.Level != maxLevel[n.SSID] {
			t.Errorf("Expected %s to keep level %d, got %d", n.SSID, maxLevel[n.SSID], *n.Level)
		}
		if i > 0 && out[i-1].LevelOrMin() < n.LevelOrMin() {
			t.Errorf("Expected descending order at %d: %d < %d", i, out[i-1].LevelOrMin(), n.LevelOrMin())
		}
	}
}

func TestScan_EmptyIsNotAnError(t *testing.T) {
	scanner := NewScanner(&fakeTransport{}, 0, zap.NewNop(), nil)

	networks, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if networks == nil {
		t.Error("Expected non-nil empty slice")
	}
	if len(networks) != 0 {
		t.Errorf("Expected no networks, got %d", len(networks))
	}
}

func TestScan_PlatformThrottle(t *testing.T) {
	transport := &fakeTransport{err: ErrThrottled}
	scanner := NewScanner(transport, 0, zap.NewNop(), nil)

	_, err := scanner.Scan(context.Background())
	var scanErr *ScanError
	if !errors.As(err, &scanErr) {
		t.Fatalf("Expected *ScanError, got %v", err)
	}
	if scanErr.Kind() != notice.ScanThrottled {
		t.Errorf("Expected ScanThrottled, got %s", scanErr.Kind())
	}
	if !errors.Is(err, ErrThrottled) {
		t.Error("Expected the platform error to stay reachable")
	}
}

func TestScan_Failure(t *testing.T) {
	transport := &fakeTransport{err: errors.New("device busy")}
	scanner := NewScanner(transport, 0, zap.NewNop(), nil)

	_, err := scanner.Scan(context.Background())
	var scanErr *ScanError
	if !errors.As(err, &scanErr) || scanErr.Kind() != notice.ScanFailed {
		t.Fatalf("Expected ScanFailed, got %v", err)
	}
	if scanErr.Notice().Action != notice.Dismiss {
		t.Errorf("Expected dismiss action, got %s", scanErr.Notice().Action)
	}
}

func TestScan_LocalThrottle(t *testing.T) {
	transport := &fakeTransport{networks: []types.ScannedNetwork{{SSID: "home"}}}
	scanner := NewScanner(transport, time.Hour, zap.NewNop(), nil)

	if _, err := scanner.Scan(context.Background()); err != nil {
		t.Fatalf("Expected first scan to pass, got: %v", err)
	}

	_, err := scanner.Scan(context.Background())
	var scanErr *ScanError
	if !errors.As(err, &scanErr) || scanErr.Kind() != notice.ScanThrottled {
		t.Fatalf("Expected ScanThrottled on immediate rescan, got %v", err)
	}
	if transport.calls != 1 {
		t.Errorf("Expected throttled scan not to reach the transport, got %d calls", transport.calls)
	}
}
