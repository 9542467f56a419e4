package wifi

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestSplitTerse(t *testing.T) {
	got := splitTerse(`my\:net:WPA2 WPA3:72`)
	if len(got) != 3 || got[0] != "my:net" || got[1] != "WPA2 WPA3" || got[2] != "72" {
		t.Errorf("Unexpected fields: %q", got)
	}

	got = splitTerse(`back\\slash::`)
	if len(got) != 3 || got[0] != `back\slash` || got[1] != "" || got[2] != "" {
		t.Errorf("Unexpected fields: %q", got)
	}
}

func TestNMCLI_Scan(t *testing.T) {
	output := "home:WPA2:80\noffice:WPA1 WPA2:40\n:WPA2:90\nbroken line\nguest::\n"
	var gotArgs []string
	transport := NewNMCLI("", "wlan0", zap.NewNop()).WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = args
		return []byte(output), nil
	})

	networks, err := transport.Scan(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(strings.Join(gotArgs, " "), "ifname wlan0") {
		t.Errorf("Expected interface to be passed, got %v", gotArgs)
	}
	if len(networks) != 4 {
		t.Fatalf("Expected 4 parsed networks, got %d: %+v", len(networks), networks)
	}
	if networks[0].Level == nil || *networks[0].Level != -60 {
		t.Errorf("Expected 80%% to map to -60 dBm, got %v", networks[0].Level)
	}
	if networks[3].SSID != "guest" || networks[3].Level != nil {
		t.Errorf("Expected guest without level, got %+v", networks[3])
	}

	// empty SSID survives parsing and is dropped by Dedupe
	if deduped := Dedupe(networks); len(deduped) != 3 {
		t.Errorf("Expected 3 networks after dedupe, got %d", len(deduped))
	}
}

func TestNMCLI_ScanThrottled(t *testing.T) {
	transport := NewNMCLI("nmcli", "", zap.NewNop()).WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("Error: Scanning not allowed immediately following previous scan."), errors.New("exit status 1")
	})

	_, err := transport.Scan(context.Background())
	if !errors.Is(err, ErrThrottled) {
		t.Errorf("Expected ErrThrottled, got %v", err)
	}
}

func TestNMCLI_IsEnabled(t *testing.T) {
	transport := NewNMCLI("nmcli", "", zap.NewNop()).WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("enabled\n"), nil
	})
	enabled, err := transport.IsEnabled(context.Background())
	if err != nil || !enabled {
		t.Errorf("Expected enabled radio, got %v (err=%v)", enabled, err)
	}
}

func TestNMCLI_QualityBreaksLevelTies(t *testing.T) {
	// 81 and 80 both map to -60 dBm
	output := "home:WPA2:80\nhome:WPA2:81\nother:WPA2:80\n"
	transport := NewNMCLI("nmcli", "", zap.NewNop()).WithRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(output), nil
	})

	networks, err := transport.Scan(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	deduped := Dedupe(networks)
	if len(deduped) != 2 {
		t.Fatalf("Expected 2 networks, got %d", len(deduped))
	}
	if deduped[0].SSID != "home" || deduped[0].Quality == nil || *deduped[0].Quality != 81 {
		t.Errorf("Expected home at quality 81 first, got %+v", deduped[0])
	}
	if *deduped[0].Level != *deduped[1].Level {
		t.Errorf("Expected equal levels, got %d and %d", *deduped[0].Level, *deduped[1].Level)
	}
}
