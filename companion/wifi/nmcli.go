package wifi

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mjasion/vitalsync/pkg/types"
)

// CommandRunner runs an external command and returns its combined output
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// NMCLI is a Transport backed by NetworkManager's command line client
type NMCLI struct {
	binary string
	iface  string
	runner CommandRunner
	logger *zap.Logger
}

// NewNMCLI creates a NetworkManager transport. iface may be empty to scan every Wi-Fi device.
func NewNMCLI(binary, iface string, logger *zap.Logger) *NMCLI {
	if binary == "" {
		binary = "nmcli"
	}
	return &NMCLI{binary: binary, iface: iface, runner: execRunner, logger: logger}
}

// WithRunner replaces the command runner, used by tests
func (n *NMCLI) WithRunner(runner CommandRunner) *NMCLI {
	n.runner = runner
	return n
}

// IsEnabled reports whether the Wi-Fi radio is switched on
func (n *NMCLI) IsEnabled(ctx context.Context) (bool, error) {
	out, err := n.runner(ctx, n.binary, "-t", "-f", "WIFI", "radio")
	if err != nil {
		return false, fmt.Errorf("nmcli radio: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)) == "enabled", nil
}

// Scan triggers a rescan and lists the visible networks
func (n *NMCLI) Scan(ctx context.Context) ([]types.ScannedNetwork, error) {
	args := []string{"-t", "-f", "SSID,SECURITY,SIGNAL", "device", "wifi", "list", "--rescan", "yes"}
	if n.iface != "" {
		args = append(args, "ifname", n.iface)
	}

	out, err := n.runner(ctx, n.binary, args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(msg, "not allowed") {
			return nil, fmt.Errorf("%w: %s", ErrThrottled, msg)
		}
		return nil, fmt.Errorf("nmcli wifi list: %w: %s", err, msg)
	}

	return parseNMCLI(out, n.logger), nil
}

// parseNMCLI parses terse "SSID:SECURITY:SIGNAL" lines. Signal is a 0-100 quality
// that is mapped onto the usual dBm range.
func parseNMCLI(out []byte, logger *zap.Logger) []types.ScannedNetwork {
	var networks []types.ScannedNetwork
	for _, line := range bytes.Split(out, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		fields := splitTerse(string(line))
		if len(fields) != 3 {
			logger.Debug("skipping malformed nmcli line", zap.ByteString("line", line))
			continue
		}

		network := types.ScannedNetwork{SSID: fields[0], Capabilities: fields[1]}
		if quality, err := strconv.Atoi(fields[2]); err == nil {
			network.Quality = types.IntPtr(quality)
			network.Level = types.IntPtr(quality/2 - 100)
		}
		networks = append(networks, network)
	}
	return networks
}

// splitTerse splits an nmcli terse line on ':' honouring "\:" and "\\" escapes
func splitTerse(line string) []string {
	var (
		fields  []string
		current strings.Builder
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && i+1 < len(line):
			i++
			current.WriteByte(line[i])
		case c == ':':
			fields = append(fields, current.String())
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	return append(fields, current.String())
}
